package controller

import (
	"net/http"

	"github.com/otterfi/otter-point/pkg/utils"
)

func (c *Controller) HandleRoot(w http.ResponseWriter, _ *http.Request) {
	utils.WriteJSON(w, http.StatusOK, struct{}{})
}

func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.DB.Ping(r.Context()); err != nil {
		utils.WriteJSON(w, http.StatusInternalServerError, map[string]string{"status": "errored", "error": "database connection error"})
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
