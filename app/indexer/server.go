package indexer

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	idx "github.com/otterfi/otter-point/pkg/indexer"
	"github.com/otterfi/otter-point/pkg/utils"
)

type vaultProgressView struct {
	VaultID    int64  `json:"vaultId"`
	Name       string `json:"name"`
	State      string `json:"state"`
	Committed  int    `json:"committed"`
	LastBlock  uint64 `json:"lastBlock"`
	Holders    int    `json:"holders"`
	Mismatches int    `json:"mismatches"`
	Error      string `json:"error,omitempty"`
}

type progressView struct {
	Running          bool                `json:"running"`
	FinishedAt       *time.Time          `json:"finishedAt,omitempty"`
	DurationMs       int64               `json:"durationMs"`
	CheckpointsAdded int                 `json:"checkpointsAdded"`
	LatestCheckpoint uint64              `json:"latestCheckpoint,omitempty"`
	Vaults           []vaultProgressView `json:"vaults"`
	Error            string              `json:"error,omitempty"`
}

// SetupServer builds the health and progress server for ADDR.
func (a *App) SetupServer() {
	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	addr := utils.Env("ADDR", ":3010")
	a.Server = &http.Server{Addr: addr, Handler: a.Router(), ReadHeaderTimeout: 5 * time.Second}
}

func (a *App) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/progress", a.handleProgress).Methods(http.MethodGet)
	return r
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.DB.Pool.Ping(r.Context()); err != nil {
		utils.WriteError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleProgress reports the last finished run. While a run is in flight, vaults show its live state
// and the remaining fields still describe the previous run.
func (a *App) handleProgress(w http.ResponseWriter, _ *http.Request) {
	view := progressView{Vaults: []vaultProgressView{}}
	if last := a.lastReport.Load(); last != nil {
		view = buildProgressView(last.Report, last.Err)
		finished := last.Finished
		view.FinishedAt = &finished
	}
	view.Running = a.running.Load()
	if view.Running && a.Indexer != nil {
		view.Vaults = vaultViews(a.Indexer.Progress())
	}
	utils.WriteJSON(w, http.StatusOK, view)
}

func buildProgressView(report idx.RunReport, runErr error) progressView {
	view := progressView{
		DurationMs:       report.Duration.Milliseconds(),
		CheckpointsAdded: len(report.Checkpoints),
		Vaults:           vaultViews(report.Vaults),
	}
	if n := len(report.Checkpoints); n > 0 {
		view.LatestCheckpoint = report.Checkpoints[n-1].BlockNumber
	}
	if runErr != nil {
		view.Error = runErr.Error()
	}
	return view
}

func vaultViews(progress []idx.VaultProgress) []vaultProgressView {
	out := make([]vaultProgressView, 0, len(progress))
	for _, p := range progress {
		v := vaultProgressView{
			VaultID:    p.VaultID,
			Name:       p.Name,
			State:      p.State.String(),
			Committed:  p.Committed,
			LastBlock:  p.LastBlock,
			Holders:    p.Holders,
			Mismatches: p.Mismatches,
		}
		if p.Err != nil {
			v.Error = p.Err.Error()
		}
		out = append(out, v)
	}
	return out
}
