package blocklookup

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/otterfi/otter-point/pkg/utils"
)

// ErrLookupFailed is returned when the service answers but does not resolve a block.
var ErrLookupFailed = errors.New("block lookup failed")

// Client resolves timestamps to block numbers through an explorer "getblocknobytime" API.
// Endpoints are tried in order; one that keeps failing is skipped until its breaker cools down.
// Pacing between calls is the caller's concern.
type Client struct {
	endpoints []string
	apiKey    string
	http      *http.Client
	breaker   *breaker
}

type Opts struct {
	Endpoints       []string
	APIKey          string
	Timeout         time.Duration // per request, default 15s
	BreakerFailures int           // consecutive failures that open an endpoint, default 3
	BreakerCooldown time.Duration // default 30s
	HTTPClient      *http.Client
}

func New(o Opts) *Client {
	timeout := cmp.Or(o.Timeout, 15*time.Second)
	threshold := o.BreakerFailures
	if threshold <= 0 {
		threshold = 3
	}
	hc := o.HTTPClient
	switch {
	case hc == nil:
		hc = &http.Client{Timeout: timeout}
	case hc.Timeout == 0:
		hc.Timeout = timeout
	}
	return &Client{
		endpoints: utils.Dedup(o.Endpoints),
		apiKey:    o.APIKey,
		http:      hc,
		breaker:   newBreaker(threshold, cmp.Or(o.BreakerCooldown, 30*time.Second)),
	}
}

type lookupResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// BlockAfter returns the first block whose timestamp is at or after ts.
func (c *Client) BlockAfter(ctx context.Context, ts time.Time) (uint64, error) {
	params := url.Values{}
	params.Set("module", "block")
	params.Set("action", "getblocknobytime")
	params.Set("timestamp", strconv.FormatInt(ts.Unix(), 10))
	params.Set("closest", "after")
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}

	var resp lookupResponse
	if err := c.getJSON(ctx, params, &resp); err != nil {
		return 0, fmt.Errorf("lookup block at %d: %w", ts.Unix(), err)
	}
	if resp.Status != "" && resp.Status != "1" {
		return 0, fmt.Errorf("lookup block at %d: %w: %s %s", ts.Unix(), ErrLookupFailed, resp.Message, string(resp.Result))
	}
	block, err := parseBlockNumber(resp.Result)
	if err != nil {
		return 0, fmt.Errorf("lookup block at %d: %w: %v", ts.Unix(), ErrLookupFailed, err)
	}
	return block, nil
}

// parseBlockNumber accepts "123", 123 and "0x7b".
func parseBlockNumber(raw json.RawMessage) (uint64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("empty result")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0, fmt.Errorf("unexpected result %s", string(raw))
		}
		s = n.String()
	}
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

// getJSON decodes the answer of the first endpoint that is allowed and healthy.
func (c *Client) getJSON(ctx context.Context, params url.Values, out any) error {
	if len(c.endpoints) == 0 {
		return errors.New("no endpoints configured")
	}

	var errs []error
	for _, ep := range c.endpoints {
		if !c.breaker.allow(ep) {
			errs = append(errs, fmt.Errorf("%s: circuit open", ep))
			continue
		}
		countsAsFailure, err := c.fetch(ctx, ep+"?"+params.Encode(), out)
		if err == nil {
			c.breaker.success(ep)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if countsAsFailure {
			c.breaker.failure(ep)
		}
		errs = append(errs, fmt.Errorf("%s: %w", ep, err))
	}
	return errors.Join(errs...)
}

// fetch performs one GET. Transport errors, 5xx and 429 count against the endpoint's breaker.
func (c *Client) fetch(ctx context.Context, target string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return true, err
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return true, fmt.Errorf("server %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return false, fmt.Errorf("http %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return false, nil
}
