package collector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/huguesloyatho/proxydash-sub001/internal/domain"
	"github.com/jonboulle/clockwork"
)

// HTTPCheckType is the widget type served by HTTPCheck.
const HTTPCheckType = "http"

// HTTPCheck probes the URL in the widget config ("url", optional "expect_status")
// and reports reachability, status code and latency. An unreachable target is
// data for the widget, not a collector failure.
type HTTPCheck struct {
	client *http.Client
	clock  clockwork.Clock
}

var _ domain.Collector = (*HTTPCheck)(nil)

func NewHTTPCheck(client *http.Client, clock clockwork.Clock) *HTTPCheck {
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	return &HTTPCheck{client: client, clock: clock}
}

type httpCheckData struct {
	Up        bool   `json:"up"`
	Status    int    `json:"status,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

func (h *HTTPCheck) Fetch(ctx context.Context, config map[string]any) (domain.FetchResult, error) {
	raw, _ := config["url"].(string)
	target, err := url.Parse(raw)
	if raw == "" || err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		return domain.FetchResult{Error: "url must be an absolute http(s) URL"}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return domain.FetchResult{}, fmt.Errorf("failed to build request: %w", err)
	}

	start := h.clock.Now()
	resp, err := h.client.Do(req)
	latency := h.clock.Since(start).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			return domain.FetchResult{}, ctx.Err()
		}
		return domain.FetchResult{Success: true, Data: httpCheckData{LatencyMS: latency, Error: err.Error()}}, nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return domain.FetchResult{Success: true, Data: httpCheckData{
		Up:        statusExpected(resp.StatusCode, config["expect_status"]),
		Status:    resp.StatusCode,
		LatencyMS: latency,
	}}, nil
}

// statusExpected accepts any 2xx or 3xx unless the config names one status.
func statusExpected(status int, expect any) bool {
	if want, ok := expect.(float64); ok && want > 0 {
		return status == int(want)
	}
	return status >= 200 && status < 400
}

// defaultHTTPTimeout caps a probe when no per-type timeout is configured.
const defaultHTTPTimeout = 10 * time.Second

// RegisterBuiltins registers the collectors that need no external service.
func RegisterBuiltins(r *Registry, clock clockwork.Clock) {
	client := &http.Client{
		Timeout:       defaultHTTPTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	r.Register(HTTPCheckType, NewHTTPCheck(client, clock))
}
