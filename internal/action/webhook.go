package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"jobd/internal/job"
)

// WebhookConfig controls the builtin WEBHOOK_CALL handler.
type WebhookConfig struct {
	// RatePerSec bounds outbound calls across all webhook jobs. 0 disables
	// limiting.
	RatePerSec float64
	Timeout    time.Duration
	UserAgent  string
}

// Webhook posts the invocation params as JSON to the action target.
//
// Classification: 2xx success, 429 retryable with the server's Retry-After
// hint, other 4xx permanent, 5xx and transport errors retryable.
type Webhook struct {
	cfg     WebhookConfig
	client  *http.Client
	limiter *rate.Limiter
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	w := &Webhook{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return w
}

func (w *Webhook) Kind() job.ActionType { return job.ActionWebhookCall }

func (w *Webhook) Execute(ctx context.Context, act job.Action, inv Invocation) (job.Params, error) {
	target := strings.TrimSpace(act.Target)
	if target == "" {
		return nil, NoRetry(Coded("bad_target", fmt.Errorf("webhook action has no target URL")))
	}
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	method := strings.ToUpper(strings.TrimSpace(act.Method))
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if len(inv.Params) > 0 && method != http.MethodGet {
		b, err := json.Marshal(inv.Params)
		if err != nil {
			return nil, NoRetry(Coded("bad_params", err))
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, NoRetry(Coded("bad_target", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if w.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", w.cfg.UserAgent)
	}
	req.Header.Set("X-Jobd-Job", inv.JobID)
	req.Header.Set("X-Jobd-Execution", inv.ExecutionID)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, Coded("transport", err)
	}
	defer resp.Body.Close()

	// Drain a bounded amount so the response can be surfaced in the result.
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	out := job.Params{
		"status_code": float64(resp.StatusCode),
	}
	if len(snippet) > 0 {
		out["body"] = string(snippet)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return out, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		err := Coded("http_429", fmt.Errorf("webhook rate limited"))
		if d := parseRetryAfter(resp.Header.Get("Retry-After")); d > 0 {
			return out, RetryAfter(err, d)
		}
		return out, err
	case resp.StatusCode >= 500:
		return out, Coded("http_5xx", fmt.Errorf("webhook returned %d", resp.StatusCode))
	default:
		return out, NoRetry(Coded("http_4xx", fmt.Errorf("webhook returned %d", resp.StatusCode)))
	}
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
