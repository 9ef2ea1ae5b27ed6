package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"instabot/internal/engine"
	logx "instabot/pkg/logx"
)

const maxResponseBody = 64 << 10

// HTTPDriver runs actions through a browser-automation service.
//
//	POST {base}/actions/{kind}  {"kind":"like","pace_seconds":4}
//	-> 2xx {"ok":true}
//	-> {"ok":false,"error":"Action Blocked"}
type HTTPDriver struct {
	base   string
	token  string
	client *http.Client
	log    logx.Logger

	ready engine.RetryPolicy
}

type actionRequest struct {
	Kind        engine.ActionKind `json:"kind"`
	PaceSeconds float64           `json:"pace_seconds,omitempty"`
	Seq         uint64            `json:"seq,omitempty"`
}

type actionResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func NewHTTPDriver(cfg Config, log logx.Logger) (*HTTPDriver, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("driver url: absolute http(s) URL required, got %q", cfg.URL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	attempts := cfg.ReadyAttempts
	if attempts <= 0 {
		attempts = DefaultReadyAttempts
	}
	interval := cfg.ReadyInterval
	if interval <= 0 {
		interval = DefaultReadyInterval
	}
	return &HTTPDriver{
		base:   strings.TrimRight(u.String(), "/"),
		token:  strings.TrimSpace(cfg.Token),
		client: &http.Client{Timeout: timeout},
		log:    log.With(logx.String("comp", "driver.http")),
		ready: engine.RetryPolicy{
			Attempts: attempts,
			Base:     interval,
			Max:      interval,
		},
	}, nil
}

// Run performs one action. Transport failures and driver-reported failures
// both come back as *engine.ActionError so the classifier sees the text.
func (d *HTTPDriver) Run(ctx context.Context, a engine.Action) error {
	b, err := json.Marshal(actionRequest{Kind: a.Kind, PaceSeconds: a.Pace.Seconds(), Seq: a.Seq})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.base+"/actions/"+a.Kind.String(), bytes.NewReader(b))
	if err != nil {
		return &engine.ActionError{Kind: a.Kind, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	d.auth(req)

	resp, err := d.client.Do(req)
	if err != nil {
		return &engine.ActionError{Kind: a.Kind, Message: "driver request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	var out actionResponse
	decErr := json.Unmarshal(raw, &out)

	if resp.StatusCode/100 == 2 && decErr == nil && out.OK {
		return nil
	}
	msg := strings.TrimSpace(out.Error)
	if msg == "" {
		msg = strings.TrimSpace(out.Message)
	}
	if msg == "" && decErr != nil {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = "driver returned http " + strconv.Itoa(resp.StatusCode)
	}
	d.log.Debug("driver action failed",
		logx.String("kind", a.Kind.String()),
		logx.Int("status", resp.StatusCode),
		logx.String("msg", msg),
	)
	return engine.NewActionError(a.Kind, msg)
}

// WaitReady polls GET {base}/health until it answers 2xx.
func (d *HTTPDriver) WaitReady(ctx context.Context) error {
	return engine.Retry(ctx, d.ready, func(ctx context.Context, attempt int) error {
		err := d.health(ctx)
		if err != nil {
			d.log.Debug("driver not ready", logx.Int("attempt", attempt), logx.Err(err))
		}
		return err
	})
}

func (d *HTTPDriver) health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.base+"/health", http.NoBody)
	if err != nil {
		return engine.NoRetry(err)
	}
	d.auth(req)
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	switch {
	case resp.StatusCode/100 == 2:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return engine.NoRetry(fmt.Errorf("driver health: http %d (check driver.token)", resp.StatusCode))
	}
	err = fmt.Errorf("driver health: http %d", resp.StatusCode)
	if after, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
		return engine.RetryAfter(err, after)
	}
	return err
}

func (d *HTTPDriver) auth(req *http.Request) {
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
}

// retryAfter parses the seconds form of a Retry-After header.
func retryAfter(v string) (time.Duration, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

var _ Driver = (*HTTPDriver)(nil)
