// Package netatmo is the thin HTTP client for the thermostat cloud API.
//
// Every call passes two gates: the app-level dual-window limiter (checked
// before the request, tracked strictly after a success) and a local token
// bucket that paces the raw request rate. Token refresh mechanics live in the
// injected TokenSource.
package netatmo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/sirdoy/pannello-stufa-sub002/internal/ratelimit"
	logx "github.com/sirdoy/pannello-stufa-sub002/pkg/logx"
)

// limiterKey identifies this API in the shared rate limiter.
const limiterKey = "netatmo"

// TokenSource yields a valid bearer token. Refresh is the implementer's job.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource for a fixed token (development, tests).
type StaticToken string

func (t StaticToken) Token(ctx context.Context) (string, error) {
	_ = ctx
	if strings.TrimSpace(string(t)) == "" {
		return "", ErrNotConfigured
	}
	return string(t), nil
}

type Config struct {
	BaseURL    string
	Timeout    time.Duration // default 10s
	PacePerSec int           // default 5
}

type Client struct {
	http    *http.Client
	baseURL string
	tokens  TokenSource
	pace    *rate.Limiter
	limiter ratelimit.Limiter
	log     logx.Logger
}

func NewClient(cfg Config, tokens TokenSource, limiter ratelimit.Limiter, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("%w: thermostat base_url is empty", ErrNotConfigured)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pps := cfg.PacePerSec
	if pps <= 0 {
		pps = 5
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: base,
		tokens:  tokens,
		pace:    rate.NewLimiter(rate.Limit(pps), pps),
		limiter: limiter,
		log:     log,
	}, nil
}

// GetHomeStatus returns the live room states of a home.
func (c *Client) GetHomeStatus(ctx context.Context, homeID string) (*HomeStatus, error) {
	if strings.TrimSpace(homeID) == "" {
		return nil, fmt.Errorf("%w: home id is empty", ErrNotConfigured)
	}
	q := url.Values{"home_id": {homeID}}

	var out struct {
		Body struct {
			Home struct {
				ID    string `json:"id"`
				Rooms []Room `json:"rooms"`
			} `json:"home"`
		} `json:"body"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/homestatus", q, &out); err != nil {
		return nil, err
	}
	return &HomeStatus{HomeID: out.Body.Home.ID, Rooms: out.Body.Home.Rooms}, nil
}

// SetRoomSetpoint pushes a setpoint (mode "manual" with temp and expiry) or a
// mode change (e.g. back to "home" to follow the schedule again).
func (c *Client) SetRoomSetpoint(ctx context.Context, homeID, roomID, mode string, temp float64, until time.Time) error {
	if strings.TrimSpace(homeID) == "" || strings.TrimSpace(roomID) == "" {
		return fmt.Errorf("%w: home/room id is empty", ErrNotConfigured)
	}
	q := url.Values{
		"home_id": {homeID},
		"room_id": {roomID},
		"mode":    {mode},
	}
	if mode == ModeManual {
		q.Set("temp", strconv.FormatFloat(temp, 'f', 1, 64))
		if !until.IsZero() {
			q.Set("endtime", strconv.FormatInt(until.Unix(), 10))
		}
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/setroomthermpoint", q, &out); err != nil {
		return err
	}
	if out.Status != "" && out.Status != "ok" {
		return &UpstreamError{Op: "setroomthermpoint", Err: fmt.Errorf("status %q", out.Status)}
	}
	return nil
}

// GetSchedules returns the home's weekly heating programs.
func (c *Client) GetSchedules(ctx context.Context, homeID string) ([]Schedule, error) {
	if strings.TrimSpace(homeID) == "" {
		return nil, fmt.Errorf("%w: home id is empty", ErrNotConfigured)
	}
	q := url.Values{"home_id": {homeID}}

	var out struct {
		Body struct {
			Homes []struct {
				ID        string     `json:"id"`
				Schedules []Schedule `json:"schedules"`
			} `json:"homes"`
		} `json:"body"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/homesdata", q, &out); err != nil {
		return nil, err
	}
	for _, h := range out.Body.Homes {
		if h.ID == homeID {
			return h.Schedules, nil
		}
	}
	return nil, nil
}

// SelectedSchedule picks the active program from GetSchedules output.
func SelectedSchedule(schedules []Schedule) (Schedule, bool) {
	for _, s := range schedules {
		if s.Selected {
			return s, true
		}
	}
	return Schedule{}, false
}

func (c *Client) call(ctx context.Context, method, path string, q url.Values, out any) error {
	op := strings.TrimPrefix(path, "/api/")

	if c.limiter != nil {
		st, err := c.limiter.CheckAllowed(ctx, limiterKey)
		if err != nil {
			// A broken limiter store must not block heating control; log and
			// rely on the local pace bucket.
			c.log.Warn("rate limiter check failed; pacing only", logx.String("op", op), logx.Err(err))
		} else if !st.Allowed {
			return &RateLimitedError{ResetIn: st.ResetIn}
		}
	}
	if err := c.pace.Wait(ctx); err != nil {
		return err
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}

	var reqURL string
	var body *strings.Reader
	if method == http.MethodGet {
		reqURL = c.baseURL + path + "?" + q.Encode()
		body = strings.NewReader("")
	} else {
		reqURL = c.baseURL + path
		body = strings.NewReader(q.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &UpstreamError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{ResetIn: retryAfter(resp)}
	case resp.StatusCode >= 500:
		return &UpstreamError{Op: op, Status: resp.StatusCode}
	case resp.StatusCode >= 400:
		return &UpstreamError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("client error")}
	}

	if c.limiter != nil {
		// Strictly after success so rejected calls don't consume budget.
		if u, err := c.limiter.TrackCall(ctx, limiterKey); err != nil {
			c.log.Warn("rate limiter track failed", logx.String("op", op), logx.Err(err))
		} else if u.Remaining <= 5 {
			c.log.Warn("thermostat call budget nearly exhausted",
				logx.String("op", op), logx.Int("remaining", u.Remaining), logx.Int("limit", u.Limit))
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &UpstreamError{Op: op, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Minute
}
