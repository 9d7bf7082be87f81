package load

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/skudasov/vuload"
)

// Metric and check names of the user management scenario
const (
	ErrorRateMetric  = "error_rate"
	APILatencyMetric = "api_latency"
	ThroughputMetric = "throughput"

	UsersCheck      = "users status is 200"
	CreateUserCheck = "create user status is 201"
	SearchCheck     = "search status is 200"

	searchTerm       = "user"
	userIDUpperBound = 10000
	defaultThinkTime = time.Second
	placeholderPass  = "password123"
)

type userPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

func newUserPayload(d int) userPayload {
	return userPayload{
		Username: fmt.Sprintf("user_%d", d),
		Password: placeholderPass,
		Email:    fmt.Sprintf("user_%d@example.com", d),
	}
}

// UsersAttack lists users, creates one and searches users, then pauses for the think time
type UsersAttack struct {
	*vuload.WithRunner
	client    *http.Client
	target    string
	thinkTime time.Duration

	errorRate  vuload.RateRecorder
	latency    vuload.TrendRecorder
	throughput vuload.TrendRecorder
	checks     vuload.Checker

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	intn  func(n int) int
}

// NewUsersAttack returns the prototype attack, every virtual user gets a clone
func NewUsersAttack() *UsersAttack {
	return &UsersAttack{
		WithRunner: &vuload.WithRunner{},
		now:        time.Now,
		sleep:      vuload.Sleep,
		intn:       rand.Intn,
	}
}

func (a *UsersAttack) Setup(c vuload.RunnerConfig) error {
	r := a.GetRunner()
	if r == nil {
		return fmt.Errorf("users attack has no runner")
	}
	client, err := vuload.NewHTTPClient(r)
	if err != nil {
		return err
	}
	a.client = client
	a.target = r.Target()
	a.thinkTime = c.ThinkTime()
	if a.thinkTime == 0 {
		a.thinkTime = defaultThinkTime
	}
	if a.errorRate, err = r.Sinks.Rate(ErrorRateMetric); err != nil {
		return err
	}
	if a.latency, err = r.Sinks.Trend(APILatencyMetric); err != nil {
		return err
	}
	if a.throughput, err = r.Sinks.Trend(ThroughputMetric); err != nil {
		return err
	}
	a.checks = r.Sinks
	return nil
}

func (a *UsersAttack) Do(ctx context.Context) vuload.DoResult {
	res := vuload.DoResult{RequestLabel: "users"}

	if !a.step(ctx, &res, UsersCheck, http.StatusOK, http.MethodGet, "/api/users", nil) {
		return res
	}
	body, err := json.Marshal(newUserPayload(a.intn(userIDUpperBound)))
	if err != nil {
		res.Error = err
		return res
	}
	if !a.step(ctx, &res, CreateUserCheck, http.StatusCreated, http.MethodPost, "/api/users", body) {
		return res
	}
	if !a.step(ctx, &res, SearchCheck, http.StatusOK, http.MethodGet, "/api/search?q="+searchTerm, nil) {
		return res
	}
	_ = a.sleep(ctx, a.thinkTime)
	return res
}

// step sends one request and records it, false means the run ended under the request
func (a *UsersAttack) step(ctx context.Context, res *vuload.DoResult, check string, want int, method, path string, body []byte) bool {
	status, elapsed, err := a.call(ctx, res, method, path, body)
	if err != nil {
		return false
	}
	a.record(check, status == want, elapsed)
	return true
}

// call sends one request, a transport error is reported as status 0.
// A request cut off by the end of the run returns ctx.Err() and must not be recorded.
func (a *UsersAttack) call(ctx context.Context, res *vuload.DoResult, method, path string, body []byte) (int, time.Duration, error) {
	begin := a.now()
	req, err := http.NewRequestWithContext(ctx, method, a.target+path, bytes.NewReader(body))
	if err != nil {
		return 0, a.now().Sub(begin), nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res.Requests++
	res.BytesIn += int64(len(body))
	resp, err := a.client.Do(req)
	if err != nil {
		if vuload.RunEnded(ctx) {
			return 0, 0, ctx.Err()
		}
		return 0, a.now().Sub(begin), nil
	}
	n, err := io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	res.BytesOut += n
	if err != nil && vuload.RunEnded(ctx) {
		return 0, 0, ctx.Err()
	}
	return resp.StatusCode, a.now().Sub(begin), nil
}

func (a *UsersAttack) record(check string, ok bool, elapsed time.Duration) {
	a.checks.Check(check, ok)
	a.errorRate.Add(!ok)
	a.latency.Add(float64(elapsed) / float64(time.Millisecond))
	a.throughput.Add(1)
}

func (a *UsersAttack) Teardown() error {
	if a.client != nil {
		a.client.CloseIdleConnections()
	}
	return nil
}

func (a *UsersAttack) Clone(r *vuload.Runner) vuload.Attack {
	return &UsersAttack{
		WithRunner: &vuload.WithRunner{R: r},
		now:        a.now,
		sleep:      a.sleep,
		intn:       a.intn,
	}
}
