package load

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skudasov/vuload"
)

type recordingRate struct{ values []bool }

func (r *recordingRate) Add(ok bool) { r.values = append(r.values, ok) }

type recordingTrend struct{ values []float64 }

func (r *recordingTrend) Add(v float64) { r.values = append(r.values, v) }

type recordingChecker struct {
	names   []string
	results []bool
}

func (c *recordingChecker) Check(name string, ok bool) bool {
	c.names = append(c.names, name)
	c.results = append(c.results, ok)
	return ok
}

// fakeClock returns the offsets from a fixed start on successive calls
func fakeClock(offsetsMs ...int) func() time.Time {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	i := 0
	return func() time.Time {
		t := start.Add(time.Duration(offsetsMs[i]) * time.Millisecond)
		if i < len(offsetsMs)-1 {
			i++
		}
		return t
	}
}

type apiCall struct {
	method string
	uri    string
	ctype  string
	body   string
}

type fakeAPI struct {
	mu         sync.Mutex
	calls      []apiCall
	postStatus int
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, apiCall{method: r.Method, uri: r.URL.RequestURI(), ctype: r.Header.Get("Content-Type"), body: string(body)})
	f.mu.Unlock()
	if r.Method == http.MethodPost {
		w.WriteHeader(f.postStatus)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte("[]"))
}

type scenario struct {
	attack     *UsersAttack
	errorRate  *recordingRate
	latency    *recordingTrend
	throughput *recordingTrend
	checks     *recordingChecker
	slept      []time.Duration
}

func newScenario(target string, client *http.Client, clock func() time.Time) *scenario {
	s := &scenario{
		errorRate:  &recordingRate{},
		latency:    &recordingTrend{},
		throughput: &recordingTrend{},
		checks:     &recordingChecker{},
	}
	a := NewUsersAttack()
	a.client = client
	a.target = target
	a.thinkTime = defaultThinkTime
	a.errorRate = s.errorRate
	a.latency = s.latency
	a.throughput = s.throughput
	a.checks = s.checks
	a.now = clock
	a.intn = func(int) int { return 4242 }
	a.sleep = func(_ context.Context, d time.Duration) error {
		s.slept = append(s.slept, d)
		return nil
	}
	s.attack = a
	return s
}

func TestHealthyIteration(t *testing.T) {
	api := &fakeAPI{postStatus: http.StatusCreated}
	srv := httptest.NewServer(api)
	defer srv.Close()

	s := newScenario(srv.URL, srv.Client(), fakeClock(0, 50, 50, 130, 130, 170))
	res := s.attack.Do(context.Background())

	require.NoError(t, res.Error)
	assert.Equal(t, 3, res.Requests)
	assert.Equal(t, []bool{false, false, false}, s.errorRate.values)
	assert.Equal(t, []float64{50, 80, 40}, s.latency.values)
	assert.Equal(t, []float64{1, 1, 1}, s.throughput.values)
	assert.Equal(t, []string{UsersCheck, CreateUserCheck, SearchCheck}, s.checks.names)
	assert.Equal(t, []bool{true, true, true}, s.checks.results)
	assert.Equal(t, []time.Duration{time.Second}, s.slept)

	require.Len(t, api.calls, 3)
	assert.Equal(t, apiCall{method: http.MethodGet, uri: "/api/users"}, api.calls[0])
	assert.Equal(t, http.MethodPost, api.calls[1].method)
	assert.Equal(t, "/api/users", api.calls[1].uri)
	assert.Equal(t, "application/json", api.calls[1].ctype)
	assert.Equal(t, apiCall{method: http.MethodGet, uri: "/api/search?q=user"}, api.calls[2])

	var got userPayload
	require.NoError(t, json.Unmarshal([]byte(api.calls[1].body), &got))
	assert.Equal(t, userPayload{Username: "user_4242", Password: "password123", Email: "user_4242@example.com"}, got)
}

func TestCreateUserFails(t *testing.T) {
	api := &fakeAPI{postStatus: http.StatusInternalServerError}
	srv := httptest.NewServer(api)
	defer srv.Close()

	s := newScenario(srv.URL, srv.Client(), time.Now)
	res := s.attack.Do(context.Background())

	require.NoError(t, res.Error)
	assert.Len(t, api.calls, 3)
	assert.Equal(t, []bool{false, true, false}, s.errorRate.values)
	assert.Equal(t, []bool{true, false, true}, s.checks.results)
	assert.Len(t, s.latency.values, 3)
	assert.Equal(t, []float64{1, 1, 1}, s.throughput.values)
	assert.Equal(t, []time.Duration{time.Second}, s.slept)
}

func TestTransportErrorIsStatusZero(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL
	srv.Close()

	s := newScenario(target, &http.Client{Timeout: time.Second}, time.Now)
	res := s.attack.Do(context.Background())

	require.NoError(t, res.Error)
	assert.Equal(t, []bool{true, true, true}, s.errorRate.values)
	assert.Equal(t, []bool{false, false, false}, s.checks.results)
	assert.Len(t, s.latency.values, 3)
	assert.Equal(t, []time.Duration{time.Second}, s.slept, "pause happens regardless of outcomes")
}

func TestRunEndIsNotAnAPIFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(300 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("[]"))
	}))
	defer srv.Close()

	genCfg := vuload.DefaultGeneratorConfig()
	genCfg.Generator.Target = srv.URL
	cfg := DefaultConfig().Steps[0].Handles[0]
	cfg.DurationSec = 2
	r, err := vuload.NewRunner(UsersHandle, vuload.NewLoadManager(DefaultConfig(), genCfg), NewUsersAttack(), nil, cfg)
	require.NoError(t, err)

	report := r.Run(context.Background())

	errorRate := report.Metrics[ErrorRateMetric]
	assert.Greater(t, errorRate.Count, int64(0))
	assert.Zero(t, errorRate.Passes, "no request counted as an error")
	assert.Equal(t, 0.0, errorRate.Rate)
	assert.Equal(t, 0.0, report.Metrics[vuload.HTTPReqFailed].Rate)
	assert.Equal(t, errorRate.Count, report.Metrics[APILatencyMetric].Count)
	for _, c := range report.Checks {
		assert.Zero(t, c.Fails, c.Name)
	}
	assert.NotZero(t, report.Metrics[vuload.InterruptedIterations].Value, "the run ends mid iteration")
	assert.False(t, report.Failed, "thresholds: %+v", report.Thresholds)
}

func TestPayloadSharesDraw(t *testing.T) {
	re := regexp.MustCompile(`^user_(\d+)$`)
	for _, d := range []int{0, 1, 9999} {
		p := newUserPayload(d)
		m := re.FindStringSubmatch(p.Username)
		require.NotNil(t, m)
		assert.Equal(t, p.Username+"@example.com", p.Email)
		assert.Equal(t, placeholderPass, p.Password)
	}
}

func TestDrawRange(t *testing.T) {
	a := NewUsersAttack()
	for i := 0; i < 1000; i++ {
		d := a.intn(userIDUpperBound)
		assert.GreaterOrEqual(t, d, 0)
		assert.Less(t, d, userIDUpperBound)
	}
}

func TestAttackerFromName(t *testing.T) {
	a, err := AttackerFromName(UsersHandle)
	require.NoError(t, err)
	assert.IsType(t, &UsersAttack{}, a)

	_, err = AttackerFromName("unknown")
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	h := cfg.Steps[0].Handles[0]
	assert.Equal(t, 10, h.VUs)
	assert.Equal(t, 30*time.Second, h.Duration())
	assert.Equal(t, []string{"p(95)<1000"}, h.Thresholds["http_req_duration"])
	assert.Equal(t, []string{"rate<0.01"}, h.Thresholds[ErrorRateMetric])
}

func TestExampleConfigsAreValid(t *testing.T) {
	suite, err := vuload.LoadSuiteConfig("suite.yaml")
	require.NoError(t, err)
	for _, step := range suite.Steps {
		for _, h := range step.Handles {
			_, err := AttackerFromName(h.HandleName)
			assert.NoError(t, err, h.HandleName)
		}
	}
	gen, err := vuload.LoadGeneratorConfig("generator.yaml")
	require.NoError(t, err)
	assert.Equal(t, vuload.DefaultTarget, gen.Generator.Target)
}
