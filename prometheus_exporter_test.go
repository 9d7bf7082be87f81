package vuload

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromExporterServesRunnerMetrics(t *testing.T) {
	genCfg := DefaultGeneratorConfig()
	genCfg.Prometheus = &Prometheus{Listen: "127.0.0.1:0", Namespace: "vuload"}
	lm := NewLoadManager(nil, genCfg)
	require.NotNil(t, lm.PromRegistry)

	r, err := NewRunner("users", lm, &attackMock{sleep: 5 * time.Millisecond}, nil, RunnerConfig{VUs: 1, DurationSec: 1})
	require.NoError(t, err)
	r.Run(context.Background())

	srv := httptest.NewServer(lm.exporter.srv.Handler)
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	metrics := string(body)
	assert.Contains(t, metrics, `vuload_iterations_total{handle="users"}`)
	assert.Contains(t, metrics, `vuload_iteration_duration_count{handle="users"}`)
	assert.Contains(t, metrics, `vuload_vus{handle="users"} 0`)
	assert.Contains(t, metrics, "go_goroutines")
}

func TestPromExporterLifecycle(t *testing.T) {
	e := NewPromExporter("127.0.0.1:0")
	e.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, e.Shutdown(ctx))
}
