package vuload

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestLogRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.csv")
	l, err := NewRequestLog(path)
	require.NoError(t, err)
	require.NoError(t, l.Write(RequestRecord{
		Time:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		VU:       3,
		Method:   "GET",
		URL:      "http://localhost:5000/api/users",
		Status:   200,
		Duration: 1500 * time.Microsecond,
	}))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "time,vu,method,url,status,duration_ms,error", lines[0])
	assert.Equal(t, "2024-01-01T00:00:00Z,3,GET,http://localhost:5000/api/users,200,1.500,", lines[1])
}

func TestRequestLogRejectsWritesAfterClose(t *testing.T) {
	l, err := NewRequestLog(filepath.Join(t.TempDir(), "requests.csv"))
	require.NoError(t, err)
	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.Write(RequestRecord{}), os.ErrClosed)
	assert.NoError(t, l.Close())
}
