package monitor

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestLogStore_WriteAndReadRecent(t *testing.T) {
	chdir(t, t.TempDir())

	s := NewLogStore()
	defer s.Close()

	s.WriteRequest(map[string]interface{}{"type": "request_start", "request_id": "r1"})
	s.WriteRequest(map[string]interface{}{"type": "request_end", "request_id": "r1", "status": "success"})
	s.WriteRequest(map[string]interface{}{"type": "request_end", "request_id": "r2", "status": "failed"})
	s.WriteError(map[string]interface{}{"type": "request_end", "request_id": "r2", "error": "boom"})

	// request reads keep only completed entries, newest first
	logs := s.ReadRecent("requests", 10)
	require.Len(t, logs, 2)
	assert.Equal(t, "r2", logs[0]["request_id"])
	assert.Equal(t, "r1", logs[1]["request_id"])

	errs := s.ReadRecent("errors", 10)
	require.Len(t, errs, 1)
	assert.Equal(t, "boom", errs[0]["error"])
}

func TestLogStore_ReadRecentLimit(t *testing.T) {
	chdir(t, t.TempDir())

	s := NewLogStore()
	defer s.Close()

	for i := 0; i < 5; i++ {
		s.WriteRequest(map[string]interface{}{"type": "request_end", "n": i})
	}

	logs := s.ReadRecent("requests", 2)
	require.Len(t, logs, 2)
	assert.EqualValues(t, 4, logs[0]["n"])
	assert.EqualValues(t, 3, logs[1]["n"])
}

func TestLogStore_ReadRecentMissingFile(t *testing.T) {
	chdir(t, t.TempDir())

	s := NewLogStore()
	defer s.Close()
	assert.Nil(t, s.ReadRecent("errors", 10))
}
