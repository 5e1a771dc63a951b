package runner

import (
	"encoding/json"
	"io"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRunner(t *testing.T) *Runner {
	t.Helper()
	return New(os.Getuid(), zerolog.New(io.Discard))
}

func TestSpawnGetStatusKill(t *testing.T) {
	r := testRunner(t)

	err := r.spawn(SpawnArgs{
		ProcessID: "pi-alice",
		Binary:    "/bin/sleep",
		Argv:      []string{"30"},
	})
	require.NoError(t, err)

	status, err := r.handleGetStatus(mustJSON(t, map[string]string{"process_id": "pi-alice"}))
	require.NoError(t, err)
	assert.True(t, status.(StatusResult).Running)

	err = r.kill("pi-alice", false)
	require.NoError(t, err)

	// give the wait() goroutine a moment to update state
	time.Sleep(50 * time.Millisecond)

	status, err = r.handleGetStatus(mustJSON(t, map[string]string{"process_id": "pi-alice"}))
	require.NoError(t, err)
	assert.False(t, status.(StatusResult).Running)
}

func TestSpawn_RejectsLiveDuplicateProcessID(t *testing.T) {
	r := testRunner(t)

	require.NoError(t, r.spawn(SpawnArgs{ProcessID: "p1", Binary: "/bin/sleep", Argv: []string{"30"}}))
	defer r.kill("p1", true)

	err := r.spawn(SpawnArgs{ProcessID: "p1", Binary: "/bin/sleep", Argv: []string{"30"}})
	require.Error(t, err)
}

func TestSpawn_ReplacesDeadProcessID(t *testing.T) {
	r := testRunner(t)

	require.NoError(t, r.spawn(SpawnArgs{ProcessID: "p2", Binary: "/bin/true"}))
	// let it exit
	deadline := time.Now().Add(2 * time.Second)
	for {
		status, _ := r.handleGetStatus(mustJSON(t, map[string]string{"process_id": "p2"}))
		if !status.(StatusResult).Running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("process never exited")
		}
		time.Sleep(20 * time.Millisecond)
	}

	err := r.spawn(SpawnArgs{ProcessID: "p2", Binary: "/bin/true"})
	require.NoError(t, err)
}

func TestKill_NoOpAfterExit(t *testing.T) {
	r := testRunner(t)
	require.NoError(t, r.spawn(SpawnArgs{ProcessID: "p3", Binary: "/bin/true"}))
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, r.kill("p3", false))
	require.NoError(t, r.kill("p3", false))
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
