package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchFileDebouncesBurstIntoOneEvent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: 1\n"), 0o644))

	events, stop, err := watchFile(path, 50*time.Millisecond)
	require.NoError(t, err)
	defer stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("a: 2\n"), 0o644))
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a debounced change event")
	}

	select {
	case <-events:
		t.Fatal("expected only one coalesced event for the burst")
	case <-time.After(150 * time.Millisecond):
	}
}
