package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rpxy-go/rpxy/internal/acceptor"
	"github.com/rpxy-go/rpxy/internal/backend"
	"github.com/rpxy-go/rpxy/internal/handler"
)

func testAcceptor(t *testing.T) *acceptor.Acceptor {
	t.Helper()
	registry, err := backend.NewRegistry(nil, "")
	require.NoError(t, err)
	h := handler.NewHandler(registry, nil, nil, handler.Config{})
	return acceptor.New(acceptor.Config{Addr: "127.0.0.1:0"}, h)
}

func TestRunGenerationStopsOnContextCancel(t *testing.T) {
	cfg := Config{Acceptors: []*acceptor.Acceptor{testAcceptor(t)}}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- runGeneration(ctx, cfg) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("runGeneration did not return after cancellation")
	}
}

func TestRunStopsOnContextCancelWithoutWatch(t *testing.T) {
	s := New(func() (Config, error) {
		return Config{Acceptors: []*acceptor.Acceptor{testAcceptor(t)}}, nil
	}, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

// A debounced file-change event must rebuild the next generation
// before tearing down the running one, and keep running afterwards
// rather than exiting.
func TestRunRebuildsGenerationOnConfigChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: 1\n"), 0o644))

	var builds atomic.Int64
	s := New(func() (Config, error) {
		builds.Add(1)
		return Config{Acceptors: []*acceptor.Acceptor{testAcceptor(t)}}, nil
	}, path)
	s.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return builds.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("a: 2\n"), 0o644))

	require.Eventually(t, func() bool { return builds.Load() == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

// If a watch-triggered rebuild fails, the previous generation must
// keep serving instead of Run tearing it down and returning the
// build error.
func TestRunKeepsPreviousGenerationWhenRebuildFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: 1\n"), 0o644))

	var builds atomic.Int64
	errBuild := errors.New("bad config")
	s := New(func() (Config, error) {
		n := builds.Add(1)
		if n == 2 {
			return Config{}, errBuild
		}
		return Config{Acceptors: []*acceptor.Acceptor{testAcceptor(t)}}, nil
	}, path)
	s.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return builds.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("a: 2\n"), 0o644))

	require.Eventually(t, func() bool { return builds.Load() == 2 }, 2*time.Second, 10*time.Millisecond)

	// Give the (failed) rebuild time to have torn things down, were
	// that the bug: Run must still be running, not have returned.
	select {
	case err := <-done:
		t.Fatalf("Run returned early after a failed rebuild: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
