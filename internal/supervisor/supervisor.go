// Package supervisor implements the single entry point of spec.md
// §4.10 — C10: given a fully built configuration it spawns one TCP
// acceptor per listen socket, optionally the H3 listener, and the
// certificate reloader, under a hierarchical cancellation tree, and
// restarts every subservice when the configuration changes on disk.
//
// Grounded on caddyserver/caddy's modules/caddyhttp/app.go Start/Stop
// (goroutine fan-out, WaitGroup-based shutdown) and root context.go's
// cancellation-token-tree idiom, reimplemented directly against this
// module's own config types rather than Caddy's generic
// caddy.Module/caddy.Context registry.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/rpxy-go/rpxy/internal/acceptor"
	"github.com/rpxy-go/rpxy/internal/caddyutil"
	"github.com/rpxy-go/rpxy/internal/cache"
	"github.com/rpxy-go/rpxy/internal/certstore"
	"github.com/rpxy-go/rpxy/internal/h3listener"
)

var log = caddyutil.Named("log.supervisor")

// DefaultConfigWatchDebounce is the debounce window for the config
// file watcher (spec.md §4.10 "observed through a debounced
// file-watcher, 200ms").
const DefaultConfigWatchDebounce = 200 * time.Millisecond

// DefaultCacheSweepInterval is how often the cache's orphaned-file
// sweep (cache.Cache.Sweep) runs when a Cache is configured.
const DefaultCacheSweepInterval = time.Minute

// DefaultShutdownGrace bounds how long Run waits for subservices to
// exit after cancellation before giving up and returning anyway.
const DefaultShutdownGrace = 10 * time.Second

// Config is one fully-built generation of globals: the already-wired
// acceptors and optional H3 listener to serve, the certificate sources
// behind them, and the shared response cache. Building the acceptors
// themselves (registry, forwarder, handler) is the caller's job —
// Supervisor only owns their lifecycle.
type Config struct {
	Acceptors          []*acceptor.Acceptor
	H3                 *h3listener.Listener
	CertSources        certstore.SourceSet
	EnableH3           bool
	CertWatchInterval  time.Duration
	Cache              *cache.Cache
	CacheSweepInterval time.Duration
}

// BuildFunc produces one Config generation, e.g. by re-parsing a
// configuration file and wiring fresh acceptors from it. The config
// format itself is an external collaborator (spec.md §1 Non-goals);
// Supervisor only needs a function that hands it a fresh Config.
type BuildFunc func() (Config, error)

// Supervisor owns the cancellation-token tree and the current
// generation's subservices.
type Supervisor struct {
	build     BuildFunc
	watchPath string
	debounce  time.Duration
}

// New builds a Supervisor. build produces the active Config; when
// watchPath is non-empty, changes to that file trigger a debounced
// rebuild-and-restart (spec.md §4.10).
func New(build BuildFunc, watchPath string) *Supervisor {
	return &Supervisor{build: build, watchPath: watchPath, debounce: DefaultConfigWatchDebounce}
}

// Run builds and serves successive Config generations until ctx is
// canceled, restarting on every debounced file-change event. It
// returns an error from setting up the file watcher or from the
// initial build, the first fatal subservice error, or nil on clean
// shutdown; a failed rebuild is logged, not returned.
func (s *Supervisor) Run(ctx context.Context) error {
	var watchEvents <-chan struct{}
	if s.watchPath != "" {
		ch, stop, err := watchFile(s.watchPath, s.debounce)
		if err != nil {
			return err
		}
		watchEvents = ch
		defer stop()
	}

	genCtx, cancelGen := context.WithCancel(ctx)
	cfg, err := s.build()
	if err != nil {
		cancelGen()
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- runGeneration(genCtx, cfg) }()

	for {
		select {
		case <-ctx.Done():
			cancelGen()
			<-errCh
			return nil
		case <-watchEvents:
			// Build the replacement generation before tearing down the
			// running one, so a bad edit on disk never takes the proxy
			// down: the current generation keeps serving on a failed
			// rebuild.
			newCfg, buildErr := s.build()
			if buildErr != nil {
				log.Error("configuration rebuild failed; keeping previous generation", zap.Error(buildErr))
				continue
			}
			log.Info("configuration file changed; restarting")
			cancelGen()
			<-errCh

			genCtx, cancelGen = context.WithCancel(ctx)
			cfg = newCfg
			errCh = make(chan error, 1)
			go func() { errCh <- runGeneration(genCtx, cfg) }()
		case err := <-errCh:
			cancelGen()
			return err
		}
	}
}

// runGeneration spawns every subservice for one Config and waits for
// either a fatal error or ctx cancellation.
func runGeneration(ctx context.Context, cfg Config) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(cfg.Acceptors)+2)

	var reloader *certstore.Reloader
	if len(cfg.CertSources) > 0 {
		reloader = certstore.NewReloader(cfg.CertSources, cfg.EnableH3, cfg.CertWatchInterval)
		wg.Add(1)
		go func() {
			defer wg.Done()
			reloader.Run(ctx)
		}()
	}

	for _, a := range cfg.Acceptors {
		a := a
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Serve(ctx); err != nil {
				trySend(errCh, err)
			}
		}()
	}

	if cfg.H3 != nil {
		h3 := cfg.H3
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h3.Serve(ctx); err != nil {
				trySend(errCh, err)
			}
		}()
	}

	if reloader != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := reloader.Watch()
			for {
				select {
				case <-ctx.Done():
					return
				case snap := <-ch:
					for _, a := range cfg.Acceptors {
						a.UpdateSnapshot(snap)
					}
					if cfg.H3 != nil {
						cfg.H3.UpdateSnapshot(snap)
					}
				}
			}
		}()
	}

	if cfg.Cache != nil {
		interval := cfg.CacheSweepInterval
		if interval <= 0 {
			interval = DefaultCacheSweepInterval
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					cfg.Cache.Sweep()
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		waitOrTimeout(done, DefaultShutdownGrace)
		return nil
	case err := <-errCh:
		log.Error("subservice failed; canceling generation", zap.Error(err))
		return err
	case <-done:
		return nil
	}
}

func trySend(ch chan<- error, err error) {
	select {
	case ch <- err:
	default:
	}
}

func waitOrTimeout(done <-chan struct{}, timeout time.Duration) {
	select {
	case <-done:
	case <-time.After(timeout):
		log.Warn("timed out waiting for subservices to stop")
	}
}

// watchFile watches path for writes/renames (the way a config
// reloader sees a file replaced by an editor or a deploy tool),
// debouncing a burst of events into a single tick no more often than
// debounce (spec.md §4.10 "observed through a debounced file-watcher,
// 200ms").
func watchFile(path string, debounce time.Duration) (<-chan struct{}, func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, nil, err
	}

	out := make(chan struct{}, 1)
	stopCh := make(chan struct{})
	go func() {
		var timer *time.Timer
		var timerC <-chan time.Time
		for {
			select {
			case <-stopCh:
				if timer != nil {
					timer.Stop()
				}
				return
			case _, ok := <-w.Events:
				if !ok {
					return
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				timerC = timer.C
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", zap.Error(err))
			case <-timerC:
				select {
				case out <- struct{}{}:
				default:
				}
				timerC = nil
			}
		}
	}()

	stop := func() {
		close(stopCh)
		_ = w.Close()
	}
	return out, stop, nil
}
