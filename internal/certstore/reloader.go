package certstore

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultCertsWatchDelay is CERTS_WATCH_DELAY_SECS's default (spec.md
// §4.2).
const DefaultCertsWatchDelay = 10 * time.Second

// Reloader polls a SourceSet on an interval and publishes a freshly
// built Snapshot through a single-value watch channel on every
// successful poll, so a change to the underlying sources reaches
// observers within one interval. It does not compare against the
// previous Snapshot: an unchanged source set is republished too.
// Grounded on
// original_source/rpxy-certs/src/reloader_service.rs.
type Reloader struct {
	sources   SourceSet
	enableH3  bool
	interval  time.Duration
	watchCh   chan *Snapshot
	lastError error
}

// NewReloader constructs a Reloader for sources. interval defaults to
// DefaultCertsWatchDelay when zero.
func NewReloader(sources SourceSet, enableH3 bool, interval time.Duration) *Reloader {
	if interval <= 0 {
		interval = DefaultCertsWatchDelay
	}
	return &Reloader{
		sources:  sources,
		enableH3: enableH3,
		interval: interval,
		// buffered by 1: watchers only ever care about the latest
		// snapshot, never a backlog of them.
		watchCh: make(chan *Snapshot, 1),
	}
}

// Watch returns the channel snapshots are published on. Each send
// replaces any snapshot still sitting unread in the buffer, so
// observers that poll the channel always see the latest edge.
func (r *Reloader) Watch() <-chan *Snapshot {
	return r.watchCh
}

// Reload builds a fresh Snapshot from the current sources and
// publishes it on the watch channel. It returns the built snapshot,
// or nil with an error if the aggregated config could not be built at
// all (spec.md §4.2: "a total failure to build the aggregated config
// returns an error to the caller").
func (r *Reloader) Reload() (*Snapshot, error) {
	snap, err := BuildSnapshot(r.sources, r.enableH3)
	if err != nil {
		r.lastError = err
		return nil, err
	}
	r.publish(snap)
	return snap, nil
}

func (r *Reloader) publish(snap *Snapshot) {
	select {
	case <-r.watchCh: // drain a stale unread snapshot, if any
	default:
	}
	r.watchCh <- snap
}

// Run polls Reload every r.interval until ctx is canceled. A failed
// reload is logged and does not stop the loop; the previous snapshot
// (if any) keeps serving until a reload succeeds.
func (r *Reloader) Run(ctx context.Context) {
	log.Info("starting certificate reloader", zap.Duration("interval", r.interval))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	if _, err := r.Reload(); err != nil {
		log.Error("initial certificate snapshot build failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("stopping certificate reloader")
			return
		case <-ticker.C:
			if _, err := r.Reload(); err != nil {
				log.Error("certificate reload failed; continuing with previous snapshot", zap.Error(err))
			}
		}
	}
}
