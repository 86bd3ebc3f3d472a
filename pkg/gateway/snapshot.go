package gateway

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/modelrelay/relay/pkg/adapters"
	"github.com/modelrelay/relay/pkg/config"
	"github.com/modelrelay/relay/pkg/pipeline"
	"github.com/modelrelay/relay/pkg/router"
	"github.com/modelrelay/relay/pkg/workers"
)

// Snapshot is one immutable configuration generation: the expanded worker
// set, its registry, router, adapters and pipeline. Requests bind to a
// snapshot at intake and hold it until done; reload installs a new snapshot
// and retires the old one once its reference count drains.
type Snapshot struct {
	Generation uint64
	Config     *config.Config
	Registry   *workers.Registry
	Router     *router.Router
	Pipeline   *pipeline.Pipeline

	adapters map[string]adapters.Adapter

	refs    atomic.Int64
	retired atomic.Bool
	cleanup sync.Once
	cancel  context.CancelFunc
}

// AdapterFor implements pipeline.AdapterSource.
func (s *Snapshot) AdapterFor(workerID string) (adapters.Adapter, bool) {
	a, ok := s.adapters[workerID]
	return a, ok
}

// acquire takes a reference; the caller must release it.
func (s *Snapshot) acquire() {
	s.refs.Add(1)
}

// Release drops a reference. The last release of a retired snapshot tears
// down its adapters and background work.
func (s *Snapshot) Release() {
	if s.refs.Add(-1) == 0 && s.retired.Load() {
		s.close()
	}
}

// retire marks the snapshot as superseded; it is torn down as soon as no
// request holds it.
func (s *Snapshot) retire() {
	s.retired.Store(true)
	if s.refs.Load() == 0 {
		s.close()
	}
}

func (s *Snapshot) close() {
	s.cleanup.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		for _, a := range s.adapters {
			_ = a.Close()
		}
	})
}
