package supervisor

import (
	"sync"

	"optiq/pkg/config"
	"optiq/pkg/reliability"
)

// lockSet implements the configured lock granularity. Global mode
// serializes every run on one mutex; per-run mode keys mutexes by run ID so
// distinct runs proceed in parallel while re-entrant submissions of the
// same run ID still serialize.
type lockSet struct {
	granularity string
	global      sync.Mutex

	mu    sync.Mutex
	byRun map[string]*runLock
}

type runLock struct {
	mu   sync.Mutex
	refs int
}

func newLockSet(granularity string) *lockSet {
	return &lockSet{
		granularity: granularity,
		byRun:       make(map[string]*runLock),
	}
}

// acquire blocks until the lock for runID is held and returns the release
// function.
func (l *lockSet) acquire(runID string) func() {
	if l.granularity != config.LockPerRun {
		l.global.Lock()
		return l.global.Unlock
	}

	l.mu.Lock()
	rl, ok := l.byRun[runID]
	if !ok {
		rl = &runLock{}
		l.byRun[runID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.byRun, runID)
		}
		l.mu.Unlock()
	}
}

// managerSet lazily creates one reliability manager per agent so each
// agent's circuit breaker and health stats are independent.
type managerSet struct {
	mu       sync.Mutex
	cfg      reliability.ManagerConfig
	recorder reliability.EventRecorder
	managers map[string]*reliability.Manager
}

func newManagerSet(cfg reliability.ManagerConfig) *managerSet {
	return &managerSet{
		cfg:      cfg,
		recorder: reliability.NoopRecorder{},
		managers: make(map[string]*reliability.Manager),
	}
}

func (m *managerSet) get(name string) *reliability.Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mgr, ok := m.managers[name]; ok {
		return mgr
	}
	mgr := reliability.NewManager(name, m.cfg).WithRecorder(m.recorder)
	m.managers[name] = mgr
	return mgr
}

func (m *managerSet) all() map[string]*reliability.Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*reliability.Manager, len(m.managers))
	for name, mgr := range m.managers {
		out[name] = mgr
	}
	return out
}
