package scope

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fxsml/filterbus/message"
	"github.com/fxsml/filterbus/pipe"
	"github.com/fxsml/filterbus/probe"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Logger receives disposal errors. Defaults to slog.Default().
	Logger message.Logger
}

func (c ManagerConfig) parse() ManagerConfig {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Manager attaches scopes to pipe contexts.
type Manager struct {
	provider Provider
	cfg      ManagerConfig

	created  atomic.Int64
	reused   atomic.Int64
	disposed atomic.Int64
}

// NewManager creates a manager for provider.
func NewManager(provider Provider, cfg ManagerConfig) *Manager {
	return &Manager{
		provider: provider,
		cfg:      cfg.parse(),
	}
}

// entry is the ambient scope payload. It counts the owner and every lease.
type entry struct {
	scope   Scope
	manager *Manager

	mu     sync.Mutex
	refs   int
	closed bool
}

func (e *entry) retain() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.scope.Disposed() {
		return false
	}
	e.refs++
	return true
}

func (e *entry) release() error {
	e.mu.Lock()
	e.refs--
	if e.refs > 0 || e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.manager.disposed.Add(1)
	return e.scope.Close()
}

// Handle is the ambient scope of an operation as seen by one filter.
type Handle struct {
	e       *entry
	owned   bool
	restore func()
	once    sync.Once
	err     error
}

// Scope returns the scope.
func (h *Handle) Scope() Scope {
	return h.e.scope
}

// Owned reports whether the handle created the scope.
func (h *Handle) Owned() bool {
	return h.owned
}

// Release detaches an owned scope from the context and disposes it once no
// lease holds it. Releasing a reused scope does nothing. Idempotent.
func (h *Handle) Release() error {
	if !h.owned {
		return nil
	}
	h.once.Do(func() {
		h.restore()
		h.err = h.e.release()
	})
	return h.err
}

// ResolveOrCreate returns the ambient scope of c, searching enclosing
// contexts, or creates a new scope from the provider and attaches it to c.
// A reused scope stays owned by whoever created it.
func (m *Manager) ResolveOrCreate(c pipe.Context) (*Handle, error) {
	if e, ok := pipe.TryGetPayload[*entry](c); ok && !e.scope.Disposed() {
		m.reused.Add(1)
		return &Handle{e: e}, nil
	}

	s, err := m.provider.CreateScope(c.Context())
	if err != nil {
		return nil, err
	}
	m.created.Add(1)

	e := &entry{scope: s, manager: m, refs: 1}
	return &Handle{
		e:       e,
		owned:   true,
		restore: attach(c, e),
	}, nil
}

// attach sets e as the ambient scope on c's own payload cache and returns a
// function restoring the previous state.
func attach(c pipe.Context, e *entry) func() {
	previous, hadPrev := pipe.TryGetPayload[*entry](c)
	pipe.SetPayload(c, e)
	return func() {
		if hadPrev {
			pipe.SetPayload(c, previous)
			return
		}
		pipe.RemovePayload[*entry](c)
	}
}

// Current returns the ambient scope of c.
func Current(c pipe.Context) (Scope, bool) {
	e, ok := pipe.TryGetPayload[*entry](c)
	if !ok || e.scope.Disposed() {
		return nil, false
	}
	return e.scope, true
}

// Lease keeps the ambient scope of an operation alive beyond the filter
// that created it.
type Lease struct {
	e    *entry
	once sync.Once
	err  error
}

// Retain leases the ambient scope of c. It returns nil without error when c
// has no ambient scope.
func Retain(c pipe.Context) (*Lease, error) {
	e, ok := pipe.TryGetPayload[*entry](c)
	if !ok {
		return nil, nil
	}
	if !e.retain() {
		return nil, ErrScopeDisposed
	}
	return &Lease{e: e}, nil
}

// Scope returns the leased scope.
func (l *Lease) Scope() Scope {
	return l.e.scope
}

// Usable reports whether the leased scope is still usable.
func (l *Lease) Usable() bool {
	return !l.e.scope.Disposed()
}

// Bind attaches the leased scope as the ambient scope of c until the
// returned function is called.
func (l *Lease) Bind(c pipe.Context) (func(), error) {
	if !l.Usable() {
		return func() {}, ErrDisposedWhileInUse
	}
	return attach(c, l.e), nil
}

// Release returns the lease. The scope is disposed when it was the last
// holder. Idempotent.
func (l *Lease) Release() error {
	l.once.Do(func() {
		l.err = l.e.release()
	})
	return l.err
}

// Probe reports manager counters and the provider when it can be probed.
func (m *Manager) Probe(ctx probe.Context) {
	s := ctx.CreateScope("scopeManager")
	s.Set(map[string]any{
		"created":  m.created.Load(),
		"reused":   m.reused.Load(),
		"disposed": m.disposed.Load(),
	})
	if p, ok := m.provider.(interface{ Probe(probe.Context) }); ok {
		p.Probe(s.CreateScope("provider"))
	}
}

// Release releases h and logs a disposal failure instead of returning it.
// Deferred cleanup of filters and handlers uses it.
func (m *Manager) Release(h *Handle) {
	m.logRelease(h.Release())
}

func (m *Manager) logRelease(err error) {
	if err == nil {
		return
	}
	m.cfg.Logger.Warn("FILTERBUS: Scope disposal failed",
		slog.Any("error", err))
}
