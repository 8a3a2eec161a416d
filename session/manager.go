package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alimasry/collab-ot/broadcast"
	"github.com/alimasry/collab-ot/metrics"
	"github.com/alimasry/collab-ot/ot"
	"github.com/alimasry/collab-ot/store"
)

// Options tunes the sessions a Manager creates.
type Options struct {
	// SnapshotEvery is the number of accepted operations between snapshots.
	// Zero disables periodic snapshots; sessions still snapshot on retirement.
	SnapshotEvery int
	// IdleTimeout retires a session with no subscribers after this long
	// without activity. Zero keeps sessions loaded until Close.
	IdleTimeout time.Duration
	// WriteTimeout bounds each store or publisher call.
	WriteTimeout time.Duration
	Engine       ot.Engine
}

// DefaultOptions returns the stock session options.
func DefaultOptions() Options {
	return Options{
		SnapshotEvery: 50,
		IdleTimeout:   5 * time.Minute,
		WriteTimeout:  10 * time.Second,
		Engine:        &ot.JupiterEngine{},
	}
}

// ErrManagerClosed is returned after Close.
var ErrManagerClosed = errors.New("session manager closed")

// Manager owns one Session per content id, loading sessions from the store on
// first use and dropping them when they retire.
type Manager struct {
	store     store.Store
	publisher broadcast.Publisher
	opts      Options
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	loads    singleflight.Group
}

func NewManager(st store.Store, pub broadcast.Publisher, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Engine == nil {
		opts.Engine = &ot.JupiterEngine{}
	}
	if pub == nil {
		pub = broadcast.Nop{}
	}
	return &Manager{
		store:     st,
		publisher: pub,
		opts:      opts,
		logger:    logger.With("component", "session_manager"),
		sessions:  make(map[string]*Session),
	}
}

// Create stores a new document with seed text at version 0.
func (m *Manager) Create(ctx context.Context, contentID, text, createdBy string) error {
	if contentID == "" {
		return fmt.Errorf("%w: empty content id", ErrInvalidOperation)
	}
	return m.store.Create(ctx, store.ContentVersion{ContentID: contentID, Text: text, CreatedBy: createdBy})
}

// List returns all stored content ids.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	return m.store.List(ctx)
}

// Active returns the content ids of loaded sessions, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Open returns the session for contentID, loading it if needed.
func (m *Manager) Open(ctx context.Context, contentID string) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	s, ok := m.sessions[contentID]
	m.mu.Unlock()
	if ok {
		return s, nil
	}

	v, err, _ := m.loads.Do(contentID, func() (interface{}, error) {
		return m.load(ctx, contentID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (m *Manager) load(ctx context.Context, contentID string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[contentID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	doc, snapVersion, err := LoadDocument(ctx, m.store, contentID)
	if err != nil {
		return nil, err
	}

	s := newSession(doc, snapVersion, m.store, m.publisher, m.opts, m.logger)
	s.onRetire = m.remove

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.sessions[contentID] = s
	metrics.ActiveSessions.Inc()
	m.mu.Unlock()

	go s.run()
	m.logger.Info("session loaded", "content_id", contentID, "version", doc.Version, "snapshot_version", snapVersion)
	return s, nil
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.contentID]; ok && cur == s {
		delete(m.sessions, s.contentID)
		metrics.ActiveSessions.Dec()
	}
}

// LoadDocument rebuilds a document from its latest snapshot and full history.
// It also returns the version of the snapshot it started from.
func LoadDocument(ctx context.Context, st store.Store, contentID string) (*ot.Document, int, error) {
	snap, err := st.LatestSnapshot(ctx, contentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, 0, fmt.Errorf("%w: %q", ErrUnknownDocument, contentID)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load snapshot %q: %w", contentID, err)
	}
	history, err := st.GetOperations(ctx, contentID, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("load history %q: %w", contentID, err)
	}
	doc, err := ot.Restore(contentID, snap.Text, snap.Version, history)
	if err != nil {
		return nil, 0, err
	}
	return doc, snap.Version, nil
}

// withSession runs fn against the session for contentID, reopening it if it
// retired in between.
func (m *Manager) withSession(ctx context.Context, contentID string, fn func(*Session) error) error {
	for {
		s, err := m.Open(ctx, contentID)
		if err != nil {
			return err
		}
		err = fn(s)
		if !errors.Is(err, ErrSessionClosed) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Submit routes op to the session for op.ContentID.
func (m *Manager) Submit(ctx context.Context, op ot.Operation) (ot.Accepted, error) {
	if op.ContentID == "" {
		return ot.Accepted{}, fmt.Errorf("%w: missing content id", ErrInvalidOperation)
	}
	var acc ot.Accepted
	err := m.withSession(ctx, op.ContentID, func(s *Session) error {
		var err error
		acc, err = s.Submit(ctx, op)
		return err
	})
	if Reason(err) == ReasonUnknownDocument {
		// Sessions count their own rejections; this one never reached a session.
		metrics.OpsRejected.WithLabelValues(string(ReasonUnknownDocument)).Inc()
	}
	return acc, err
}

// Join subscribes sub to contentID.
func (m *Manager) Join(ctx context.Context, contentID string, sub Subscriber) (State, error) {
	var st State
	err := m.withSession(ctx, contentID, func(s *Session) error {
		var err error
		st, err = s.Join(ctx, sub)
		return err
	})
	return st, err
}

// Leave unsubscribes peerID from contentID. It is a no-op when the session is
// not loaded.
func (m *Manager) Leave(ctx context.Context, contentID, peerID string) error {
	m.mu.Lock()
	s, ok := m.sessions[contentID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Leave(ctx, peerID)
}

// State returns the current state of contentID.
func (m *Manager) State(ctx context.Context, contentID string) (State, error) {
	var st State
	err := m.withSession(ctx, contentID, func(s *Session) error {
		var err error
		st, err = s.State(ctx)
		return err
	})
	return st, err
}

// Operations returns the operations of contentID after version from.
func (m *Manager) Operations(ctx context.Context, contentID string, from int) ([]ot.Operation, error) {
	var ops []ot.Operation
	err := m.withSession(ctx, contentID, func(s *Session) error {
		var err error
		ops, err = s.Operations(ctx, from)
		return err
	})
	return ops, err
}

// Close flushes and stops every session. The manager rejects calls afterwards.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close session %q: %w", s.contentID, err))
		}
	}
	return errors.Join(errs...)
}
