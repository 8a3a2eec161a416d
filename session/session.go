package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alimasry/collab-ot/broadcast"
	"github.com/alimasry/collab-ot/metrics"
	"github.com/alimasry/collab-ot/ot"
	"github.com/alimasry/collab-ot/store"
)

var tracer = otel.Tracer("collab.session")

// Peer describes a connected participant.
type Peer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

type NotificationKind int

const (
	// NotifyState carries the state a new subscriber starts from. It is
	// always the first notification a subscriber receives.
	NotifyState NotificationKind = iota
	NotifyOperation
	NotifyJoin
	NotifyLeave
)

// Notification is delivered to subscribers for every accepted operation and
// every peer joining or leaving.
type Notification struct {
	Kind     NotificationKind
	State    State
	Accepted ot.Accepted
	Peer     Peer
}

// Subscriber receives notifications from a session. Notify is called from the
// session goroutine and must not block.
type Subscriber interface {
	Peer() Peer
	Notify(Notification)
}

// State is a consistent view of a session at one version.
type State struct {
	ContentID string     `json:"contentId"`
	Text      string     `json:"text"`
	Version   int        `json:"version"`
	Cursors   ot.Cursors `json:"cursors"`
	Peers     []Peer     `json:"peers,omitempty"`
}

type submitResult struct {
	acc ot.Accepted
	err error
}

type submitRequest struct {
	ctx   context.Context
	op    ot.Operation
	reply chan submitResult
}

type joinRequest struct {
	sub   Subscriber
	reply chan State
}

// Session manages collaboration for a single document.
// All operations are serialized through a single goroutine.
type Session struct {
	contentID     string
	doc           *ot.Document
	engine        ot.Engine
	store         store.Store
	publisher     broadcast.Publisher
	logger        *slog.Logger
	snapshotEvery int
	idleTimeout   time.Duration
	writeTimeout  time.Duration
	subs          map[string]Subscriber

	// persisted is the highest version durably appended to the store.
	persisted int
	// snapshotted is the version of the latest stored snapshot.
	snapshotted int

	submits  chan submitRequest
	joins    chan joinRequest
	leaves   chan string
	calls    chan func()
	stop     chan struct{}
	done     chan struct{}
	onRetire func(*Session)
}

func newSession(doc *ot.Document, snapshotVersion int, st store.Store, pub broadcast.Publisher, opts Options, logger *slog.Logger) *Session {
	return &Session{
		contentID:     doc.ContentID,
		doc:           doc,
		engine:        opts.Engine,
		store:         st,
		publisher:     pub,
		logger:        logger.With("content_id", doc.ContentID),
		snapshotEvery: opts.SnapshotEvery,
		idleTimeout:   opts.IdleTimeout,
		writeTimeout:  opts.WriteTimeout,
		subs:          make(map[string]Subscriber),
		persisted:     doc.Version,
		snapshotted:   snapshotVersion,
		submits:       make(chan submitRequest),
		joins:         make(chan joinRequest),
		leaves:        make(chan string),
		calls:         make(chan func()),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// ContentID returns the id of the document this session serves.
func (s *Session) ContentID() string { return s.contentID }

// Done is closed once the session goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Submit transforms op against everything accepted since its base version
// and applies it. The reply is sent once in-memory state has advanced;
// persistence and fan-out follow on the session goroutine.
func (s *Session) Submit(ctx context.Context, op ot.Operation) (ot.Accepted, error) {
	req := submitRequest{ctx: ctx, op: op, reply: make(chan submitResult, 1)}
	select {
	case s.submits <- req:
	case <-ctx.Done():
		return ot.Accepted{}, ctx.Err()
	case <-s.done:
		return ot.Accepted{}, ErrSessionClosed
	}
	res := <-req.reply
	return res.acc, res.err
}

// Join registers sub and returns the state it should start from. Every
// notification sent to sub afterwards follows that state.
func (s *Session) Join(ctx context.Context, sub Subscriber) (State, error) {
	req := joinRequest{sub: sub, reply: make(chan State, 1)}
	select {
	case s.joins <- req:
	case <-ctx.Done():
		return State{}, ctx.Err()
	case <-s.done:
		return State{}, ErrSessionClosed
	}
	return <-req.reply, nil
}

// Leave unregisters the subscriber with the given peer id. No notification is
// delivered to it after Leave returns.
func (s *Session) Leave(ctx context.Context, peerID string) error {
	select {
	case s.leaves <- peerID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	}
}

// call runs fn on the session goroutine.
func (s *Session) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case s.calls <- func() { fn(); close(finished) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
	<-finished
	return nil
}

// State returns the current text, version and cursors.
func (s *Session) State(ctx context.Context) (State, error) {
	var st State
	err := s.call(ctx, func() { st = s.state() })
	return st, err
}

// Operations returns the accepted operations that produced versions after
// from, for clients catching up.
func (s *Session) Operations(ctx context.Context, from int) ([]ot.Operation, error) {
	var (
		ops    []ot.Operation
		opsErr error
	)
	if err := s.call(ctx, func() { ops, opsErr = s.doc.Since(from) }); err != nil {
		return nil, err
	}
	return ops, opsErr
}

// Close persists outstanding state and stops the session.
func (s *Session) Close(ctx context.Context) error {
	select {
	case s.stop <- struct{}{}:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the session's main loop. It serializes all operations.
func (s *Session) run() {
	defer close(s.done)

	var idle <-chan time.Time
	var timer *time.Timer
	if s.idleTimeout > 0 {
		timer = time.NewTimer(s.idleTimeout)
		defer timer.Stop()
		idle = timer.C
	}
	touch := func() {
		if timer != nil {
			timer.Reset(s.idleTimeout)
		}
	}

	for {
		select {
		case req := <-s.submits:
			s.handleSubmit(req)
			touch()
		case req := <-s.joins:
			s.handleJoin(req)
			touch()
		case id := <-s.leaves:
			s.handleLeave(id)
			touch()
		case fn := <-s.calls:
			fn()
		case <-idle:
			if len(s.subs) == 0 && s.retire() {
				return
			}
			touch()
		case <-s.stop:
			s.flush(context.Background())
			if s.onRetire != nil {
				s.onRetire(s)
			}
			return
		}
	}
}

func (s *Session) handleSubmit(req submitRequest) {
	ctx, span := tracer.Start(req.ctx, "session.Submit",
		trace.WithAttributes(
			attribute.String("content_id", s.contentID),
			attribute.String("author_id", req.op.AuthorID),
			attribute.Int("base_version", req.op.BaseVersion),
		))
	defer span.End()

	acc, err := s.accept(req.op)
	req.reply <- submitResult{acc: acc, err: err}
	if err != nil {
		metrics.OpsRejected.WithLabelValues(string(Reason(err))).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Debug("operation rejected", "author_id", req.op.AuthorID, "base_version", req.op.BaseVersion, "err", err)
		return
	}
	span.SetAttributes(attribute.Int("version", acc.Version))

	// The submitter may already be gone; persistence must still happen.
	ctx = context.WithoutCancel(ctx)
	s.persist(ctx)

	for _, sub := range s.subs {
		sub.Notify(Notification{Kind: NotifyOperation, Accepted: acc})
	}
	if s.publisher != nil {
		pctx, cancel := s.writeContext(ctx)
		if err := s.publisher.Publish(pctx, acc); err != nil {
			s.logger.Warn("publish failed", "version", acc.Version, "err", err)
		}
		cancel()
	}
}

// accept validates, transforms and applies op. State is untouched when it
// returns an error.
func (s *Session) accept(op ot.Operation) (ot.Accepted, error) {
	if op.ContentID == "" {
		op.ContentID = s.contentID
	} else if op.ContentID != s.contentID {
		return ot.Accepted{}, fmt.Errorf("%w: %q submitted to %q", ErrContentMismatch, op.ContentID, s.contentID)
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if err := op.Validate(); err != nil {
		return ot.Accepted{}, err
	}
	op, normalized := op.Normalize()

	concurrent, err := s.doc.Concurrent(op.BaseVersion)
	if err != nil {
		return ot.Accepted{}, err
	}

	start := time.Now()
	transformed := s.engine.TransformIncoming(op, concurrent)
	metrics.TransformDuration.Observe(time.Since(start).Seconds())
	metrics.ConcurrentOps.Observe(float64(len(concurrent)))

	acc := s.doc.Apply(transformed)
	acc.AcceptedAt = time.Now()
	acc.Clamped = acc.Clamped || normalized
	if acc.Clamped {
		metrics.ApplyClamped.Inc()
		s.logger.Warn("operation clamped to document bounds",
			"author_id", op.AuthorID,
			"kind", op.Kind,
			"position", op.Position,
			"version", acc.Version)
	}
	metrics.OpsAccepted.WithLabelValues(string(op.Kind)).Inc()
	return acc, nil
}

func (s *Session) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.writeTimeout > 0 {
		return context.WithTimeout(ctx, s.writeTimeout)
	}
	return context.WithCancel(ctx)
}

// persist appends every accepted operation the store does not have yet and
// takes a snapshot every snapshotEvery versions. Failed appends are retried
// on the next call.
func (s *Session) persist(ctx context.Context) bool {
	ctx, cancel := s.writeContext(ctx)
	defer cancel()

	for v := s.persisted + 1; v <= s.doc.Version; v++ {
		if err := s.store.AppendOperation(ctx, s.contentID, s.doc.History[v-1], v); err != nil {
			metrics.PersistFailures.WithLabelValues("append").Inc()
			s.logger.Error("persist operation failed", "version", v, "err", err)
			return false
		}
		s.persisted = v
	}
	if s.snapshotEvery > 0 && s.persisted-s.snapshotted >= s.snapshotEvery {
		s.snapshot(ctx)
	}
	return true
}

func (s *Session) snapshot(ctx context.Context) bool {
	if s.snapshotted >= s.doc.Version || s.persisted < s.doc.Version {
		return s.snapshotted >= s.doc.Version
	}
	var author string
	if n := len(s.doc.History); n > 0 {
		author = s.doc.History[n-1].AuthorID
	}
	err := s.store.SaveSnapshot(ctx, store.ContentVersion{
		ContentID: s.contentID,
		Version:   s.doc.Version,
		Text:      s.doc.Text,
		CreatedBy: author,
	})
	if err != nil {
		metrics.PersistFailures.WithLabelValues("snapshot").Inc()
		s.logger.Error("save snapshot failed", "version", s.doc.Version, "err", err)
		return false
	}
	s.snapshotted = s.doc.Version
	return true
}

// flush persists all outstanding operations and a final snapshot.
func (s *Session) flush(ctx context.Context) bool {
	if !s.persist(ctx) {
		return false
	}
	ctx, cancel := s.writeContext(ctx)
	defer cancel()
	return s.snapshot(ctx)
}

// retire stops an idle session once everything is durable. It reports false
// when the store is unavailable, leaving the session running.
func (s *Session) retire() bool {
	if !s.flush(context.Background()) {
		s.logger.Warn("idle session kept alive, store behind", "version", s.doc.Version, "persisted", s.persisted)
		return false
	}
	if s.onRetire != nil {
		s.onRetire(s)
	}
	s.logger.Debug("session retired", "version", s.doc.Version)
	return true
}

func (s *Session) handleJoin(req joinRequest) {
	peer := req.sub.Peer()
	s.subs[peer.ID] = req.sub
	st := s.state()
	req.sub.Notify(Notification{Kind: NotifyState, State: st})
	req.reply <- st

	// Notify other subscribers about the new peer.
	for id, other := range s.subs {
		if id != peer.ID {
			other.Notify(Notification{Kind: NotifyJoin, Peer: peer})
		}
	}
}

func (s *Session) handleLeave(id string) {
	sub, ok := s.subs[id]
	if !ok {
		return
	}
	delete(s.subs, id)
	peer := sub.Peer()
	for _, other := range s.subs {
		other.Notify(Notification{Kind: NotifyLeave, Peer: peer})
	}
}

func (s *Session) state() State {
	peers := make([]Peer, 0, len(s.subs))
	for _, sub := range s.subs {
		peers = append(peers, sub.Peer())
	}
	return State{
		ContentID: s.contentID,
		Text:      s.doc.Text,
		Version:   s.doc.Version,
		Cursors:   s.doc.Cursors.Clone(),
		Peers:     peers,
	}
}
