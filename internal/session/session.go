// Package session groups endpoints into a unit that is connected as a
// whole and then served by completion queue poll loops.
//
// A Session is driven through Init, Connect and Run. The role decides where
// the links come from (Producer) and how each endpoint is configured before
// it connects (Policy). Completions are dispatched to a Handlers set, which
// defaults to the built-in self-test protocol.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/nebulardma/internal/adapter"
	"github.com/piwi3910/nebulardma/internal/channel"
	"github.com/piwi3910/nebulardma/internal/device"
	"github.com/piwi3910/nebulardma/internal/endpoint"
	"github.com/piwi3910/nebulardma/internal/link"
	"github.com/piwi3910/nebulardma/internal/metrics"
	"github.com/piwi3910/nebulardma/internal/rdmaerr"
	"github.com/piwi3910/nebulardma/internal/verbs"
)

// DefaultPollBatch is the number of completions fetched per poll.
const DefaultPollBatch = 128

// State is the lifecycle position of a Session.
type State int

const (
	StateConstructed State = iota
	StateInit
	StateConnecting
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Producer yields the links a session is built from.
type Producer interface {
	Open(ctx context.Context) ([]link.Link, error)
}

// Policy customises endpoints around the connect phase.
type Policy interface {
	// Configure adjusts an endpoint's adapter before it loads.
	Configure(s *Session, ep *endpoint.EndPoint) error
	// AfterConnect runs once every endpoint is connected.
	AfterConnect(ctx context.Context, s *Session) error
	// Handlers returns role specific handlers. Nil fields keep the
	// session's current handler.
	Handlers() Handlers
}

// Role is a Producer and Policy pair with a name used in logs and metrics.
type Role interface {
	Producer
	Policy
	Name() string
}

// Option configures a Session.
type Option func(*Session)

// WithHandlers overrides the non-nil handlers of h.
func WithHandlers(h Handlers) Option {
	return func(s *Session) { s.handlers = s.handlers.merge(h) }
}

// WithIdlePolicy sets what a poll loop does after an empty pass.
func WithIdlePolicy(p IdlePolicy) Option {
	return func(s *Session) { s.idle = p }
}

// WithPollBatch sets the number of completions fetched per poll.
func WithPollBatch(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.pollBatch = n
		}
	}
}

// Session owns a set of endpoints and the loops serving them.
type Session struct {
	id        string
	mgr       *device.Manager
	cfg       adapter.Config
	role      Role
	reg       *channel.Registry
	idle      IdlePolicy
	pollBatch int

	mu        sync.Mutex
	state     State
	handlers  Handlers
	endpoints []*endpoint.EndPoint
}

// New creates a session. cfg is the adapter configuration every endpoint
// starts from before the role's Policy adjusts it.
func New(id string, mgr *device.Manager, cfg adapter.Config, role Role, opts ...Option) *Session {
	s := &Session{
		id:        id,
		mgr:       mgr,
		cfg:       cfg,
		role:      role,
		reg:       channel.NewRegistry(),
		idle:      IdleSpin,
		pollBatch: DefaultPollBatch,
		handlers:  SelfTest().merge(role.Handlers()),
	}

	for _, opt := range opts {
		opt(s)
	}

	log.Debug().Str("session", id).Str("role", role.Name()).Msg("Session created")

	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

func (s *Session) String() string { return s.role.Name() + "@" + s.id }

// Role returns the session's role.
func (s *Session) Role() Role { return s.role }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// RegisterHandlers replaces the handlers that are set in h.
func (s *Session) RegisterHandlers(h Handlers) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers = s.handlers.merge(h)

	log.Debug().Str("session", s.id).Msg("Handlers registered")
}

func (s *Session) currentHandlers() Handlers {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.handlers
}

// EndPoints returns the endpoints in index order.
func (s *Session) EndPoints() []*endpoint.EndPoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*endpoint.EndPoint(nil), s.endpoints...)
}

// EndPoint returns the endpoint a channel belongs to.
func (s *Session) EndPoint(ch *channel.Channel) (*endpoint.EndPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := ch.Index()
	if i < 0 || i >= len(s.endpoints) || s.endpoints[i].Channel() != ch {
		return nil, rdmaerr.ProtocolViolation("%s does not belong to session %s", ch, s.id)
	}

	return s.endpoints[i], nil
}

func (s *Session) transition(from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != from {
		return rdmaerr.Configuration("session %s is %s, expected %s", s.id, s.state, from)
	}

	s.state = to

	return nil
}

// Init opens the role's links and builds one endpoint per link.
func (s *Session) Init(ctx context.Context) error {
	if err := s.transition(StateConstructed, StateInit); err != nil {
		return err
	}

	links, err := s.role.Open(ctx)
	if err != nil {
		return err
	}

	for i, l := range links {
		ep, err := endpoint.New(ctx, l, s.cfg, s.mgr, s.reg, s.id)
		if err != nil {
			for _, rest := range links[i:] {
				_ = rest.Close()
			}

			return err
		}

		ep.SetIndex(i)

		s.mu.Lock()
		s.endpoints = append(s.endpoints, ep)
		s.mu.Unlock()

		log.Debug().Str("session", s.id).Str("endpoint", ep.ID()).Int("index", i).Msg("Endpoint added")
	}

	return nil
}

// Connect configures every endpoint and connects them in parallel.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.transition(StateInit, StateConnecting); err != nil {
		return err
	}

	eps := s.EndPoints()

	for _, ep := range eps {
		if err := s.role.Configure(s, ep); err != nil {
			return fmt.Errorf("failed to configure %s: %w", ep, err)
		}
	}

	ready := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)

	for _, ep := range eps {
		g.Go(func() error {
			select {
			case <-ready:
			case <-gctx.Done():
				return gctx.Err()
			}

			return ep.Connecting(gctx)
		})
	}

	close(ready)

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info().Str("session", s.id).Int("endpoints", len(eps)).Msg("All endpoints connected")

	return s.role.AfterConnect(ctx, s)
}

// groups returns the channels grouped by completion queue key, in the order
// the keys first appear.
func (s *Session) groups() [][]*channel.Channel {
	var (
		order []string
		byKey = make(map[string][]*channel.Channel)
	)

	for _, ep := range s.EndPoints() {
		ch := ep.Channel()
		key := ch.Adapter().CQKey()

		if _, ok := byKey[key]; !ok {
			order = append(order, key)
		}

		byKey[key] = append(byKey[key], ch)
	}

	groups := make([][]*channel.Channel, 0, len(order))
	for _, key := range order {
		groups = append(groups, byKey[key])
	}

	return groups
}

// Run serves every completion queue group until ctx ends or a handler or
// completion fails. Cancellation is not an error.
func (s *Session) Run(ctx context.Context) error {
	if err := s.transition(StateConnecting, StateRunning); err != nil {
		return err
	}

	role := s.role.Name()
	metrics.IncrementActiveSessions(role)

	defer func() {
		metrics.DecrementActiveSessions(role)

		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
	}()

	groups := s.groups()
	log.Info().Str("session", s.id).Int("groups", len(groups)).Msg("Session running")

	g, gctx := errgroup.WithContext(ctx)

	for _, group := range groups {
		g.Go(func() error {
			return s.serve(gctx, group)
		})
	}

	err := g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		err = nil
	}

	log.Info().Err(err).Str("session", s.id).Msg("Session stopped")

	return err
}

func (s *Session) serve(ctx context.Context, group []*channel.Channel) error {
	h := s.currentHandlers()

	if err := h.Established(ctx, s, group); err != nil {
		return fmt.Errorf("established handler: %w", err)
	}

	w := s.idle.waiter()

	for ctx.Err() == nil {
		progress := false

		for _, ch := range group {
			wcs, err := ch.Poll(s.pollBatch)
			if err != nil {
				return err
			}

			if len(wcs) == 0 {
				continue
			}

			progress = true

			log.Trace().Str("channel", ch.ID()).Int("completions", len(wcs)).Msg("Polled completions")

			for i := range wcs {
				if err := s.dispatch(ctx, h, ch, &wcs[i]); err != nil {
					return s.explain(group, wcs[i+1:], err)
				}
			}
		}

		if progress {
			w.Reset()
		} else {
			w.Wait()
		}
	}

	return nil
}

func (s *Session) dispatch(ctx context.Context, h Handlers, polled *channel.Channel, wc *verbs.WorkCompletion) error {
	metrics.RecordCompletion(wc.Opcode.String(), wc.Status.String())

	ch, ok := s.reg.Lookup(wc.WRID)
	if !ok {
		return rdmaerr.ProtocolViolation("completion with unknown wr_id %d polled from %s", wc.WRID, polled)
	}

	ch.Adapter().Retire(wc)

	if wc.Status != verbs.WCSuccess {
		return failed(ch, wc)
	}

	var fn CompletionFunc

	switch wc.Opcode {
	case verbs.WCOpSend:
		fn = h.SendDone
	case verbs.WCOpRecv:
		fn = h.RecvDone
	case verbs.WCOpRDMAWrite:
		fn = h.WriteDone
	case verbs.WCOpRDMARead:
		fn = h.ReadDone
	case verbs.WCOpRecvRDMAWithImm:
		fn = h.RecvWithImmDone
	default:
		return rdmaerr.ProtocolViolation("unknown opcode %s from %s", wc.Opcode, ch)
	}

	return fn(ctx, s, ch, wc)
}

// Close tears down every endpoint.
func (s *Session) Close() error {
	s.mu.Lock()
	eps := s.endpoints
	s.endpoints = nil
	s.state = StateStopped
	s.mu.Unlock()

	var errs []error

	for _, ep := range eps {
		if err := ep.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	log.Debug().Str("session", s.id).Int("endpoints", len(eps)).Msg("Session closed")

	return errors.Join(errs...)
}

func failed(ch *channel.Channel, wc *verbs.WorkCompletion) error {
	ch.Adapter().ShowQPInfo("completion error")

	return rdmaerr.TransportFailure("unsuccessful completion on %s: %s (opcode %s)", ch, wc.Status, wc.Opcode)
}

// explain looks for the failed completion behind a handler error. A post
// rejected because its queue pair went to ERR says little on its own, the
// completion that flushed it is still queued in the rest of the batch or
// on one of the group's channels.
func (s *Session) explain(group []*channel.Channel, rest []verbs.WorkCompletion, cause error) error {
	if errors.Is(cause, rdmaerr.ErrTransportFailure) || errors.Is(cause, rdmaerr.ErrProtocolViolation) {
		return cause
	}

	pending := append([]verbs.WorkCompletion(nil), rest...)

	for _, ch := range group {
		wcs, err := ch.Poll(s.pollBatch)
		if err != nil {
			continue
		}

		pending = append(pending, wcs...)
	}

	for i := range pending {
		wc := &pending[i]
		if wc.Status == verbs.WCSuccess {
			continue
		}

		ch, ok := s.reg.Lookup(wc.WRID)
		if !ok {
			continue
		}

		ch.Adapter().Retire(wc)

		return fmt.Errorf("%w (handler error: %v)", failed(ch, wc), cause)
	}

	return cause
}
