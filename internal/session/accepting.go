package session

import (
	"context"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebulardma/internal/adapter"
	"github.com/piwi3910/nebulardma/internal/endpoint"
	"github.com/piwi3910/nebulardma/internal/link"
)

// Accepting is the listening role. It waits for a fixed number of peers and
// serves all of them from one shared completion queue.
type Accepting struct {
	addr  string
	peers int
	tos   int

	mu sync.Mutex
	ln *link.Listener
}

// NewAccepting returns a role listening on addr for peers connections.
func NewAccepting(addr string, peers int) *Accepting {
	if peers < 1 {
		peers = 1
	}

	return &Accepting{addr: addr, peers: peers, tos: link.DefaultTOS}
}

// WithTOS sets the IP ToS of accepted links. It must precede Listen.
func (a *Accepting) WithTOS(tos int) *Accepting {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.tos = tos

	return a
}

// Name implements Role.
func (a *Accepting) Name() string { return "accepting" }

// Listen binds the listening address ahead of Open. Open calls it when it
// has not been called.
func (a *Accepting) Listen(ctx context.Context) (net.Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ln == nil {
		ln, err := link.Listen(ctx, a.addr, a.tos)
		if err != nil {
			return nil, err
		}

		a.ln = ln
	}

	return a.ln.Addr(), nil
}

// Open accepts the configured number of peers and stops listening.
func (a *Accepting) Open(ctx context.Context) ([]link.Link, error) {
	addr, err := a.Listen(ctx)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	ln := a.ln
	a.ln = nil
	a.mu.Unlock()

	defer ln.Close()

	log.Info().Str("address", addr.String()).Int("peers", a.peers).Msg("Waiting for peers")

	links := make([]link.Link, 0, a.peers)

	for len(links) < a.peers {
		l, err := ln.Accept(ctx)
		if err != nil {
			for _, l := range links {
				_ = l.Close()
			}

			return nil, err
		}

		links = append(links, l)

		log.Debug().Str("remote", l.RemoteAddr()).Int("connected", len(links)).Int("peers", a.peers).Msg("Peer connected")
	}

	return links, nil
}

// Configure puts every endpoint of the session on one shared queue.
func (a *Accepting) Configure(s *Session, ep *endpoint.EndPoint) error {
	return ep.Configure(func(c *adapter.Config) {
		c.UseSharedCQ = true
		c.CQKey = "SharedCQ@" + s.ID()
	})
}

// AfterConnect implements Policy.
func (a *Accepting) AfterConnect(_ context.Context, s *Session) error {
	log.Debug().Str("session", s.ID()).Msg("Accepting session connected")

	return nil
}

// Handlers implements Policy. The accepting role uses the session defaults.
func (a *Accepting) Handlers() Handlers { return Handlers{} }
