package session

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebulardma/internal/adapter"
	"github.com/piwi3910/nebulardma/internal/endpoint"
	"github.com/piwi3910/nebulardma/internal/link"
)

// Initiating is the dialing role. It opens a single link to the accepting
// peer and gives its endpoint a private completion queue.
type Initiating struct {
	addr string
	opts link.DialOptions
}

// NewInitiating returns a role dialing addr with the given retry policy.
func NewInitiating(addr string, opts link.DialOptions) *Initiating {
	return &Initiating{addr: addr, opts: opts}
}

// Name implements Role.
func (i *Initiating) Name() string { return "initiating" }

// Open dials the accepting peer.
func (i *Initiating) Open(ctx context.Context) ([]link.Link, error) {
	log.Info().Str("address", i.addr).Int("attempts", i.opts.Attempts).Msg("Connecting to peer")

	l, err := link.Dial(ctx, i.addr, i.opts)
	if err != nil {
		return nil, err
	}

	return []link.Link{l}, nil
}

// Configure gives the endpoint its own completion queue.
func (i *Initiating) Configure(_ *Session, ep *endpoint.EndPoint) error {
	return ep.Configure(func(c *adapter.Config) {
		c.UseSharedCQ = false
	})
}

// AfterConnect implements Policy.
func (i *Initiating) AfterConnect(_ context.Context, s *Session) error {
	log.Debug().Str("session", s.ID()).Msg("Initiating session connected")

	return nil
}

// Handlers implements Policy. The initiating role uses the session defaults.
func (i *Initiating) Handlers() Handlers { return Handlers{} }
