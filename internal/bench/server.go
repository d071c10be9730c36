package bench

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebulardma/internal/endpoint"
	"github.com/piwi3910/nebulardma/internal/verbs"
)

// Server answers a Client. One-sided phases need nothing from it beyond the
// registered target block.
type Server struct {
	*peer
}

// NewServer returns a server for a connected endpoint.
func NewServer(ep *endpoint.EndPoint, opts Options) (*Server, error) {
	p, err := newPeer(ep, opts)
	if err != nil {
		return nil, err
	}

	return &Server{peer: p}, nil
}

// Run serves one client until it says goodbye.
func (s *Server) Run(ctx context.Context) (err error) {
	defer func() {
		if cerr := s.close(); err == nil {
			err = cerr
		}
	}()

	if err := s.setup(); err != nil {
		return err
	}

	if err := s.ep.SyncWithPeer(ctx, "benchmark buffers ready"); err != nil {
		return err
	}

	if err := s.exchange(ctx); err != nil {
		return err
	}

	for _, size := range s.opts.sizes() {
		if err := s.sendLatency(ctx); err != nil {
			return err
		}

		log.Debug().Str("channel", s.ch.ID()).Int("size", size).Msg("Send latency pass served")
	}

	recv := s.block(0)
	if err := s.ch.Recv(recv, controlSize); err != nil {
		return err
	}

	if _, err := s.expect(ctx, verbs.WCOpRecv, TagByeBye); err != nil {
		return err
	}

	log.Info().Str("channel", s.ch.ID()).Msg("Benchmark client said goodbye")

	return nil
}

// exchange answers the buffer request with the descriptor of block 0.
func (s *Server) exchange(ctx context.Context) error {
	if _, err := s.expect(ctx, verbs.WCOpRecv, TagRequestBuffer); err != nil {
		return err
	}

	desc := s.block(0).Descriptor()

	ctrl := s.control()
	ctrl.Clear()
	desc.Put(ctrl.Bytes())

	if err := s.ch.Send(ctrl, controlSize, TagResponseToRequestBuffer); err != nil {
		return err
	}

	if _, err := s.expect(ctx, verbs.WCOpSend, 0); err != nil {
		return err
	}

	log.Debug().Str("channel", s.ch.ID()).Str("local", desc.String()).Msg("Benchmark buffer offered")

	return nil
}

// sendLatency pre-posts one receive per iteration before releasing the
// client, then consumes them all.
func (s *Server) sendLatency(ctx context.Context) error {
	recv := s.block(0)
	if err := s.ch.Recv(recv, controlSize); err != nil {
		return err
	}

	if _, err := s.expect(ctx, verbs.WCOpRecv, TagSendTestRequest); err != nil {
		return err
	}

	s.ring.Reset()

	for range s.opts.Iterations {
		b, err := s.ring.Next()
		if err != nil {
			return err
		}

		if err := s.ch.Recv(b, b.Size()); err != nil {
			return err
		}
	}

	if err := s.ch.Send(s.control(), 0, TagResponseToSendTestRequest); err != nil {
		return err
	}

	if _, err := s.expect(ctx, verbs.WCOpSend, 0); err != nil {
		return err
	}

	for range s.opts.Iterations {
		if _, err := s.expect(ctx, verbs.WCOpRecv, TagTestRawData); err != nil {
			return err
		}

		if _, err := s.ring.Last(); err != nil {
			return err
		}
	}

	return nil
}
