// Package endpoint pairs an out-of-band link with the RDMA channel it
// bootstraps.
package endpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebulardma/internal/adapter"
	"github.com/piwi3910/nebulardma/internal/channel"
	"github.com/piwi3910/nebulardma/internal/device"
	"github.com/piwi3910/nebulardma/internal/link"
	"github.com/piwi3910/nebulardma/internal/metrics"
	"github.com/piwi3910/nebulardma/internal/rdmaerr"
	"github.com/piwi3910/nebulardma/internal/wire"
)

// probe is the single byte exchanged for liveness checks and barriers.
var probe = []byte{'Q'}

// EndPoint is one connection: a link and exactly one channel.
type EndPoint struct {
	id        string
	sessionID string
	link      link.Link
	ch        *channel.Channel
}

// New checks that the peer is alive on l and builds the channel. The
// endpoint owns l from here on.
func New(ctx context.Context, l link.Link, cfg adapter.Config, mgr *device.Manager, reg *channel.Registry, sessionID string) (*EndPoint, error) {
	if err := syncWithPeer(ctx, l); err != nil {
		return nil, fmt.Errorf("connection test failed with %s: %w", l.RemoteAddr(), err)
	}

	name := fmt.Sprintf("RDMAEndPoint(%s-->%s)", l.LocalAddr(), l.RemoteAddr())

	ch, err := channel.New(mgr, name, cfg, reg)
	if err != nil {
		return nil, err
	}

	ep := &EndPoint{
		id:        fmt.Sprintf("[%s-->%s]@%s", l.LocalAddr(), l.RemoteAddr(), sessionID),
		sessionID: sessionID,
		link:      l,
		ch:        ch,
	}

	log.Debug().Str("endpoint", ep.id).Msg("Connection test passed")

	return ep, nil
}

// ID returns "[local-->remote]@session".
func (e *EndPoint) ID() string { return e.id }

func (e *EndPoint) String() string { return "RDMAEndPoint@" + e.id }

// Channel returns the data channel.
func (e *EndPoint) Channel() *channel.Channel { return e.ch }

// Link returns the out-of-band link.
func (e *EndPoint) Link() link.Link { return e.link }

// Configure mutates the channel's adapter configuration. It fails once the
// channel is loaded.
func (e *EndPoint) Configure(fn func(*adapter.Config)) error {
	return e.ch.Adapter().Configure(fn)
}

// SetIndex records the endpoint's slot in its session.
func (e *EndPoint) SetIndex(i int) { e.ch.SetIndex(i) }

// SyncWithPeer exchanges one byte with the peer. It returns once both sides
// have reached the same point.
func (e *EndPoint) SyncWithPeer(ctx context.Context, what string) error {
	if err := syncWithPeer(ctx, e.link); err != nil {
		return fmt.Errorf("sync %q on %s: %w", what, e.id, err)
	}

	return nil
}

func syncWithPeer(ctx context.Context, l link.Link) error {
	remote := make([]byte, 1)

	return l.Sync(ctx, probe, remote)
}

// Connecting allocates the channel's resources, swaps AdapterInfo with the
// peer, brings the queue pair up and waits for the peer to do the same.
func (e *EndPoint) Connecting(ctx context.Context) (err error) {
	start := time.Now()

	defer func() {
		metrics.RecordHandshake(err == nil, time.Since(start))
	}()

	a := e.ch.Adapter()

	self, err := a.Loading()
	if err != nil {
		return err
	}

	local, err := self.MarshalBinary()
	if err != nil {
		return err
	}

	remote := make([]byte, wire.AdapterInfoSize)
	if err := e.link.Sync(ctx, local, remote); err != nil {
		return fmt.Errorf("adapter info exchange on %s: %w", e.id, err)
	}

	var peer wire.AdapterInfo
	if err := peer.UnmarshalBinary(remote); err != nil {
		return err
	}

	if err := a.Connecting(peer); err != nil {
		return err
	}

	if err := e.SyncWithPeer(ctx, "queue pairs connected"); err != nil {
		return err
	}

	log.Debug().Str("endpoint", e.id).Str("peer", peer.ID()).Msg("Endpoint connected")

	return nil
}

// Reset brings the queue pair back to RESET and runs the connect sequence
// again.
func (e *EndPoint) Reset(ctx context.Context) error {
	log.Debug().Str("endpoint", e.id).Msg("Resetting endpoint")

	if err := e.ch.Reset(); err != nil {
		return err
	}

	return e.Connecting(ctx)
}

// Close releases the channel and the link.
func (e *EndPoint) Close() error {
	err := e.ch.Close()

	if lerr := e.link.Close(); lerr != nil && err == nil {
		err = fmt.Errorf("%w: failed to close link of %s: %w", rdmaerr.ErrTransportFailure, e.id, lerr)
	}

	return err
}
