// Package bench measures latency and bandwidth over one connected channel.
//
// The Client drives every phase and the Server answers. Both sides poll the
// channel's private completion queue directly instead of going through a
// session's handler loop, so each measurement sees only its own completions.
package bench

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/piwi3910/nebulardma/internal/adapter"
	"github.com/piwi3910/nebulardma/internal/buffer"
	"github.com/piwi3910/nebulardma/internal/channel"
	"github.com/piwi3910/nebulardma/internal/endpoint"
	"github.com/piwi3910/nebulardma/internal/rdmaerr"
	"github.com/piwi3910/nebulardma/internal/session"
	"github.com/piwi3910/nebulardma/internal/verbs"
	"github.com/piwi3910/nebulardma/internal/wire"
)

// Benchmark message tags.
const (
	TagRequestBuffer             wire.Tag = 1
	TagResponseToRequestBuffer   wire.Tag = 2
	TagSendTestRequest           wire.Tag = 3
	TagResponseToSendTestRequest wire.Tag = 4
	TagWriteTestRequest          wire.Tag = 5
	TagResponseToWriteTest       wire.Tag = 6
	TagReadTestRequest           wire.Tag = 7
	TagResponseToReadTest        wire.Tag = 8
	TagByeBye                    wire.Tag = 255
	TagTestRawData               wire.Tag = 299
)

// Queue sizing used by both benchmark peers.
const (
	QueueDepth = 1024
	CQSize     = 2 * QueueDepth

	controlSize  = 64
	pollBatch    = 128
	minBlockSize = controlSize
)

// Options controls message sizes and iteration counts.
type Options struct {
	// MaxMessageSize is the largest message measured. Sizes double from 1
	// up to it.
	MaxMessageSize int
	// Iterations is the number of operations per measurement and the
	// number of ring blocks.
	Iterations int
	// SingleBlock adds a bandwidth pass that writes every message from
	// the same local block.
	SingleBlock bool
}

// DefaultOptions returns the stock benchmark parameters.
func DefaultOptions() Options {
	return Options{
		MaxMessageSize: 64 * 1024,
		Iterations:     1000,
	}
}

func (o Options) validate() error {
	if o.MaxMessageSize < 1 {
		return rdmaerr.Configuration("max message size must be positive, got %d", o.MaxMessageSize)
	}

	if o.Iterations < 2 || o.Iterations > QueueDepth {
		return rdmaerr.Configuration("iterations must be in [2, %d], got %d", QueueDepth, o.Iterations)
	}

	return nil
}

func (o Options) blockSize() int {
	return max(o.MaxMessageSize, minBlockSize)
}

// sizes returns 1, 2, 4, ... up to MaxMessageSize.
func (o Options) sizes() []int {
	var out []int
	for n := 1; n <= o.MaxMessageSize; n *= 2 {
		out = append(out, n)
	}

	return out
}

// Tune applies the benchmark queue sizing to an adapter configuration.
func Tune(c *adapter.Config) {
	c.UseSharedCQ = false
	c.MaxSendWR = QueueDepth
	c.MaxRecvWR = QueueDepth
	c.CQSize = CQSize
}

// Role wraps a session role so its endpoints get the benchmark sizing.
type Role struct {
	session.Role
}

// Configure applies the wrapped role's configuration and then Tune.
func (r Role) Configure(s *session.Session, ep *endpoint.EndPoint) error {
	if err := r.Role.Configure(s, ep); err != nil {
		return err
	}

	return ep.Configure(Tune)
}

// Result is one measurement.
type Result struct {
	Op      string
	Size    int
	Ops     int
	Elapsed time.Duration
}

// Bytes returns the payload moved.
func (r Result) Bytes() int64 {
	return int64(r.Size) * int64(r.Ops)
}

// Latency returns the mean time per operation.
func (r Result) Latency() time.Duration {
	if r.Ops == 0 {
		return 0
	}

	return r.Elapsed / time.Duration(r.Ops)
}

// Throughput returns the payload rate in Gbit/s.
func (r Result) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}

	return float64(8*r.Bytes()) / r.Elapsed.Seconds() / 1e9
}

func (r Result) String() string {
	return fmt.Sprintf("%-16s %10s  %10s/op  %8.3f Gbps  (%s/s)",
		r.Op,
		humanize.IBytes(uint64(r.Size)), //nolint:gosec // G115: sizes are positive
		r.Latency(),
		r.Throughput(),
		humanize.IBytes(uint64(float64(r.Bytes())/max(r.Elapsed.Seconds(), 1e-9))),
	)
}

// peer holds what both sides share: the channel, its endpoint and the ring.
type peer struct {
	ep   *endpoint.EndPoint
	ch   *channel.Channel
	opts Options
	ring *buffer.Buffer
}

func newPeer(ep *endpoint.EndPoint, opts Options) (*peer, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	return &peer{ep: ep, ch: ep.Channel(), opts: opts}, nil
}

// setup allocates and registers the ring and posts the first receive.
func (p *peer) setup() error {
	ring, err := buffer.Allocate(p.opts.blockSize(), p.opts.Iterations, "benchmark_buffer@"+p.ch.ID())
	if err != nil {
		return err
	}

	if err := p.ch.RegisterBuffer(ring); err != nil {
		_ = ring.Release()

		return err
	}

	p.ring = ring

	first := p.block(0)

	return p.ch.Recv(first, first.Size())
}

func (p *peer) block(i int) *buffer.Buffer {
	b, _ := p.ring.At(i % p.ring.NumBlocks())

	return b
}

// control returns the block control messages are sent from. Block 0 is
// kept for control receives.
func (p *peer) control() *buffer.Buffer {
	return p.block(1)
}

// poll fetches up to n completions, spinning until at least one arrives.
func (p *peer) poll(ctx context.Context, n int) ([]verbs.WorkCompletion, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		wcs, err := p.ch.Poll(n)
		if err != nil {
			return nil, err
		}

		if len(wcs) == 0 {
			continue
		}

		for i := range wcs {
			p.ch.Adapter().Retire(&wcs[i])

			if wcs[i].Status != verbs.WCSuccess {
				p.ch.Adapter().ShowQPInfo("benchmark")

				return nil, rdmaerr.TransportFailure("benchmark completion on %s failed: %s", p.ch, wcs[i].Status)
			}
		}

		return wcs, nil
	}
}

// expect polls one completion and checks its opcode and, for receives, its
// tag.
func (p *peer) expect(ctx context.Context, op verbs.WCOpcode, tag wire.Tag) (verbs.WorkCompletion, error) {
	wcs, err := p.poll(ctx, 1)
	if err != nil {
		return verbs.WorkCompletion{}, err
	}

	wc := wcs[0]

	if wc.Opcode != op {
		return wc, rdmaerr.ProtocolViolation("expected %s on %s, got %s", op, p.ch, wc.Opcode)
	}

	if op == verbs.WCOpRecv && wire.Tag(wc.ImmData) != tag {
		return wc, rdmaerr.ProtocolViolation("expected tag %d on %s, got %d", tag, p.ch, wc.ImmData)
	}

	return wc, nil
}

func (p *peer) close() error {
	if p.ring == nil {
		return nil
	}

	p.ch.RemoveBuffer(p.ring)

	return p.ring.Release()
}
