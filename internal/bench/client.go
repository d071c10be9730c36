package bench

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebulardma/internal/buffer"
	"github.com/piwi3910/nebulardma/internal/endpoint"
	"github.com/piwi3910/nebulardma/internal/rdmaerr"
	"github.com/piwi3910/nebulardma/internal/verbs"
	"github.com/piwi3910/nebulardma/internal/wire"
)

type phase struct {
	op  string
	run func(context.Context, int) (Result, error)
}

// Client drives the benchmark against a Server on the other end of ep.
type Client struct {
	*peer

	remote wire.CommDescriptor
}

// NewClient returns a client for a connected endpoint.
func NewClient(ep *endpoint.EndPoint, opts Options) (*Client, error) {
	p, err := newPeer(ep, opts)
	if err != nil {
		return nil, err
	}

	return &Client{peer: p}, nil
}

// Run executes every phase and returns the measurements in order.
func (c *Client) Run(ctx context.Context) (results []Result, err error) {
	defer func() {
		if cerr := c.close(); err == nil {
			err = cerr
		}
	}()

	if err := c.setup(); err != nil {
		return nil, err
	}

	if err := c.ep.SyncWithPeer(ctx, "benchmark buffers ready"); err != nil {
		return nil, err
	}

	if err := c.exchange(ctx); err != nil {
		return nil, err
	}

	phases := []phase{
		{"send_lat", c.sendLatency},
		{"write_lat", c.writeLatency},
		{"read_lat", c.readLatency},
		{"write_bw", func(ctx context.Context, size int) (Result, error) { return c.writeBandwidth(ctx, size, false) }},
	}

	if c.opts.SingleBlock {
		phases = append(phases, phase{"write_bw_single", func(ctx context.Context, size int) (Result, error) {
			return c.writeBandwidth(ctx, size, true)
		}})
	}

	for _, ph := range phases {
		for _, size := range c.opts.sizes() {
			r, err := ph.run(ctx, size)
			if err != nil {
				return results, err
			}

			r.Op = ph.op
			results = append(results, r)

			log.Info().
				Str("op", r.Op).
				Int("size", r.Size).
				Dur("latency", r.Latency()).
				Float64("gbps", r.Throughput()).
				Msg("Benchmark result")
		}
	}

	return results, c.bye(ctx)
}

// exchange asks the server for the descriptor of its target block.
func (c *Client) exchange(ctx context.Context) error {
	if err := c.ch.Send(c.control(), 2, TagRequestBuffer); err != nil {
		return err
	}

	if _, err := c.expect(ctx, verbs.WCOpSend, 0); err != nil {
		return err
	}

	if _, err := c.expect(ctx, verbs.WCOpRecv, TagResponseToRequestBuffer); err != nil {
		return err
	}

	if err := c.remote.UnmarshalBinary(c.block(0).Bytes()); err != nil {
		return err
	}

	if c.remote.Length < uint64(c.opts.MaxMessageSize) { //nolint:gosec // G115: validated positive
		return rdmaerr.ProtocolViolation("server block of %d bytes is smaller than %d", c.remote.Length, c.opts.MaxMessageSize)
	}

	log.Debug().Str("channel", c.ch.ID()).Str("remote", c.remote.String()).Msg("Benchmark buffer exchanged")

	return nil
}

func (c *Client) sendLatency(ctx context.Context, size int) (Result, error) {
	recv := c.block(0)
	if err := c.ch.Recv(recv, controlSize); err != nil {
		return Result{}, err
	}

	if err := c.ch.Send(c.control(), 2, TagSendTestRequest); err != nil {
		return Result{}, err
	}

	if _, err := c.expect(ctx, verbs.WCOpSend, 0); err != nil {
		return Result{}, err
	}

	if _, err := c.expect(ctx, verbs.WCOpRecv, TagResponseToSendTestRequest); err != nil {
		return Result{}, err
	}

	return c.sequential(ctx, size, verbs.WCOpSend, func(b *buffer.Buffer) error {
		return c.ch.Send(b, size, TagTestRawData)
	})
}

func (c *Client) writeLatency(ctx context.Context, size int) (Result, error) {
	return c.sequential(ctx, size, verbs.WCOpRDMAWrite, func(b *buffer.Buffer) error {
		return c.ch.Write(b, size, c.remote, wire.TagUnset, false)
	})
}

func (c *Client) readLatency(ctx context.Context, size int) (Result, error) {
	return c.sequential(ctx, size, verbs.WCOpRDMARead, func(b *buffer.Buffer) error {
		return c.ch.Read(b, size, c.remote)
	})
}

// sequential runs one operation at a time, each waiting for its own
// completion.
func (c *Client) sequential(ctx context.Context, size int, op verbs.WCOpcode, post func(*buffer.Buffer) error) (Result, error) {
	c.ring.Reset()

	start := time.Now()

	for range c.opts.Iterations {
		b, err := c.ring.Next()
		if err != nil {
			return Result{}, err
		}

		if err := post(b); err != nil {
			return Result{}, err
		}

		if _, err := c.expect(ctx, op, 0); err != nil {
			return Result{}, err
		}

		if _, err := c.ring.Last(); err != nil {
			return Result{}, err
		}
	}

	return Result{Size: size, Ops: c.opts.Iterations, Elapsed: time.Since(start)}, nil
}

// writeBandwidth posts every write before draining the completions in
// batches.
func (c *Client) writeBandwidth(ctx context.Context, size int, single bool) (Result, error) {
	c.ring.Reset()

	start := time.Now()

	for range c.opts.Iterations {
		b, err := c.ring.Next()
		if err != nil {
			return Result{}, err
		}

		if single {
			b = c.block(0)
		}

		if err := c.ch.Write(b, size, c.remote, wire.TagUnset, false); err != nil {
			return Result{}, err
		}
	}

	drained := 0
	for drained < c.opts.Iterations {
		wcs, err := c.poll(ctx, pollBatch)
		if err != nil {
			return Result{}, err
		}

		for i := range wcs {
			if wcs[i].Opcode != verbs.WCOpRDMAWrite {
				return Result{}, rdmaerr.ProtocolViolation("expected %s on %s, got %s", verbs.WCOpRDMAWrite, c.ch, wcs[i].Opcode)
			}

			if _, err := c.ring.Last(); err != nil {
				return Result{}, err
			}

			drained++
		}
	}

	elapsed := time.Since(start)

	if drained != c.opts.Iterations {
		return Result{}, rdmaerr.ProtocolViolation("drained %d writes, posted %d", drained, c.opts.Iterations)
	}

	return Result{Size: size, Ops: drained, Elapsed: elapsed}, nil
}

func (c *Client) bye(ctx context.Context) error {
	if err := c.ch.Send(c.block(0), controlSize, TagByeBye); err != nil {
		return err
	}

	_, err := c.expect(ctx, verbs.WCOpSend, 0)

	return err
}
