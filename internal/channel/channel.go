// Package channel binds an Adapter to the buffers it moves and to the
// descriptors of the peer buffers it targets.
package channel

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebulardma/internal/adapter"
	"github.com/piwi3910/nebulardma/internal/buffer"
	"github.com/piwi3910/nebulardma/internal/device"
	"github.com/piwi3910/nebulardma/internal/handle"
	"github.com/piwi3910/nebulardma/internal/rdmaerr"
	"github.com/piwi3910/nebulardma/internal/verbs"
	"github.com/piwi3910/nebulardma/internal/wire"
)

// Registry resolves work request ids back to channels.
type Registry = handle.Registry[*Channel]

// NewRegistry returns an empty channel registry.
func NewRegistry() *Registry {
	return handle.NewRegistry[*Channel]()
}

// Channel is one connection's adapter plus its local buffer registry and
// peer descriptor cache.
type Channel struct {
	id      string
	adapter *adapter.Adapter
	reg     *Registry
	handle  uint64

	mu      sync.RWMutex
	buffers map[string]*buffer.Buffer
	peers   map[string]wire.CommDescriptor
	index   int
}

// New creates a channel and binds its registry handle as the adapter's
// work request id.
func New(mgr *device.Manager, id string, cfg adapter.Config, reg *Registry) (*Channel, error) {
	c := &Channel{
		id:      id,
		adapter: adapter.New(mgr, id, cfg),
		reg:     reg,
		buffers: make(map[string]*buffer.Buffer),
		peers:   make(map[string]wire.CommDescriptor),
		index:   -1,
	}

	h, err := reg.Register(c)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to allocate handle for %s: %w", rdmaerr.ErrResourceAllocation, id, err)
	}

	c.handle = h
	c.adapter.BindWRID(h)

	log.Debug().Str("channel", id).Uint64("wr_id", h).Msg("Channel created")

	return c, nil
}

// ID returns the channel id.
func (c *Channel) ID() string { return c.id }

func (c *Channel) String() string { return "RDMAChannel(" + c.id + ")" }

// Adapter returns the underlying adapter.
func (c *Channel) Adapter() *adapter.Adapter { return c.adapter }

// Handle returns the work request id of this channel.
func (c *Channel) Handle() uint64 { return c.handle }

// Index returns the slot of the channel in its session, -1 if unset.
func (c *Channel) Index() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.index
}

// SetIndex records the slot of the channel in its session.
func (c *Channel) SetIndex(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.index = i
}

// RegisterBuffer pins buf through the adapter and records it by name.
func (c *Channel) RegisterBuffer(buf *buffer.Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.buffers[buf.Name()]; ok {
		return rdmaerr.ProtocolViolation("buffer %s is already registered on %s", buf.Name(), c)
	}

	if err := buf.Register(c.adapter); err != nil {
		return err
	}

	buf.Attach(c)
	c.buffers[buf.Name()] = buf

	return nil
}

// RemoveBuffer forgets buf. It reports false when buf was not registered,
// including when another buffer now holds its name. The buffer itself is
// left to the caller; Release calls this on its own.
func (c *Channel) RemoveBuffer(buf *buffer.Buffer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.buffers[buf.Name()]; !ok || cur != buf {
		return false
	}

	delete(c.buffers, buf.Name())

	return true
}

// FindBuffer looks a local buffer up by name.
func (c *Channel) FindBuffer(name string) (*buffer.Buffer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	buf, ok := c.buffers[name]

	return buf, ok
}

// InsertPeerBuffer caches a peer descriptor. It reports false when the name
// is already cached.
func (c *Channel) InsertPeerBuffer(name string, desc wire.CommDescriptor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.peers[name]; ok {
		return false
	}

	c.peers[name] = desc

	return true
}

// FindPeerBuffer looks a cached peer descriptor up by name.
func (c *Channel) FindPeerBuffer(name string) (wire.CommDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	desc, ok := c.peers[name]

	return desc, ok
}

// Send sends the first length bytes of buf tagged with tag.
func (c *Channel) Send(buf *buffer.Buffer, length int, tag wire.Tag) error {
	return c.adapter.SendRemote(buf, length, tag)
}

// Recv posts a receive into buf.
func (c *Channel) Recv(buf *buffer.Buffer, length int) error {
	return c.adapter.RecvRemote(buf, length)
}

// Read reads length bytes of the peer buffer desc into buf.
func (c *Channel) Read(buf *buffer.Buffer, length int, desc wire.CommDescriptor) error {
	return c.adapter.ReadRemote(buf, length, desc)
}

// Write writes length bytes of buf into the peer buffer desc.
func (c *Channel) Write(buf *buffer.Buffer, length int, desc wire.CommDescriptor, tag wire.Tag, notify bool) error {
	return c.adapter.WriteRemote(buf, length, desc, tag, notify)
}

// Poll returns up to maxEntries completions from the channel's queue.
func (c *Channel) Poll(maxEntries int) ([]verbs.WorkCompletion, error) {
	return c.adapter.PollBatch(maxEntries)
}

// Reset forces the queue pair back to RESET and drops the peer cache.
func (c *Channel) Reset() error {
	if err := c.adapter.Reset(); err != nil {
		return err
	}

	c.mu.Lock()
	clear(c.peers)
	c.mu.Unlock()

	return nil
}

// Close releases every registered buffer, the adapter and the handle.
func (c *Channel) Close() error {
	c.mu.Lock()
	bufs := make([]*buffer.Buffer, 0, len(c.buffers))

	for _, buf := range c.buffers {
		bufs = append(bufs, buf)
	}

	clear(c.buffers)
	clear(c.peers)
	c.mu.Unlock()

	var firstErr error

	for _, buf := range bufs {
		if err := buf.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := c.adapter.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := c.reg.Release(c.handle); err != nil {
		log.Debug().Err(err).Str("channel", c.id).Msg("Channel handle already released")
	}

	return firstErr
}
