package device

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/piwi3910/nebulardma/internal/metrics"
	"github.com/piwi3910/nebulardma/internal/rdmaerr"
	"github.com/piwi3910/nebulardma/internal/verbs"
)

// DefaultAccess is applied when RegisterMemory is called with access 0.
const DefaultAccess = verbs.AccessLocalWrite | verbs.AccessRemoteRead | verbs.AccessRemoteWrite

const defaultCacheLineSize = 64

// CQ is a completion queue owned by a Device and identified by its key.
type CQ struct {
	Key      string
	Handle   verbs.CQ
	Capacity int
	Private  bool
}

// Device owns one opened adapter.
type Device struct {
	backend  verbs.Backend
	name     string
	ctx      verbs.Context
	attr     verbs.DeviceInfo
	ports    []verbs.PortAttr
	mu       sync.Mutex
	cqs      map[string]*CQ
	adapters map[string]struct{}
}

func open(backend verbs.Backend, name string) (*Device, error) {
	log.Debug().Str("device", name).Msg("Opening RDMA device")

	ctx, err := backend.OpenDevice(name)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open device %q: %w", rdmaerr.ErrResourceAllocation, name, err)
	}

	attr, err := backend.QueryDevice(ctx)
	if err != nil {
		_ = backend.CloseDevice(ctx)

		return nil, fmt.Errorf("%w: failed to query device %q: %w", rdmaerr.ErrResourceAllocation, name, err)
	}

	d := &Device{
		backend:  backend,
		name:     attr.Name,
		ctx:      ctx,
		attr:     attr,
		cqs:      make(map[string]*CQ),
		adapters: make(map[string]struct{}),
	}

	for port := 1; port <= attr.PhysPortCnt; port++ {
		pa, err := backend.QueryPort(ctx, port)
		if err != nil {
			_ = backend.CloseDevice(ctx)

			return nil, fmt.Errorf("%w: failed to query port %d of %s: %w", rdmaerr.ErrResourceAllocation, port, d, err)
		}

		if pa.State != verbs.PortStateActive {
			log.Warn().Str("device", d.name).Int("port", port).Int("state", int(pa.State)).Msg("Port is not active")
		}

		log.Debug().
			Str("device", d.name).
			Int("port", port).
			Str("max_mtu", pa.MaxMTU.String()).
			Str("active_mtu", pa.ActiveMTU.String()).
			Uint16("lid", pa.LID).
			Str("link_layer", pa.LinkLayer.String()).
			Msg("Port attributes")

		d.ports = append(d.ports, pa)
	}

	log.Info().Str("device", d.name).Int("ports", len(d.ports)).Str("fw", attr.FWVer).Msg("RDMA device opened")

	return d, nil
}

// Name returns the adapter name, e.g. mlx5_0.
func (d *Device) Name() string {
	return d.name
}

func (d *Device) String() string {
	return "RDMADevice(" + d.name + ")"
}

// Info describes the device for logs.
func (d *Device) Info() string {
	return fmt.Sprintf("%s fw=%s vendor=%#x part=%#x ports=%d", d, d.attr.FWVer, d.attr.VendorID, d.attr.VendorPartID, len(d.ports))
}

// Attr returns the queried device attributes.
func (d *Device) Attr() verbs.DeviceInfo {
	return d.attr
}

// PortAttr returns the attributes of an active port. Ports are numbered
// from 1.
func (d *Device) PortAttr(port int) (verbs.PortAttr, error) {
	if port < 1 || port > len(d.ports) {
		return verbs.PortAttr{}, rdmaerr.Configuration("%s has no port %d", d, port)
	}

	pa := d.ports[port-1]
	if pa.State != verbs.PortStateActive {
		return verbs.PortAttr{}, rdmaerr.Configuration("port %d of %s is not active", port, d)
	}

	return pa, nil
}

// QueryGID reads one entry of a port's GID table.
func (d *Device) QueryGID(port, index int) (verbs.GID, error) {
	gid, err := d.backend.QueryGID(d.ctx, port, index)
	if err != nil {
		return verbs.GID{}, fmt.Errorf("%w: failed to query gid %d on port %d of %s: %w", rdmaerr.ErrResourceAllocation, index, port, d, err)
	}

	return gid, nil
}

// RegisterAdapter records an adapter id. Registering an id twice fails and
// leaves the registry unchanged.
func (d *Device) RegisterAdapter(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.adapters[id]; ok {
		return rdmaerr.ProtocolViolation("adapter %q is already registered in %s", id, d)
	}

	d.adapters[id] = struct{}{}
	log.Debug().Str("device", d.name).Str("adapter", id).Msg("Adapter registered")

	return nil
}

// UnregisterAdapter forgets an adapter id.
func (d *Device) UnregisterAdapter(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.adapters, id)
}

// Adapters returns the number of registered adapters.
func (d *Device) Adapters() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.adapters)
}

// CreateCQ returns the completion queue stored under key, creating it when
// absent. A shared key returns the existing queue and ignores capacity. A
// private request for a key that already exists is rejected.
func (d *Device) CreateCQ(key string, capacity int, private bool, ch verbs.CompChannel) (*CQ, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cq, ok := d.cqs[key]; ok {
		if private || cq.Private {
			return nil, rdmaerr.Configuration("completion queue %q already exists in %s and is not shareable", key, d)
		}

		if cq.Capacity != capacity {
			log.Debug().Str("cq", key).Int("capacity", cq.Capacity).Int("requested", capacity).Msg("Reusing shared completion queue")
		}

		return cq, nil
	}

	h, err := d.backend.CreateCQ(d.ctx, capacity, ch)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create completion queue %q on %s: %w", rdmaerr.ErrResourceAllocation, key, d, err)
	}

	cq := &CQ{Key: key, Handle: h, Capacity: capacity, Private: private}
	d.cqs[key] = cq

	log.Debug().Str("device", d.name).Str("cq", key).Int("capacity", capacity).Bool("private", private).Msg("Completion queue created")

	return cq, nil
}

// HasCQ reports whether a completion queue exists under key.
func (d *Device) HasCQ(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.cqs[key]

	return ok
}

// DestroyCQ releases the completion queue stored under key.
func (d *Device) DestroyCQ(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cq, ok := d.cqs[key]
	if !ok {
		return nil
	}

	delete(d.cqs, key)

	if err := d.backend.DestroyCQ(cq.Handle); err != nil {
		return fmt.Errorf("failed to destroy completion queue %q: %w", key, err)
	}

	return nil
}

// CreatePD allocates a protection domain.
func (d *Device) CreatePD() (verbs.PD, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pd, err := d.backend.AllocPD(d.ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to create protection domain on %s: %w", rdmaerr.ErrResourceAllocation, d, err)
	}

	return pd, nil
}

// DestroyPD releases a protection domain.
func (d *Device) DestroyPD(pd verbs.PD) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.backend.DeallocPD(pd)
}

// CreateEventChannel creates a completion event channel.
func (d *Device) CreateEventChannel() (verbs.CompChannel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ch, err := d.backend.CreateCompChannel(d.ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to create completion channel on %s: %w", rdmaerr.ErrResourceAllocation, d, err)
	}

	return ch, nil
}

// DestroyEventChannel releases a completion event channel.
func (d *Device) DestroyEventChannel(ch verbs.CompChannel) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.backend.DestroyCompChannel(ch)
}

// CreateQP creates a queue pair in pd.
func (d *Device) CreateQP(pd verbs.PD, attr verbs.QPInitAttr) (verbs.QP, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	qp, err := d.backend.CreateQP(pd, attr)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to create queue pair on %s: %w", rdmaerr.ErrResourceAllocation, d, err)
	}

	return qp, nil
}

// DestroyQP releases a queue pair.
func (d *Device) DestroyQP(qp verbs.QP) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.backend.DestroyQP(qp)
}

// ModifyQPToInit moves a queue pair from RESET to INIT.
func (d *Device) ModifyQPToInit(qp verbs.QP, attr verbs.InitAttr) error {
	return d.transition(verbs.QPStateInit, func() error { return d.backend.ModifyQPToInit(qp, attr) })
}

// ModifyQPToRTR moves a queue pair from INIT to RTR.
func (d *Device) ModifyQPToRTR(qp verbs.QP, attr verbs.RTRAttr) error {
	return d.transition(verbs.QPStateRTR, func() error { return d.backend.ModifyQPToRTR(qp, attr) })
}

// ModifyQPToRTS moves a queue pair from RTR to RTS.
func (d *Device) ModifyQPToRTS(qp verbs.QP, attr verbs.RTSAttr) error {
	return d.transition(verbs.QPStateRTS, func() error { return d.backend.ModifyQPToRTS(qp, attr) })
}

// ModifyQPToReset forces a queue pair back to RESET.
func (d *Device) ModifyQPToReset(qp verbs.QP) error {
	return d.transition(verbs.QPStateReset, func() error { return d.backend.ModifyQPToReset(qp) })
}

func (d *Device) transition(state verbs.QPState, modify func() error) error {
	if err := modify(); err != nil {
		return fmt.Errorf("%w: failed to modify queue pair to %s on %s: %w", rdmaerr.ErrResourceAllocation, state, d, err)
	}

	metrics.RecordQPTransition(state.String())

	return nil
}

// QueryQP returns the current queue pair attributes.
func (d *Device) QueryQP(qp verbs.QP) (*verbs.QPAttr, error) {
	return d.backend.QueryQP(qp)
}

// RegisterMemory pins [addr, addr+length) for RDMA access.
func (d *Device) RegisterMemory(pd verbs.PD, addr uintptr, length, access int) (verbs.MemoryRegion, error) {
	if access == 0 {
		access = DefaultAccess
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	mr, err := d.backend.RegMR(pd, addr, length, access)
	if err != nil {
		return verbs.MemoryRegion{}, fmt.Errorf("%w: failed to register %d bytes on %s: %w", rdmaerr.ErrResourceAllocation, length, d, err)
	}

	return mr, nil
}

// DeregisterMemory unpins a memory region.
func (d *Device) DeregisterMemory(mr verbs.MemoryRegion) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.backend.DeregMR(mr.Handle); err != nil {
		return fmt.Errorf("failed to deregister memory region on %s: %w", d, err)
	}

	return nil
}

// PollCQ performs one non-blocking poll. An empty result means nothing was
// ready.
func (d *Device) PollCQ(cq verbs.CQ, maxEntries int) ([]verbs.WorkCompletion, error) {
	wcs, err := d.backend.PollCQ(cq, maxEntries)
	if err != nil {
		return nil, rdmaerr.TransportFailure("failed to poll completion queue on %s: %v", d, err)
	}

	metrics.RecordPoll(len(wcs))

	return wcs, nil
}

// PostSend posts a signaled send carrying tag as immediate data.
func (d *Device) PostSend(qp verbs.QP, wrID uint64, sge verbs.SGE, tag uint32) error {
	return d.post(qp, &verbs.SendWR{
		WRID:      wrID,
		Opcode:    verbs.WROpSendWithImm,
		SendFlags: verbs.SendSignaled,
		SGList:    []verbs.SGE{sge},
		ImmData:   tag,
	})
}

// PostRecv posts a receive into sge.
func (d *Device) PostRecv(qp verbs.QP, wrID uint64, sge verbs.SGE) error {
	if err := d.backend.PostRecv(qp, &verbs.RecvWR{WRID: wrID, SGList: []verbs.SGE{sge}}); err != nil {
		return fmt.Errorf("%w: failed to post receive on %s: %w", rdmaerr.ErrResourceAllocation, d, err)
	}

	metrics.RecordWorkRequest("recv")

	return nil
}

// PostRead posts a signaled RDMA read from the remote range into sge.
func (d *Device) PostRead(qp verbs.QP, wrID uint64, sge verbs.SGE, remoteAddr uint64, rkey uint32) error {
	return d.post(qp, &verbs.SendWR{
		WRID:       wrID,
		Opcode:     verbs.WROpRDMARead,
		SendFlags:  verbs.SendSignaled,
		SGList:     []verbs.SGE{sge},
		RemoteAddr: remoteAddr,
		RKey:       rkey,
	})
}

// PostWrite posts a signaled RDMA write of sge into the remote range.
func (d *Device) PostWrite(qp verbs.QP, wrID uint64, sge verbs.SGE, remoteAddr uint64, rkey uint32) error {
	return d.post(qp, &verbs.SendWR{
		WRID:       wrID,
		Opcode:     verbs.WROpRDMAWrite,
		SendFlags:  verbs.SendSignaled,
		SGList:     []verbs.SGE{sge},
		RemoteAddr: remoteAddr,
		RKey:       rkey,
	})
}

// PostWriteWithImm posts a signaled RDMA write that also consumes a receive
// on the peer and delivers tag to it.
func (d *Device) PostWriteWithImm(qp verbs.QP, wrID uint64, sge verbs.SGE, remoteAddr uint64, rkey, tag uint32) error {
	return d.post(qp, &verbs.SendWR{
		WRID:       wrID,
		Opcode:     verbs.WROpRDMAWriteWithImm,
		SendFlags:  verbs.SendSignaled,
		SGList:     []verbs.SGE{sge},
		RemoteAddr: remoteAddr,
		RKey:       rkey,
		ImmData:    tag,
	})
}

func (d *Device) post(qp verbs.QP, wr *verbs.SendWR) error {
	if err := d.backend.PostSend(qp, wr); err != nil {
		return fmt.Errorf("%w: failed to post %s on %s: %w", rdmaerr.ErrResourceAllocation, wr.Opcode, d, err)
	}

	metrics.RecordWorkRequest(wr.Opcode.String())

	return nil
}

// Close releases every completion queue and the device context.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, cq := range d.cqs {
		if err := d.backend.DestroyCQ(cq.Handle); err != nil {
			log.Warn().Err(err).Str("cq", key).Msg("Failed to destroy completion queue")
		}

		delete(d.cqs, key)
	}

	if len(d.adapters) > 0 {
		log.Warn().Str("device", d.name).Int("adapters", len(d.adapters)).Msg("Closing device with registered adapters")
	}

	if err := d.backend.CloseDevice(d.ctx); err != nil {
		return fmt.Errorf("failed to close %s: %w", d, err)
	}

	log.Debug().Str("device", d.name).Msg("RDMA device released")

	return nil
}

// PageSize returns the system page size.
func PageSize() int {
	return unix.Getpagesize()
}

// CacheLineSize returns the L1 data cache line size, falling back to 64.
func CacheLineSize() int {
	data, err := os.ReadFile("/sys/devices/system/cpu/cpu0/cache/index0/coherency_line_size")
	if err != nil {
		return defaultCacheLineSize
	}

	size, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || size <= 0 {
		return defaultCacheLineSize
	}

	return size
}
