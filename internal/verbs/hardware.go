//go:build rdma_hw

package verbs

// #cgo LDFLAGS: -libverbs
// #include <stdlib.h>
// #include <string.h>
// #include <errno.h>
// #include <arpa/inet.h>
// #include <infiniband/verbs.h>
//
// struct nb_port {
//     int state;
//     int max_mtu;
//     int active_mtu;
//     int lid;
//     int sm_lid;
//     int link_layer;
//     int gid_tbl_len;
// };
//
// struct nb_wc {
//     uint64_t wr_id;
//     int status;
//     int opcode;
//     uint32_t vendor_err;
//     uint32_t byte_len;
//     uint32_t imm_data;
//     uint32_t qp_num;
//     uint32_t src_qp;
//     int wc_flags;
//     uint16_t pkey_index;
//     uint16_t slid;
//     uint8_t sl;
//     uint8_t dlid_path_bits;
// };
//
// static int nb_errno(void) { return errno; }
//
// static int nb_query_port(struct ibv_context *ctx, int port, struct nb_port *out) {
//     struct ibv_port_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     int rc = ibv_query_port(ctx, (uint8_t)port, &attr);
//     if (rc) return rc;
//     out->state = attr.state;
//     out->max_mtu = attr.max_mtu;
//     out->active_mtu = attr.active_mtu;
//     out->lid = attr.lid;
//     out->sm_lid = attr.sm_lid;
//     out->link_layer = attr.link_layer;
//     out->gid_tbl_len = attr.gid_tbl_len;
//     return 0;
// }
//
// static int nb_modify_init(struct ibv_qp *qp, int port, int pkey, int access) {
//     struct ibv_qp_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     attr.qp_state = IBV_QPS_INIT;
//     attr.port_num = (uint8_t)port;
//     attr.pkey_index = (uint16_t)pkey;
//     attr.qp_access_flags = access;
//     return ibv_modify_qp(qp, &attr, IBV_QP_STATE | IBV_QP_PKEY_INDEX | IBV_QP_PORT | IBV_QP_ACCESS_FLAGS);
// }
//
// static int nb_modify_rtr(struct ibv_qp *qp, int mtu, uint32_t dest_qpn, uint32_t rq_psn,
//                          int max_dest_rd_atomic, int min_rnr_timer, int dlid, int sl,
//                          int src_path_bits, int port, int is_global, const uint8_t *dgid,
//                          int flow_label, int hop_limit, int sgid_index, int traffic_class) {
//     struct ibv_qp_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     attr.qp_state = IBV_QPS_RTR;
//     attr.path_mtu = (enum ibv_mtu)mtu;
//     attr.dest_qp_num = dest_qpn;
//     attr.rq_psn = rq_psn;
//     attr.max_dest_rd_atomic = (uint8_t)max_dest_rd_atomic;
//     attr.min_rnr_timer = (uint8_t)min_rnr_timer;
//     attr.ah_attr.dlid = (uint16_t)dlid;
//     attr.ah_attr.sl = (uint8_t)sl;
//     attr.ah_attr.src_path_bits = (uint8_t)src_path_bits;
//     attr.ah_attr.port_num = (uint8_t)port;
//     if (is_global) {
//         attr.ah_attr.is_global = 1;
//         memcpy(attr.ah_attr.grh.dgid.raw, dgid, 16);
//         attr.ah_attr.grh.flow_label = (uint32_t)flow_label;
//         attr.ah_attr.grh.hop_limit = (uint8_t)hop_limit;
//         attr.ah_attr.grh.sgid_index = (uint8_t)sgid_index;
//         attr.ah_attr.grh.traffic_class = (uint8_t)traffic_class;
//     }
//     return ibv_modify_qp(qp, &attr, IBV_QP_STATE | IBV_QP_AV | IBV_QP_PATH_MTU | IBV_QP_DEST_QPN |
//                          IBV_QP_RQ_PSN | IBV_QP_MAX_DEST_RD_ATOMIC | IBV_QP_MIN_RNR_TIMER);
// }
//
// static int nb_modify_rts(struct ibv_qp *qp, int timeout, int retry_cnt, int rnr_retry,
//                          uint32_t sq_psn, int max_rd_atomic) {
//     struct ibv_qp_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     attr.qp_state = IBV_QPS_RTS;
//     attr.timeout = (uint8_t)timeout;
//     attr.retry_cnt = (uint8_t)retry_cnt;
//     attr.rnr_retry = (uint8_t)rnr_retry;
//     attr.sq_psn = sq_psn;
//     attr.max_rd_atomic = (uint8_t)max_rd_atomic;
//     return ibv_modify_qp(qp, &attr, IBV_QP_STATE | IBV_QP_TIMEOUT | IBV_QP_RETRY_CNT |
//                          IBV_QP_RNR_RETRY | IBV_QP_SQ_PSN | IBV_QP_MAX_QP_RD_ATOMIC);
// }
//
// static int nb_modify_reset(struct ibv_qp *qp) {
//     struct ibv_qp_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     attr.qp_state = IBV_QPS_RESET;
//     return ibv_modify_qp(qp, &attr, IBV_QP_STATE);
// }
//
// static int nb_query_qp(struct ibv_qp *qp, struct ibv_qp_attr *attr, struct ibv_qp_init_attr *init) {
//     return ibv_query_qp(qp, attr, IBV_QP_STATE | IBV_QP_PATH_MTU | IBV_QP_DEST_QPN | IBV_QP_RQ_PSN |
//                         IBV_QP_SQ_PSN | IBV_QP_ACCESS_FLAGS | IBV_QP_PORT | IBV_QP_TIMEOUT |
//                         IBV_QP_RETRY_CNT | IBV_QP_RNR_RETRY | IBV_QP_MAX_QP_RD_ATOMIC |
//                         IBV_QP_MAX_DEST_RD_ATOMIC | IBV_QP_MIN_RNR_TIMER | IBV_QP_AV | IBV_QP_CAP, init);
// }
//
// static int nb_post_send(struct ibv_qp *qp, uint64_t wr_id, int opcode, int flags,
//                         uint64_t addr, uint32_t length, uint32_t lkey,
//                         uint64_t remote_addr, uint32_t rkey, uint32_t imm) {
//     struct ibv_sge sge;
//     struct ibv_send_wr wr, *bad = NULL;
//     memset(&wr, 0, sizeof(wr));
//     sge.addr = addr;
//     sge.length = length;
//     sge.lkey = lkey;
//     wr.wr_id = wr_id;
//     wr.opcode = (enum ibv_wr_opcode)opcode;
//     wr.send_flags = (unsigned int)flags;
//     if (length > 0) {
//         wr.sg_list = &sge;
//         wr.num_sge = 1;
//     }
//     // host byte order on the wire, matching C peers that post tags raw
//     wr.imm_data = imm;
//     wr.wr.rdma.remote_addr = remote_addr;
//     wr.wr.rdma.rkey = rkey;
//     return ibv_post_send(qp, &wr, &bad);
// }
//
// static int nb_post_recv(struct ibv_qp *qp, uint64_t wr_id, uint64_t addr, uint32_t length, uint32_t lkey) {
//     struct ibv_sge sge;
//     struct ibv_recv_wr wr, *bad = NULL;
//     memset(&wr, 0, sizeof(wr));
//     sge.addr = addr;
//     sge.length = length;
//     sge.lkey = lkey;
//     wr.wr_id = wr_id;
//     if (length > 0) {
//         wr.sg_list = &sge;
//         wr.num_sge = 1;
//     }
//     return ibv_post_recv(qp, &wr, &bad);
// }
//
// static int nb_poll_cq(struct ibv_cq *cq, int n, struct nb_wc *out) {
//     struct ibv_wc wc[128];
//     if (n > 128) n = 128;
//     int got = ibv_poll_cq(cq, n, wc);
//     for (int i = 0; i < got; i++) {
//         out[i].wr_id = wc[i].wr_id;
//         out[i].status = wc[i].status;
//         out[i].opcode = wc[i].opcode;
//         out[i].vendor_err = wc[i].vendor_err;
//         out[i].byte_len = wc[i].byte_len;
//         out[i].imm_data = wc[i].imm_data;
//         out[i].qp_num = wc[i].qp_num;
//         out[i].src_qp = wc[i].src_qp;
//         out[i].wc_flags = wc[i].wc_flags;
//         out[i].pkey_index = wc[i].pkey_index;
//         out[i].slid = wc[i].slid;
//         out[i].sl = wc[i].sl;
//         out[i].dlid_path_bits = wc[i].dlid_path_bits;
//     }
//     return got;
// }
import "C"

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// maxPollBatch matches the on-stack array in nb_poll_cq.
const maxPollBatch = 128

// HardwareBackend drives real HCAs through libibverbs.
type HardwareBackend struct {
	mu          sync.RWMutex
	contexts    map[Context]*C.struct_ibv_context
	pds         map[PD]*C.struct_ibv_pd
	channels    map[CompChannel]*C.struct_ibv_comp_channel
	cqs         map[CQ]*C.struct_ibv_cq
	qps         map[QP]*C.struct_ibv_qp
	mrs         map[MR]*C.struct_ibv_mr
	metrics     *verbsMetrics
	nextHandle  uintptr
	initialized bool
}

// NewHardwareBackend returns a libibverbs backed implementation.
func NewHardwareBackend() (Backend, error) {
	return &HardwareBackend{
		contexts: make(map[Context]*C.struct_ibv_context),
		pds:      make(map[PD]*C.struct_ibv_pd),
		channels: make(map[CompChannel]*C.struct_ibv_comp_channel),
		cqs:      make(map[CQ]*C.struct_ibv_cq),
		qps:      make(map[QP]*C.struct_ibv_qp),
		mrs:      make(map[MR]*C.struct_ibv_mr),
		metrics:  &verbsMetrics{},
	}, nil
}

func errnoErr(base error, op string) error {
	return fmt.Errorf("%w: %s: errno %d", base, op, int(C.nb_errno()))
}

func (b *HardwareBackend) alloc() uintptr {
	b.nextHandle++

	return b.nextHandle
}

func (b *HardwareBackend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.initialized = true

	return nil
}

func (b *HardwareBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for h, qp := range b.qps {
		C.ibv_destroy_qp(qp)
		delete(b.qps, h)
	}

	for h, mr := range b.mrs {
		C.ibv_dereg_mr(mr)
		delete(b.mrs, h)
	}

	for h, cq := range b.cqs {
		C.ibv_destroy_cq(cq)
		delete(b.cqs, h)
	}

	for h, ch := range b.channels {
		C.ibv_destroy_comp_channel(ch)
		delete(b.channels, h)
	}

	for h, pd := range b.pds {
		C.ibv_dealloc_pd(pd)
		delete(b.pds, h)
	}

	for h, ctx := range b.contexts {
		C.ibv_close_device(ctx)
		delete(b.contexts, h)
	}

	b.initialized = false

	return nil
}

func (b *HardwareBackend) deviceList() ([]*C.struct_ibv_device, func(), error) {
	var n C.int

	list := C.ibv_get_device_list(&n)
	if list == nil {
		return nil, nil, errnoErr(ErrDeviceNotFound, "ibv_get_device_list")
	}

	devs := unsafe.Slice(list, int(n))

	return devs, func() { C.ibv_free_device_list(list) }, nil
}

func (b *HardwareBackend) GetDeviceList() ([]DeviceInfo, error) {
	if !b.initialized {
		return nil, ErrNotInitialized
	}

	devs, free, err := b.deviceList()
	if err != nil {
		return nil, err
	}
	defer free()

	result := make([]DeviceInfo, 0, len(devs))

	for _, dev := range devs {
		ctx := C.ibv_open_device(dev)
		if ctx == nil {
			continue
		}

		result = append(result, queryDevice(ctx, C.GoString(C.ibv_get_device_name(dev))))
		C.ibv_close_device(ctx)
	}

	return result, nil
}

func queryDevice(ctx *C.struct_ibv_context, name string) DeviceInfo {
	var attr C.struct_ibv_device_attr

	info := DeviceInfo{Name: name}
	if C.ibv_query_device(ctx, &attr) != 0 {
		return info
	}

	info.FWVer = C.GoString(&attr.fw_ver[0])
	info.GUID = uint64(attr.node_guid)
	info.VendorID = uint32(attr.vendor_id)
	info.VendorPartID = uint32(attr.vendor_part_id)
	info.HWVer = uint32(attr.hw_ver)
	info.PhysPortCnt = int(attr.phys_port_cnt)
	info.MaxQP = int(attr.max_qp)
	info.MaxCQE = int(attr.max_cqe)
	info.MaxMR = int(attr.max_mr)
	info.MaxQPWR = int(attr.max_qp_wr)
	info.NodeType = int(ctx.device.node_type)
	info.Transport = int(ctx.device.transport_type)

	return info
}

func (b *HardwareBackend) OpenDevice(name string) (Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return 0, ErrNotInitialized
	}

	devs, free, err := b.deviceList()
	if err != nil {
		return 0, err
	}
	defer free()

	for _, dev := range devs {
		if name != "" && C.GoString(C.ibv_get_device_name(dev)) != name {
			continue
		}

		ctx := C.ibv_open_device(dev)
		if ctx == nil {
			return 0, errnoErr(ErrContextCreation, "ibv_open_device")
		}

		h := Context(b.alloc())
		b.contexts[h] = ctx
		atomic.AddInt64(&b.metrics.DevicesOpened, 1)

		return h, nil
	}

	return 0, fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
}

func (b *HardwareBackend) CloseDevice(ctx Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.contexts[ctx]
	if !ok {
		return nil
	}

	delete(b.contexts, ctx)

	if C.ibv_close_device(c) != 0 {
		return errnoErr(ErrContextCreation, "ibv_close_device")
	}

	return nil
}

func (b *HardwareBackend) QueryDevice(ctx Context) (DeviceInfo, error) {
	b.mu.RLock()
	c, ok := b.contexts[ctx]
	b.mu.RUnlock()

	if !ok {
		return DeviceInfo{}, ErrContextCreation
	}

	return queryDevice(c, C.GoString(C.ibv_get_device_name(c.device))), nil
}

func (b *HardwareBackend) QueryPort(ctx Context, port int) (PortAttr, error) {
	b.mu.RLock()
	c, ok := b.contexts[ctx]
	b.mu.RUnlock()

	if !ok {
		return PortAttr{}, ErrContextCreation
	}

	var out C.struct_nb_port
	if rc := C.nb_query_port(c, C.int(port), &out); rc != 0 {
		return PortAttr{}, fmt.Errorf("%w: port %d: rc %d", ErrQueryPort, port, int(rc))
	}

	return PortAttr{
		Port:      port,
		State:     PortState(out.state),
		MaxMTU:    MTU(out.max_mtu),
		ActiveMTU: MTU(out.active_mtu),
		LID:       uint16(out.lid),
		SMLID:     uint16(out.sm_lid),
		LinkLayer: LinkLayer(out.link_layer),
		GIDTblLen: int(out.gid_tbl_len),
	}, nil
}

func (b *HardwareBackend) QueryGID(ctx Context, port, index int) (GID, error) {
	b.mu.RLock()
	c, ok := b.contexts[ctx]
	b.mu.RUnlock()

	if !ok {
		return GID{}, ErrContextCreation
	}

	var raw C.union_ibv_gid
	if C.ibv_query_gid(c, C.uint8_t(port), C.int(index), &raw) != 0 {
		return GID{}, errnoErr(ErrQueryGID, "ibv_query_gid")
	}

	var gid GID
	copy(gid[:], C.GoBytes(unsafe.Pointer(&raw), 16))

	return gid, nil
}

func (b *HardwareBackend) AllocPD(ctx Context) (PD, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.contexts[ctx]
	if !ok {
		return 0, ErrContextCreation
	}

	pd := C.ibv_alloc_pd(c)
	if pd == nil {
		return 0, errnoErr(ErrPDCreation, "ibv_alloc_pd")
	}

	h := PD(b.alloc())
	b.pds[h] = pd
	atomic.AddInt64(&b.metrics.PDsCreated, 1)

	return h, nil
}

func (b *HardwareBackend) DeallocPD(pd PD) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pds[pd]
	if !ok {
		return nil
	}

	delete(b.pds, pd)

	if C.ibv_dealloc_pd(p) != 0 {
		return errnoErr(ErrPDCreation, "ibv_dealloc_pd")
	}

	return nil
}

func (b *HardwareBackend) CreateCompChannel(ctx Context) (CompChannel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.contexts[ctx]
	if !ok {
		return 0, ErrContextCreation
	}

	ch := C.ibv_create_comp_channel(c)
	if ch == nil {
		return 0, errnoErr(ErrCompChannel, "ibv_create_comp_channel")
	}

	h := CompChannel(b.alloc())
	b.channels[h] = ch

	return h, nil
}

func (b *HardwareBackend) DestroyCompChannel(ch CompChannel) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.channels[ch]
	if !ok {
		return nil
	}

	delete(b.channels, ch)

	if C.ibv_destroy_comp_channel(c) != 0 {
		return errnoErr(ErrCompChannel, "ibv_destroy_comp_channel")
	}

	return nil
}

func (b *HardwareBackend) CreateCQ(ctx Context, cqe int, ch CompChannel) (CQ, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.contexts[ctx]
	if !ok {
		return 0, ErrContextCreation
	}

	var channel *C.struct_ibv_comp_channel
	if ch != 0 {
		channel = b.channels[ch]
	}

	cq := C.ibv_create_cq(c, C.int(cqe), nil, channel, 0)
	if cq == nil {
		return 0, errnoErr(ErrCQCreation, "ibv_create_cq")
	}

	h := CQ(b.alloc())
	b.cqs[h] = cq
	atomic.AddInt64(&b.metrics.CQsCreated, 1)

	return h, nil
}

func (b *HardwareBackend) DestroyCQ(cq CQ) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.cqs[cq]
	if !ok {
		return nil
	}

	delete(b.cqs, cq)

	if C.ibv_destroy_cq(c) != 0 {
		return errnoErr(ErrCQCreation, "ibv_destroy_cq")
	}

	return nil
}

func (b *HardwareBackend) PollCQ(cq CQ, numEntries int) ([]WorkCompletion, error) {
	b.mu.RLock()
	c, ok := b.cqs[cq]
	b.mu.RUnlock()

	if !ok {
		return nil, ErrPollCQ
	}

	if numEntries > maxPollBatch {
		numEntries = maxPollBatch
	}

	var out [maxPollBatch]C.struct_nb_wc

	got := int(C.nb_poll_cq(c, C.int(numEntries), &out[0]))
	if got < 0 {
		return nil, fmt.Errorf("%w: rc %d", ErrPollCQ, got)
	}

	if got == 0 {
		return nil, nil
	}

	result := make([]WorkCompletion, got)
	for i := range result {
		w := &out[i]
		result[i] = WorkCompletion{
			WRID:      uint64(w.wr_id),
			Status:    WCStatus(w.status),
			Opcode:    WCOpcode(w.opcode),
			VendorErr: uint32(w.vendor_err),
			ByteLen:   uint32(w.byte_len),
			ImmData:   uint32(w.imm_data),
			QPN:       uint32(w.qp_num),
			SrcQP:     uint32(w.src_qp),
			WCFlags:   int(w.wc_flags),
			PkeyIndex: uint16(w.pkey_index),
			SLID:      uint16(w.slid),
			SL:        uint8(w.sl),
			DLIDPath:  uint8(w.dlid_path_bits),
		}
	}

	atomic.AddInt64(&b.metrics.Completions, int64(got))

	return result, nil
}

func (b *HardwareBackend) CreateQP(pd PD, attr QPInitAttr) (QP, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pds[pd]
	if !ok {
		return 0, ErrPDCreation
	}

	var init C.struct_ibv_qp_init_attr
	init.send_cq = b.cqs[attr.SendCQ]
	init.recv_cq = b.cqs[attr.RecvCQ]
	init.qp_type = C.IBV_QPT_RC
	init.cap.max_send_wr = C.uint32_t(attr.MaxSendWR)
	init.cap.max_recv_wr = C.uint32_t(attr.MaxRecvWR)
	init.cap.max_send_sge = C.uint32_t(attr.MaxSendSGE)
	init.cap.max_recv_sge = C.uint32_t(attr.MaxRecvSGE)
	init.cap.max_inline_data = C.uint32_t(attr.MaxInlineData)

	if attr.SigAll {
		init.sq_sig_all = 1
	}

	qp := C.ibv_create_qp(p, &init)
	if qp == nil {
		return 0, errnoErr(ErrQPCreation, "ibv_create_qp")
	}

	h := QP(b.alloc())
	b.qps[h] = qp
	atomic.AddInt64(&b.metrics.QPsCreated, 1)

	return h, nil
}

func (b *HardwareBackend) qp(qp QP) (*C.struct_ibv_qp, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	q, ok := b.qps[qp]
	if !ok {
		return nil, ErrQPCreation
	}

	return q, nil
}

func (b *HardwareBackend) DestroyQP(qp QP) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.qps[qp]
	if !ok {
		return nil
	}

	delete(b.qps, qp)

	if C.ibv_destroy_qp(q) != 0 {
		return errnoErr(ErrQPCreation, "ibv_destroy_qp")
	}

	return nil
}

func (b *HardwareBackend) ModifyQPToInit(qp QP, attr InitAttr) error {
	q, err := b.qp(qp)
	if err != nil {
		return err
	}

	if rc := C.nb_modify_init(q, C.int(attr.Port), C.int(attr.PKeyIndex), C.int(attr.AccessFlags)); rc != 0 {
		return fmt.Errorf("%w: INIT: rc %d", ErrModifyQP, int(rc))
	}

	return nil
}

func (b *HardwareBackend) ModifyQPToRTR(qp QP, attr RTRAttr) error {
	q, err := b.qp(qp)
	if err != nil {
		return err
	}

	ah := attr.AH
	global := 0

	if ah.IsGlobal {
		global = 1
	}

	dgid := C.CBytes(ah.GRH.DGID[:])
	defer C.free(dgid)

	rc := C.nb_modify_rtr(q, C.int(attr.PathMTU), C.uint32_t(attr.DestQPN), C.uint32_t(attr.RQPSN),
		C.int(attr.MaxDestRdAtomic), C.int(attr.MinRNRTimer), C.int(ah.DLID), C.int(ah.SL),
		C.int(ah.SrcPathBits), C.int(ah.PortNum), C.int(global), (*C.uint8_t)(dgid),
		C.int(ah.GRH.FlowLabel), C.int(ah.GRH.HopLimit), C.int(ah.GRH.SGIDIndex), C.int(ah.GRH.TrafficClass))
	if rc != 0 {
		return fmt.Errorf("%w: RTR: rc %d", ErrModifyQP, int(rc))
	}

	return nil
}

func (b *HardwareBackend) ModifyQPToRTS(qp QP, attr RTSAttr) error {
	q, err := b.qp(qp)
	if err != nil {
		return err
	}

	rc := C.nb_modify_rts(q, C.int(attr.Timeout), C.int(attr.RetryCnt), C.int(attr.RNRRetry),
		C.uint32_t(attr.SQPSN), C.int(attr.MaxRdAtomic))
	if rc != 0 {
		return fmt.Errorf("%w: RTS: rc %d", ErrModifyQP, int(rc))
	}

	return nil
}

func (b *HardwareBackend) ModifyQPToReset(qp QP) error {
	q, err := b.qp(qp)
	if err != nil {
		return err
	}

	if rc := C.nb_modify_reset(q); rc != 0 {
		return fmt.Errorf("%w: RESET: rc %d", ErrModifyQP, int(rc))
	}

	return nil
}

func (b *HardwareBackend) QueryQP(qp QP) (*QPAttr, error) {
	q, err := b.qp(qp)
	if err != nil {
		return nil, err
	}

	var (
		attr C.struct_ibv_qp_attr
		init C.struct_ibv_qp_init_attr
	)

	if rc := C.nb_query_qp(q, &attr, &init); rc != 0 {
		return nil, fmt.Errorf("%w: query: rc %d", ErrModifyQP, int(rc))
	}

	out := &QPAttr{
		State:           QPState(attr.qp_state),
		PathMTU:         MTU(attr.path_mtu),
		QPN:             uint32(q.qp_num),
		DestQPN:         uint32(attr.dest_qp_num),
		RQPSN:           uint32(attr.rq_psn),
		SQPSN:           uint32(attr.sq_psn),
		AccessFlags:     int(attr.qp_access_flags),
		MaxRdAtomic:     uint8(attr.max_rd_atomic),
		MaxDestRdAtomic: uint8(attr.max_dest_rd_atomic),
		MinRNRTimer:     uint8(attr.min_rnr_timer),
		PortNum:         uint8(attr.port_num),
		Timeout:         uint8(attr.timeout),
		RetryCnt:        uint8(attr.retry_cnt),
		RNRRetry:        uint8(attr.rnr_retry),
		Cap: QPCap{
			MaxSendWR:     uint32(attr.cap.max_send_wr),
			MaxRecvWR:     uint32(attr.cap.max_recv_wr),
			MaxSendSge:    uint32(attr.cap.max_send_sge),
			MaxRecvSge:    uint32(attr.cap.max_recv_sge),
			MaxInlineData: uint32(attr.cap.max_inline_data),
		},
		AH: AHAttr{
			DLID:        uint16(attr.ah_attr.dlid),
			SL:          uint8(attr.ah_attr.sl),
			SrcPathBits: uint8(attr.ah_attr.src_path_bits),
			StaticRate:  uint8(attr.ah_attr.static_rate),
			IsGlobal:    attr.ah_attr.is_global != 0,
			PortNum:     uint8(attr.ah_attr.port_num),
			GRH: GlobalRoute{
				FlowLabel:    uint32(attr.ah_attr.grh.flow_label),
				SGIDIndex:    uint8(attr.ah_attr.grh.sgid_index),
				HopLimit:     uint8(attr.ah_attr.grh.hop_limit),
				TrafficClass: uint8(attr.ah_attr.grh.traffic_class),
			},
		},
	}
	copy(out.AH.GRH.DGID[:], C.GoBytes(unsafe.Pointer(&attr.ah_attr.grh.dgid), 16))

	return out, nil
}

func (b *HardwareBackend) RegMR(pd PD, addr uintptr, length int, access int) (MemoryRegion, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pds[pd]
	if !ok {
		return MemoryRegion{}, ErrPDCreation
	}

	// addr refers to mmap'd memory outside the Go heap.
	mr := C.ibv_reg_mr(p, unsafe.Pointer(addr), C.size_t(length), C.int(access)) //nolint:govet // non-heap memory
	if mr == nil {
		return MemoryRegion{}, errnoErr(ErrMRCreation, "ibv_reg_mr")
	}

	h := MR(b.alloc())
	b.mrs[h] = mr
	atomic.AddInt64(&b.metrics.MRsRegistered, 1)

	return MemoryRegion{
		Handle: h,
		Addr:   addr,
		Length: length,
		Access: access,
		LKey:   uint32(mr.lkey),
		RKey:   uint32(mr.rkey),
	}, nil
}

func (b *HardwareBackend) DeregMR(mr MR) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.mrs[mr]
	if !ok {
		return fmt.Errorf("%w: unknown memory region", ErrMRCreation)
	}

	delete(b.mrs, mr)

	if C.ibv_dereg_mr(m) != 0 {
		return errnoErr(ErrMRCreation, "ibv_dereg_mr")
	}

	return nil
}

func (b *HardwareBackend) PostSend(qp QP, wr *SendWR) error {
	q, err := b.qp(qp)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPostSend, err)
	}

	var sge SGE
	if len(wr.SGList) > 0 {
		sge = wr.SGList[0]
	}

	rc := C.nb_post_send(q, C.uint64_t(wr.WRID), C.int(wr.Opcode), C.int(wr.SendFlags),
		C.uint64_t(sge.Addr), C.uint32_t(sge.Length), C.uint32_t(sge.LKey),
		C.uint64_t(wr.RemoteAddr), C.uint32_t(wr.RKey), C.uint32_t(wr.ImmData))
	if rc != 0 {
		atomic.AddInt64(&b.metrics.Errors, 1)

		return fmt.Errorf("%w: rc %d", ErrPostSend, int(rc))
	}

	switch wr.Opcode {
	case WROpRDMARead:
		atomic.AddInt64(&b.metrics.RDMAReads, 1)
	case WROpRDMAWrite, WROpRDMAWriteWithImm:
		atomic.AddInt64(&b.metrics.RDMAWrites, 1)
	default:
		atomic.AddInt64(&b.metrics.SendsPosted, 1)
	}

	return nil
}

func (b *HardwareBackend) PostRecv(qp QP, wr *RecvWR) error {
	q, err := b.qp(qp)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPostRecv, err)
	}

	var sge SGE
	if len(wr.SGList) > 0 {
		sge = wr.SGList[0]
	}

	rc := C.nb_post_recv(q, C.uint64_t(wr.WRID), C.uint64_t(sge.Addr), C.uint32_t(sge.Length), C.uint32_t(sge.LKey))
	if rc != 0 {
		atomic.AddInt64(&b.metrics.Errors, 1)

		return fmt.Errorf("%w: rc %d", ErrPostRecv, int(rc))
	}

	atomic.AddInt64(&b.metrics.RecvsPosted, 1)

	return nil
}

func (b *HardwareBackend) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"simulated":      false,
		"devices_opened": atomic.LoadInt64(&b.metrics.DevicesOpened),
		"pds_created":    atomic.LoadInt64(&b.metrics.PDsCreated),
		"cqs_created":    atomic.LoadInt64(&b.metrics.CQsCreated),
		"qps_created":    atomic.LoadInt64(&b.metrics.QPsCreated),
		"mrs_registered": atomic.LoadInt64(&b.metrics.MRsRegistered),
		"sends_posted":   atomic.LoadInt64(&b.metrics.SendsPosted),
		"recvs_posted":   atomic.LoadInt64(&b.metrics.RecvsPosted),
		"rdma_reads":     atomic.LoadInt64(&b.metrics.RDMAReads),
		"rdma_writes":    atomic.LoadInt64(&b.metrics.RDMAWrites),
		"completions":    atomic.LoadInt64(&b.metrics.Completions),
		"errors":         atomic.LoadInt64(&b.metrics.Errors),
	}
}
