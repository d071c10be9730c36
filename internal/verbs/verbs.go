// Package verbs provides the libibverbs abstraction layer used by the
// transport.
//
// It defines the interface between the device/adapter layers and the
// underlying RDMA hardware:
// - Hardware abstraction for different RDMA implementations
// - CGo bindings for libibverbs (when built with hardware support)
// - Simulated in-process fabric for development and testing
//
// Build Tags:
// - Default: only the simulated backend is available
// - rdma_hw: NewHardwareBackend uses actual libibverbs bindings
//
// To build with hardware support:
//
//	go build -tags rdma_hw ./...
package verbs

import (
	"errors"
	"fmt"
	"strings"
)

// Verbs errors.
var (
	ErrNotInitialized      = errors.New("verbs not initialized")
	ErrDeviceNotFound      = errors.New("RDMA device not found")
	ErrContextCreation     = errors.New("failed to create device context")
	ErrPDCreation          = errors.New("failed to create protection domain")
	ErrCQCreation          = errors.New("failed to create completion queue")
	ErrQPCreation          = errors.New("failed to create queue pair")
	ErrMRCreation          = errors.New("failed to create memory region")
	ErrCompChannel         = errors.New("failed to create completion channel")
	ErrPostSend            = errors.New("failed to post send request")
	ErrPostRecv            = errors.New("failed to post receive request")
	ErrPollCQ              = errors.New("failed to poll completion queue")
	ErrModifyQP            = errors.New("failed to modify queue pair state")
	ErrQueryPort           = errors.New("failed to query port")
	ErrQueryGID            = errors.New("failed to query gid")
	ErrQueueFull           = errors.New("work queue is full")
	ErrHardwareUnavailable = errors.New("hardware verbs backend not compiled in (build with -tags rdma_hw)")
)

// Backend defines the interface for RDMA verbs operations.
// This abstraction allows switching between simulated and hardware backends.
type Backend interface {
	// Initialization
	Init() error
	Close() error

	// Device Management
	GetDeviceList() ([]DeviceInfo, error)
	OpenDevice(name string) (Context, error)
	CloseDevice(ctx Context) error
	QueryDevice(ctx Context) (DeviceInfo, error)
	QueryPort(ctx Context, port int) (PortAttr, error)
	QueryGID(ctx Context, port, index int) (GID, error)

	// Protection Domain
	AllocPD(ctx Context) (PD, error)
	DeallocPD(pd PD) error

	// Completion Channel and Queue
	CreateCompChannel(ctx Context) (CompChannel, error)
	DestroyCompChannel(ch CompChannel) error
	CreateCQ(ctx Context, cqe int, ch CompChannel) (CQ, error)
	DestroyCQ(cq CQ) error
	PollCQ(cq CQ, numEntries int) ([]WorkCompletion, error)

	// Queue Pair
	CreateQP(pd PD, attr QPInitAttr) (QP, error)
	DestroyQP(qp QP) error
	ModifyQPToInit(qp QP, attr InitAttr) error
	ModifyQPToRTR(qp QP, attr RTRAttr) error
	ModifyQPToRTS(qp QP, attr RTSAttr) error
	ModifyQPToReset(qp QP) error
	QueryQP(qp QP) (*QPAttr, error)

	// Memory Registration
	RegMR(pd PD, addr uintptr, length int, access int) (MemoryRegion, error)
	DeregMR(mr MR) error

	// Work Requests
	PostSend(qp QP, wr *SendWR) error
	PostRecv(qp QP, wr *RecvWR) error

	// Metrics
	GetMetrics() map[string]interface{}
}

// Handle types for verbs objects.
type Context uintptr
type PD uintptr
type CQ uintptr
type QP uintptr
type MR uintptr
type CompChannel uintptr

// QPType represents queue pair types.
type QPType int

const (
	QPTypeRC  QPType = iota // Reliable Connection
	QPTypeUC                // Unreliable Connection
	QPTypeUD                // Unreliable Datagram
	QPTypeXRC               // Extended Reliable Connection
)

// QPState mirrors enum ibv_qp_state.
type QPState int

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
	QPStateSQD
	QPStateSQE
	QPStateErr
)

func (s QPState) String() string {
	switch s {
	case QPStateReset:
		return "RESET"
	case QPStateInit:
		return "INIT"
	case QPStateRTR:
		return "RTR"
	case QPStateRTS:
		return "RTS"
	case QPStateSQD:
		return "SQD"
	case QPStateSQE:
		return "SQE"
	case QPStateErr:
		return "ERR"
	default:
		return fmt.Sprintf("QPState(%d)", int(s))
	}
}

// MTU mirrors enum ibv_mtu.
type MTU uint8

const (
	MTU256  MTU = 1
	MTU512  MTU = 2
	MTU1024 MTU = 3
	MTU2048 MTU = 4
	MTU4096 MTU = 5
)

// Bytes returns the MTU size in bytes, or 0 for an invalid value.
func (m MTU) Bytes() int {
	if m < MTU256 || m > MTU4096 {
		return 0
	}

	return 128 << m
}

func (m MTU) String() string {
	if b := m.Bytes(); b > 0 {
		return fmt.Sprintf("%d", b)
	}

	return fmt.Sprintf("MTU(%d)", uint8(m))
}

// MTUFromBytes converts 256..4096 to the verbs enum.
func MTUFromBytes(n int) (MTU, error) {
	for m := MTU256; m <= MTU4096; m++ {
		if m.Bytes() == n {
			return m, nil
		}
	}

	return 0, fmt.Errorf("invalid mtu %d: must be one of 256, 512, 1024, 2048, 4096", n)
}

// LinkLayer mirrors IBV_LINK_LAYER_*.
type LinkLayer uint8

const (
	LinkLayerUnspecified LinkLayer = iota
	LinkLayerInfiniBand
	LinkLayerEthernet
)

func (l LinkLayer) String() string {
	switch l {
	case LinkLayerInfiniBand:
		return "InfiniBand"
	case LinkLayerEthernet:
		return "Ethernet"
	default:
		return "Unspecified"
	}
}

// PortState mirrors enum ibv_port_state.
type PortState int

const (
	PortStateNop PortState = iota
	PortStateDown
	PortStateInit
	PortStateArmed
	PortStateActive
	PortStateActiveDefer
)

// Memory region access flags.
const (
	AccessLocalWrite   = 1 << 0
	AccessRemoteWrite  = 1 << 1
	AccessRemoteRead   = 1 << 2
	AccessRemoteAtomic = 1 << 3
)

// Send flags.
const (
	SendFence     = 1 << 0
	SendSignaled  = 1 << 1
	SendSolicited = 1 << 2
	SendInline    = 1 << 3
)

// Work completion flags.
const (
	WCFlagGRH     = 1 << 0
	WCFlagWithImm = 1 << 1
)

// WROpcode mirrors enum ibv_wr_opcode for the opcodes the transport posts.
type WROpcode int

const (
	WROpRDMAWrite WROpcode = iota
	WROpRDMAWriteWithImm
	WROpSend
	WROpSendWithImm
	WROpRDMARead
)

func (o WROpcode) String() string {
	switch o {
	case WROpRDMAWrite:
		return "rdma_write"
	case WROpRDMAWriteWithImm:
		return "rdma_write_with_imm"
	case WROpSend:
		return "send"
	case WROpSendWithImm:
		return "send_with_imm"
	case WROpRDMARead:
		return "rdma_read"
	default:
		return fmt.Sprintf("wr_opcode(%d)", int(o))
	}
}

// Work completion status.
type WCStatus int

const (
	WCSuccess WCStatus = iota
	WCLocalLenErr
	WCLocalQPOpErr
	WCLocalEECOpErr
	WCLocalProtErr
	WCWRFlushErr
	WCMWBindErr
	WCBadRespErr
	WCLocalAccessErr
	WCRemoteInvalidReqErr
	WCRemoteAccessErr
	WCRemoteOpErr
	WCRetryExcErr
	WCRnrRetryExcErr
	WCLocalRddViolErr
	WCRemoteInvalidRdReqErr
	WCRemoteAbortedErr
	WCInvEECNErr
	WCInvEECStateErr
	WCFatalErr
	WCRespTimeoutErr
	WCGeneralErr
)

var wcStatusNames = [...]string{
	"success",
	"local length error",
	"local QP operation error",
	"local EE context operation error",
	"local protection error",
	"Work Request Flushed Error",
	"memory management operation error",
	"bad response error",
	"local access error",
	"remote invalid request error",
	"remote access error",
	"remote operation error",
	"transport retry counter exceeded",
	"RNR retry counter exceeded",
	"local RDD violation error",
	"remote invalid RD request",
	"aborted error",
	"invalid EE context number",
	"invalid EE context state",
	"fatal error",
	"response timeout error",
	"general error",
}

// String matches ibv_wc_status_str.
func (s WCStatus) String() string {
	if s >= 0 && int(s) < len(wcStatusNames) {
		return wcStatusNames[s]
	}

	return "unknown"
}

// Work completion opcode. Values match enum ibv_wc_opcode.
type WCOpcode int

const (
	WCOpSend            WCOpcode = 0
	WCOpRDMAWrite       WCOpcode = 1
	WCOpRDMARead        WCOpcode = 2
	WCOpCompSwap        WCOpcode = 3
	WCOpFetchAdd        WCOpcode = 4
	WCOpBindMW          WCOpcode = 5
	WCOpLocalInv        WCOpcode = 6
	WCOpRecv            WCOpcode = 128
	WCOpRecvRDMAWithImm WCOpcode = 129
)

func (o WCOpcode) String() string {
	switch o {
	case WCOpSend:
		return "IBV_WC_SEND"
	case WCOpRDMAWrite:
		return "IBV_WC_RDMA_WRITE"
	case WCOpRDMARead:
		return "IBV_WC_RDMA_READ"
	case WCOpCompSwap:
		return "IBV_WC_COMP_SWAP"
	case WCOpFetchAdd:
		return "IBV_WC_FETCH_ADD"
	case WCOpBindMW:
		return "IBV_WC_BIND_MW"
	case WCOpLocalInv:
		return "IBV_WC_LOCAL_INV"
	case WCOpRecv:
		return "IBV_WC_RECV"
	case WCOpRecvRDMAWithImm:
		return "IBV_WC_RECV_RDMA_WITH_IMM"
	default:
		return fmt.Sprintf("IBV_WC_UNKNOWN(%d)", int(o))
	}
}

// GID is a 128-bit port global identifier.
type GID [16]byte

// String renders the GID as 16 colon-separated hex bytes.
func (g GID) String() string {
	var sb strings.Builder

	for i, b := range g {
		if i > 0 {
			sb.WriteByte(':')
		}

		fmt.Fprintf(&sb, "%02x", b)
	}

	return sb.String()
}

// IsZero reports whether every byte of the GID is zero.
func (g GID) IsZero() bool {
	return g == GID{}
}

// DeviceInfo contains RDMA device information.
type DeviceInfo struct {
	Name         string
	FWVer        string
	GUID         uint64
	NodeType     int
	Transport    int
	PhysPortCnt  int
	VendorID     uint32
	VendorPartID uint32
	HWVer        uint32
	MaxQP        int
	MaxCQE       int
	MaxMR        int
	MaxQPWR      int
}

// PortAttr contains the subset of ibv_port_attr the transport consumes.
type PortAttr struct {
	Port      int
	State     PortState
	MaxMTU    MTU
	ActiveMTU MTU
	LID       uint16
	SMLID     uint16
	LinkLayer LinkLayer
	GIDTblLen int
}

// WorkCompletion represents a work completion entry.
type WorkCompletion struct {
	WRID      uint64
	Status    WCStatus
	Opcode    WCOpcode
	VendorErr uint32
	ByteLen   uint32
	ImmData   uint32
	QPN       uint32
	SrcQP     uint32
	WCFlags   int
	PkeyIndex uint16
	SLID      uint16
	SL        uint8
	DLIDPath  uint8
}

// HasImm reports whether the completion carries immediate data.
func (wc *WorkCompletion) HasImm() bool {
	return wc.WCFlags&WCFlagWithImm != 0
}

// QPInitAttr configures a new queue pair.
type QPInitAttr struct {
	SendCQ        CQ
	RecvCQ        CQ
	Type          QPType
	MaxSendWR     int
	MaxRecvWR     int
	MaxSendSGE    int
	MaxRecvSGE    int
	MaxInlineData int
	SigAll        bool
}

// InitAttr holds the RESET->INIT transition parameters.
type InitAttr struct {
	Port        int
	PKeyIndex   uint16
	AccessFlags int
}

// RTRAttr holds the INIT->RTR transition parameters.
type RTRAttr struct {
	PathMTU         MTU
	DestQPN         uint32
	RQPSN           uint32
	MaxDestRdAtomic uint8
	MinRNRTimer     uint8
	AH              AHAttr
}

// RTSAttr holds the RTR->RTS transition parameters.
type RTSAttr struct {
	Timeout     uint8
	RetryCnt    uint8
	RNRRetry    uint8
	SQPSN       uint32
	MaxRdAtomic uint8
}

// QPAttr contains queue pair attributes.
type QPAttr struct {
	State           QPState
	PathMTU         MTU
	AH              AHAttr
	QPN             uint32
	DestQPN         uint32
	RQPSN           uint32
	SQPSN           uint32
	AccessFlags     int
	Cap             QPCap
	MaxRdAtomic     uint8
	MaxDestRdAtomic uint8
	MinRNRTimer     uint8
	PortNum         uint8
	Timeout         uint8
	RetryCnt        uint8
	RNRRetry        uint8
}

// AHAttr contains address handle attributes.
type AHAttr struct {
	GRH         GlobalRoute
	DLID        uint16
	SL          uint8
	SrcPathBits uint8
	StaticRate  uint8
	IsGlobal    bool
	PortNum     uint8
}

// GlobalRoute contains global routing info.
type GlobalRoute struct {
	DGID         GID
	FlowLabel    uint32
	SGIDIndex    uint8
	HopLimit     uint8
	TrafficClass uint8
}

// QPCap contains queue pair capabilities.
type QPCap struct {
	MaxSendWR     uint32
	MaxRecvWR     uint32
	MaxSendSge    uint32
	MaxRecvSge    uint32
	MaxInlineData uint32
}

// SendWR represents a send work request. RemoteAddr and RKey are used by
// the RDMA opcodes, ImmData by the *WithImm opcodes.
type SendWR struct {
	SGList     []SGE
	WRID       uint64
	Opcode     WROpcode
	SendFlags  int
	RemoteAddr uint64
	ImmData    uint32
	RKey       uint32
}

// RecvWR represents a receive work request.
type RecvWR struct {
	SGList []SGE
	WRID   uint64
}

// SGE represents a scatter/gather entry.
type SGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}

// MemoryRegion is a registered memory range and its keys.
type MemoryRegion struct {
	Handle MR
	Addr   uintptr
	Length int
	Access int
	LKey   uint32
	RKey   uint32
}
