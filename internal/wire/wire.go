// Package wire holds the byte layouts two peers exchange: the handshake
// connection descriptor, the in-band remote buffer descriptor and the
// 32-bit message tags carried as immediate data.
//
// Every layout is little-endian and packed. The sizes are part of the
// protocol and must never change.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/piwi3910/nebulardma/internal/rdmaerr"
)

const (
	// AdapterInfoSize is the encoded size of AdapterInfo.
	AdapterInfoSize = 16 + 4 + 2 + 1 + 1 + UniqueIDSize

	// CommDescriptorSize is the encoded size of CommDescriptor.
	CommDescriptorSize = 8 + 8 + 4 + 4

	// UniqueIDSize is the fixed width of the NUL padded unique id field.
	UniqueIDSize = 128

	// MaxUniqueIDLen bounds the id a local adapter may advertise. The
	// remaining bytes are reserved for a suffix added by the peer.
	MaxUniqueIDLen = UniqueIDSize - 20
)

// AdapterInfo is the connection descriptor exchanged during the handshake.
type AdapterInfo struct {
	GID       [16]byte
	QPN       uint32
	LID       uint16
	LinkLayer uint8
	ActiveMTU uint8
	UniqueID  [UniqueIDSize]byte
}

// SetID stores id NUL padded. It fails when id does not fit.
func (a *AdapterInfo) SetID(id string) error {
	if len(id) >= MaxUniqueIDLen {
		return rdmaerr.Configuration("unique id %q is %d bytes, must be below %d", id, len(id), MaxUniqueIDLen)
	}

	a.UniqueID = [UniqueIDSize]byte{}
	copy(a.UniqueID[:], id)

	return nil
}

// ID returns the unique id without padding.
func (a AdapterInfo) ID() string {
	if i := bytes.IndexByte(a.UniqueID[:], 0); i >= 0 {
		return string(a.UniqueID[:i])
	}

	return string(a.UniqueID[:])
}

// IsZero reports whether the descriptor carries no identity.
func (a AdapterInfo) IsZero() bool {
	return a.UniqueID[0] == 0
}

// MarshalBinary encodes the descriptor into exactly AdapterInfoSize bytes.
func (a *AdapterInfo) MarshalBinary() ([]byte, error) {
	buf := make([]byte, AdapterInfoSize)

	copy(buf[0:16], a.GID[:])
	binary.LittleEndian.PutUint32(buf[16:20], a.QPN)
	binary.LittleEndian.PutUint16(buf[20:22], a.LID)
	buf[22] = a.LinkLayer
	buf[23] = a.ActiveMTU
	copy(buf[24:], a.UniqueID[:])

	return buf, nil
}

// UnmarshalBinary decodes a descriptor. The input must be exactly
// AdapterInfoSize bytes.
func (a *AdapterInfo) UnmarshalBinary(data []byte) error {
	if len(data) != AdapterInfoSize {
		return rdmaerr.ProtocolViolation("adapter info is %d bytes, want %d", len(data), AdapterInfoSize)
	}

	copy(a.GID[:], data[0:16])
	a.QPN = binary.LittleEndian.Uint32(data[16:20])
	a.LID = binary.LittleEndian.Uint16(data[20:22])
	a.LinkLayer = data[22]
	a.ActiveMTU = data[23]
	copy(a.UniqueID[:], data[24:])

	return nil
}

// CommDescriptor describes a registered remote buffer. It is only valid
// while the peer keeps the registration alive.
type CommDescriptor struct {
	Addr     uint64
	Length   uint64
	RKey     uint32
	Reserved uint32
}

// MarshalBinary encodes the descriptor into exactly CommDescriptorSize bytes.
func (d CommDescriptor) MarshalBinary() ([]byte, error) {
	buf := make([]byte, CommDescriptorSize)
	d.Put(buf)

	return buf, nil
}

// Put writes the encoded descriptor into buf, which must hold at least
// CommDescriptorSize bytes. It is used to fill registered send buffers
// without an intermediate allocation.
func (d CommDescriptor) Put(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], d.Addr)
	binary.LittleEndian.PutUint64(buf[8:16], d.Length)
	binary.LittleEndian.PutUint32(buf[16:20], d.RKey)
	binary.LittleEndian.PutUint32(buf[20:24], d.Reserved)
}

// UnmarshalBinary decodes a descriptor from the first CommDescriptorSize
// bytes of data.
func (d *CommDescriptor) UnmarshalBinary(data []byte) error {
	if len(data) < CommDescriptorSize {
		return rdmaerr.ProtocolViolation("comm descriptor is %d bytes, want %d", len(data), CommDescriptorSize)
	}

	d.Addr = binary.LittleEndian.Uint64(data[0:8])
	d.Length = binary.LittleEndian.Uint64(data[8:16])
	d.RKey = binary.LittleEndian.Uint32(data[16:20])
	d.Reserved = binary.LittleEndian.Uint32(data[20:24])

	return nil
}

func (d CommDescriptor) String() string {
	return fmt.Sprintf("addr=%#x len=%d rkey=%#x", d.Addr, d.Length, d.RKey)
}

// Tag is an application message type carried as immediate data.
// Tag 0 means no special handling.
type Tag uint32

const (
	TagUnset               Tag = 0
	TagRawDataBlock        Tag = 1
	TagTestForConnection   Tag = 2
	TagTestForSyncData     Tag = 3
	TagSayHello            Tag = 127
	TagRequestExchangeKey  Tag = 1<<31 + 1
	TagResponseExchangeKey Tag = 1<<31 + 2
)

func (t Tag) String() string {
	switch t {
	case TagUnset:
		return "UNSET"
	case TagRawDataBlock:
		return "RAW_DATA_BLOCK"
	case TagTestForConnection:
		return "TEST_FOR_CONNECTION"
	case TagTestForSyncData:
		return "TEST_FOR_SYNC_DATA"
	case TagSayHello:
		return "SAY_HELLO"
	case TagRequestExchangeKey:
		return "REQUEST_EXCHANGE_KEY"
	case TagResponseExchangeKey:
		return "RESPONSE_EXCHANGE_KEY"
	default:
		return fmt.Sprintf("TAG(%d)", uint32(t))
	}
}
