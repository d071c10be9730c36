package wire

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/nebulardma/internal/rdmaerr"
)

func TestSizes(t *testing.T) {
	assert.Equal(t, 152, AdapterInfoSize)
	assert.Equal(t, 24, CommDescriptorSize)
}

func TestAdapterInfoLayout(t *testing.T) {
	info := AdapterInfo{QPN: 0x01020304, LID: 0x0506, LinkLayer: 2, ActiveMTU: 5}
	info.GID[0] = 0xfe
	info.GID[15] = 0x01
	require.NoError(t, info.SetID("RDMAEndPoint(a-->b)"))

	data, err := info.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, AdapterInfoSize)

	assert.Equal(t, byte(0xfe), data[0])
	assert.Equal(t, byte(0x01), data[15])
	assert.Equal(t, uint32(0x01020304), binary.LittleEndian.Uint32(data[16:]))
	assert.Equal(t, uint16(0x0506), binary.LittleEndian.Uint16(data[20:]))
	assert.Equal(t, byte(2), data[22])
	assert.Equal(t, byte(5), data[23])
	assert.Equal(t, "RDMAEndPoint(a-->b)", string(data[24:24+19]))
	assert.Equal(t, byte(0), data[24+19])

	var decoded AdapterInfo
	require.NoError(t, decoded.UnmarshalBinary(data))
	assert.Equal(t, info, decoded)
	assert.Equal(t, "RDMAEndPoint(a-->b)", decoded.ID())
}

func TestAdapterInfoUnmarshalWrongSize(t *testing.T) {
	var info AdapterInfo

	err := info.UnmarshalBinary(make([]byte, AdapterInfoSize-1))
	assert.ErrorIs(t, err, rdmaerr.ErrProtocolViolation)
}

func TestAdapterInfoSetIDTooLong(t *testing.T) {
	var info AdapterInfo

	err := info.SetID(strings.Repeat("x", MaxUniqueIDLen))
	assert.ErrorIs(t, err, rdmaerr.ErrConfiguration)
	assert.True(t, info.IsZero())

	require.NoError(t, info.SetID(strings.Repeat("x", MaxUniqueIDLen-1)))
	assert.False(t, info.IsZero())
}

func TestCommDescriptorLayout(t *testing.T) {
	desc := CommDescriptor{Addr: 0x1122334455667788, Length: 10000, RKey: 0xabcd}

	data, err := desc.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, CommDescriptorSize)

	assert.Equal(t, uint64(0x1122334455667788), binary.LittleEndian.Uint64(data[0:]))
	assert.Equal(t, uint64(10000), binary.LittleEndian.Uint64(data[8:]))
	assert.Equal(t, uint32(0xabcd), binary.LittleEndian.Uint32(data[16:]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(data[20:]))

	var decoded CommDescriptor
	require.NoError(t, decoded.UnmarshalBinary(data))
	assert.Equal(t, desc, decoded)

	err = decoded.UnmarshalBinary(data[:10])
	assert.ErrorIs(t, err, rdmaerr.ErrProtocolViolation)
}

func TestTagString(t *testing.T) {
	tests := []struct {
		tag  Tag
		want string
	}{
		{TagUnset, "UNSET"},
		{TagTestForSyncData, "TEST_FOR_SYNC_DATA"},
		{TagSayHello, "SAY_HELLO"},
		{TagRequestExchangeKey, "REQUEST_EXCHANGE_KEY"},
		{TagResponseExchangeKey, "RESPONSE_EXCHANGE_KEY"},
		{Tag(42), "TAG(42)"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.tag.String())
		})
	}

	assert.Equal(t, uint32(2147483649), uint32(TagRequestExchangeKey))
}
