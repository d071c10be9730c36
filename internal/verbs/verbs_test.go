package verbs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMTUBytes(t *testing.T) {
	tests := []struct {
		mtu  MTU
		want int
	}{
		{MTU256, 256},
		{MTU512, 512},
		{MTU1024, 1024},
		{MTU2048, 2048},
		{MTU4096, 4096},
		{MTU(0), 0},
		{MTU(6), 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.mtu.Bytes(), "mtu %d", uint8(tt.mtu))
	}
}

func TestMTUFromBytes(t *testing.T) {
	m, err := MTUFromBytes(1024)
	require.NoError(t, err)
	assert.Equal(t, MTU1024, m)

	_, err = MTUFromBytes(1500)
	assert.Error(t, err)
}

func TestWCStatusString(t *testing.T) {
	assert.Equal(t, "success", WCSuccess.String())
	assert.Equal(t, "Work Request Flushed Error", WCWRFlushErr.String())
	assert.Equal(t, "transport retry counter exceeded", WCRetryExcErr.String())
	assert.Equal(t, "general error", WCGeneralErr.String())
	assert.Equal(t, "unknown", WCStatus(99).String())
}

func TestWCOpcodeString(t *testing.T) {
	assert.Equal(t, "IBV_WC_SEND", WCOpSend.String())
	assert.Equal(t, "IBV_WC_RECV_RDMA_WITH_IMM", WCOpRecvRDMAWithImm.String())
	assert.Equal(t, "IBV_WC_UNKNOWN(42)", WCOpcode(42).String())
}

func TestGIDString(t *testing.T) {
	var gid GID
	assert.True(t, gid.IsZero())

	gid[0], gid[15] = 0xfe, 0x01
	assert.False(t, gid.IsZero())
	assert.Equal(t, "fe:00:00:00:00:00:00:00:00:00:00:00:00:00:00:01", gid.String())
}

func TestQPStateString(t *testing.T) {
	assert.Equal(t, "RTS", QPStateRTS.String())
	assert.Equal(t, "QPState(42)", QPState(42).String())
}

func TestWorkCompletionHasImm(t *testing.T) {
	wc := WorkCompletion{WCFlags: WCFlagWithImm}
	assert.True(t, wc.HasImm())

	wc.WCFlags = WCFlagGRH
	assert.False(t, wc.HasImm())
}
