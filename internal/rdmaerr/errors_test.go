package rdmaerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"configuration", Configuration("bad cq_key %q", ""), ErrConfiguration},
		{"resource", ResourceAllocation("no pd on %s", "mlx5_0"), ErrResourceAllocation},
		{"protocol", ProtocolViolation("duplicate buffer %s", "x"), ErrProtocolViolation},
		{"transport", TransportFailure("short read"), ErrTransportFailure},
		{"wrapped twice", fmt.Errorf("failed to connect: %w", TransportFailure("reset")), ErrTransportFailure},
		{"foreign", errors.New("boom"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}

func TestMessageFormat(t *testing.T) {
	err := Configuration("invalid data length %d", 4096)
	assert.Equal(t, "configuration error: invalid data length 4096", err.Error())
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.NotErrorIs(t, err, ErrTransportFailure)
}
