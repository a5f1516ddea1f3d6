package capacity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowedWorkerCount(t *testing.T) {
	tests := []struct {
		name      string
		requested int
		cap       Capability
		want      int
	}{
		{"within default ceiling", 4, CapabilityDefault, 4},
		{"at default ceiling", 8, CapabilityDefault, 8},
		{"clamped to default ceiling", 64, CapabilityDefault, 8},
		{"enterprise within ceiling", 64, CapabilityEnterprise, 64},
		{"enterprise clamped", 1000, CapabilityEnterprise, 64},
		{"single worker", 1, CapabilityDefault, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AllowedWorkerCount(tt.requested, tt.cap)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAllowedWorkerCount_InvalidRequest(t *testing.T) {
	_, err := AllowedWorkerCount(0, CapabilityDefault)
	assert.ErrorIs(t, err, ErrInvalidWorkerCount)
	_, err = AllowedWorkerCount(-3, CapabilityEnterprise)
	assert.ErrorIs(t, err, ErrInvalidWorkerCount)
}
