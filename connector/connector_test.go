package connector

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tabbuchauhan/pathway/diff"
)

func TestDiffEnvelope_RoundTrip(t *testing.T) {
	in := diff.Diff{Key: "user:1", Value: []byte(`{"name":"ada"}`), Mult: -2, Time: 7}
	data, err := EncodeDiff(in)
	require.NoError(t, err)
	out, err := DecodeDiff(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeDiff_DefaultsToInsertion(t *testing.T) {
	out, err := DecodeDiff([]byte(`{"key":"k","time":3}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.Mult)

	_, err = DecodeDiff([]byte(`{not json`))
	assert.Error(t, err)
}

func TestRegistry_UnknownKind(t *testing.T) {
	_, err := NewSource(Config{Name: "s", Kind: "no-such-kind"})
	assert.ErrorIs(t, err, ErrUnknownKind)
	_, err = NewSink(Config{Name: "s", Kind: "no-such-kind"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestConfig_Option(t *testing.T) {
	cfg := Config{Name: "orders", Options: map[string]string{"path": "/tmp/x"}}
	v, err := cfg.Option("path")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x", v)

	_, err = cfg.Option("topic")
	assert.ErrorContains(t, err, `missing option "topic"`)
}

func TestWithRetry_TransientOnly(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), zerolog.Nop(), func() error {
		attempts++
		if attempts < 3 {
			return Transient(errors.New("broker unreachable"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	attempts = 0
	fatal := errors.New("bad payload")
	err = WithRetry(context.Background(), zerolog.Nop(), func() error {
		attempts++
		return fatal
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, attempts, "non-transient errors do not retry")
}
