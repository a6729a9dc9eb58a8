package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_AppendsNewlineDelimiter(t *testing.T) {
	data, err := Marshal(&Request{ID: int64(1), Method: "listTools"})
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), data[len(data)-1])
}

func TestUnmarshalResponse_RoundTrip(t *testing.T) {
	data, err := Marshal(&Response{ID: int64(7), Result: map[string]any{"ok": true}})
	require.NoError(t, err)

	resp, err := UnmarshalResponse(data[:len(data)-1])
	require.NoError(t, err)
	assert.False(t, resp.IsError())
}

func TestUnmarshalResponse_DetectsError(t *testing.T) {
	data, err := Marshal(&Response{ID: int64(1), Error: &RPCError{Code: 7, Message: "boom"}})
	require.NoError(t, err)

	resp, err := UnmarshalResponse(data[:len(data)-1])
	require.NoError(t, err)
	assert.True(t, resp.IsError())
	assert.Contains(t, resp.Error.Error(), "boom")
}

func TestIDGenerator_UniqueSequential(t *testing.T) {
	gen := &IDGenerator{}
	first := gen.Next()
	second := gen.Next()
	assert.Equal(t, first+1, second)
}
