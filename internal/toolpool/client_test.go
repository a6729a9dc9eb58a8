package toolpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/mcp"
)

// newDisconnectedClient wires a Client to an unstarted `cat` subprocess.
// A real `cat` cannot answer the listTools handshake, so these tests
// exercise only the parts of Client that don't require a live handshake
// reply: status before connecting and fast failure while disconnected.
func newDisconnectedClient(t *testing.T) *Client {
	t.Helper()
	process := mcp.NewProcessManager(mcp.ProcessConfig{Command: "cat"}, nil)
	return NewClient(NameCitations, process, 3, nil)
}

func TestClient_CallFailsFastWhenNotConnected(t *testing.T) {
	c := newDisconnectedClient(t)
	assert.Equal(t, StatusDisconnected, c.Status())

	_, err := c.Call(context.Background(), "search", nil, time.Now().Add(time.Second))
	require.Error(t, err)
}

func TestClient_CapabilitiesEmptyBeforeConnect(t *testing.T) {
	c := newDisconnectedClient(t)
	assert.Empty(t, c.Capabilities())
}

func TestParseToolList_AcceptsStringArray(t *testing.T) {
	tools, err := parseToolList(map[string]any{
		"tools": []any{"search", "lookup"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"lookup", "search"}, tools)
}

func TestParseToolList_AcceptsObjectArray(t *testing.T) {
	tools, err := parseToolList(map[string]any{
		"tools": []any{
			map[string]any{"name": "search"},
			map[string]any{"name": "lookup"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"lookup", "search"}, tools)
}

func TestParseToolList_RejectsMalformed(t *testing.T) {
	_, err := parseToolList("not a map")
	assert.Error(t, err)
}

func TestResponse_IsErrorDistinguishesToolFromTransportFailure(t *testing.T) {
	ok := &mcp.Response{ID: int64(1), Result: "fine"}
	bad := &mcp.Response{ID: int64(1), Error: &mcp.RPCError{Code: 1, Message: "tool failed"}}
	assert.False(t, ok.IsError())
	assert.True(t, bad.IsError())
}
