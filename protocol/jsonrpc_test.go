package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameKindClassification(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Kind
	}{
		{"request", `{"jsonrpc":"2.0","id":"1","method":"ping"}`, KindRequest},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/log","params":{}}`, KindNotification},
		{"response-result", `{"jsonrpc":"2.0","id":"1","result":{}}`, KindResponse},
		{"response-error", `{"jsonrpc":"2.0","id":"1","error":{"code":-32601,"message":"nope"}}`, KindResponse},
		{"bad-version", `{"jsonrpc":"1.0","id":"1","result":{}}`, KindInvalid},
		{"both-result-and-error", `{"jsonrpc":"2.0","id":"1","result":{},"error":{"code":-1,"message":"x"}}`, KindInvalid},
		{"neither-method-nor-resolved-id", `{"jsonrpc":"2.0","id":"1"}`, KindInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var f Frame
			require.NoError(t, json.Unmarshal([]byte(tc.raw), &f))
			require.Equal(t, tc.want, f.Kind())
		})
	}
}

func TestRequestResponseRoundTrip(t *testing.T) {
	req := NewRequest("server-1", MethodPing, nil)
	b, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded JSONRPCRequest
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Equal(t, *req, decoded)
}

func TestErrorResponseRoundTrip(t *testing.T) {
	resp := NewErrorResponse("id-1", CodeToolExecutionError, "boom", map[string]string{"detail": "x"})
	b, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded JSONRPCResponse
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.NotNil(t, decoded.Error)
	require.Equal(t, CodeToolExecutionError, decoded.Error.Code)
	require.Equal(t, "boom", decoded.Error.Message)
}

func TestIDString(t *testing.T) {
	s, ok := IDString(json.RawMessage(`"server-1-3"`))
	require.True(t, ok)
	require.Equal(t, "server-1-3", s)

	s, ok = IDString(json.RawMessage(`42`))
	require.True(t, ok)
	require.Equal(t, "42", s)

	_, ok = IDString(nil)
	require.False(t, ok)
}
