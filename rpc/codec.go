package rpc

import (
	"encoding/json"

	"github.com/mcpfleet/fleet/protocol"
)

func encodeRequest(req *protocol.JSONRPCRequest) ([]byte, error) {
	return json.Marshal(req)
}

// EncodeNotification encodes a notification frame for transmission; exported
// so the session can send notifications (e.g. notifications/initialized)
// through the same wire path without round-tripping through SendRequest.
func EncodeNotification(n *protocol.JSONRPCNotification) ([]byte, error) {
	return json.Marshal(n)
}

// DecodeFrame decodes raw bytes into the minimally-typed Frame used to
// classify and route a wire message.
func DecodeFrame(raw []byte) (protocol.Frame, error) {
	var f protocol.Frame
	err := json.Unmarshal(raw, &f)
	return f, err
}
