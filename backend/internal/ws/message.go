package ws

import (
	"encoding/json"

	"collabsync/backend/internal/protocol"
)

// error 事件里的 code
const (
	CodeInvalidEnvelope     = "INVALID_ENVELOPE"
	CodePresenceUnavailable = "PRESENCE_UNAVAILABLE"
)

// encodeRelay 换一个事件名，payload 原样转发（不重新序列化 ops）
func encodeRelay(event protocol.Event, docID string, payload json.RawMessage) ([]byte, error) {
	return json.Marshal(protocol.Envelope{Event: event, DocumentID: docID, Payload: payload})
}
