package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecode_SendChangesKeepsOpsVerbatim(t *testing.T) {
	raw := `{"event":"send-changes","documentId":"doc-1","payload":{"ops":[{"retain":2},{"insert":"hi"}]}}`
	env, err := Decode([]byte(raw), ToServer)
	if err != nil {
		t.Fatalf("Decode error = %v", err)
	}
	if env.Event.Channel() != ChannelChanges {
		t.Fatalf("channel = %v, want ChannelChanges", env.Event.Channel())
	}
	p, err := env.Changes()
	if err != nil {
		t.Fatalf("Changes error = %v", err)
	}
	if string(p.Ops) != `[{"retain":2},{"insert":"hi"}]` {
		t.Fatalf("ops = %s", p.Ops)
	}
}

func TestDecode_RejectsInvalidEnvelopes(t *testing.T) {
	cases := map[string]string{
		"not json":          `{`,
		"unknown event":     `{"event":"explode","documentId":"d"}`,
		"wrong direction":   `{"event":"receive-changes","documentId":"d","payload":{"ops":[]}}`,
		"missing doc":       `{"event":"create-room"}`,
		"missing payload":   `{"event":"send-changes","documentId":"d"}`,
		"ops not array":     `{"event":"send-changes","documentId":"d","payload":{"ops":"x"}}`,
		"negative range":    `{"event":"send-cursor-move","documentId":"d","payload":{"range":{"index":-1,"length":0},"userId":"u"}}`,
		"track without uid": `{"event":"presence-track","documentId":"d","payload":{"record":{"displayName":"a"}}}`,
	}
	for name, raw := range cases {
		if _, err := Decode([]byte(raw), ToServer); !errors.Is(err, ErrInvalidEnvelope) {
			t.Errorf("%s: error = %v, want ErrInvalidEnvelope", name, err)
		}
	}
}

func TestDecode_HeartbeatWithoutDocument(t *testing.T) {
	if _, err := Decode([]byte(`{"event":"heartbeat"}`), ToServer); err != nil {
		t.Fatalf("Decode heartbeat error = %v", err)
	}
}

func TestDecode_CursorBlurHasNilRange(t *testing.T) {
	raw := `{"event":"receive-cursor-move","documentId":"d","payload":{"range":null,"userId":"u1"}}`
	env, err := Decode([]byte(raw), ToClient)
	if err != nil {
		t.Fatalf("Decode error = %v", err)
	}
	p, _ := env.Cursor()
	if p.Range != nil || p.UserID != "u1" {
		t.Fatalf("cursor payload = %+v", p)
	}
	if env.Event.Channel() != ChannelCursor {
		t.Fatalf("cursor event routed on channel %v", env.Event.Channel())
	}
}

func TestEncode_PresenceSync(t *testing.T) {
	b, err := Encode(EventPresenceSync, "doc-1", PresenceSyncPayload{Records: []PresenceRecord{
		{UserID: "u1", DisplayName: "alice", ColorSeed: "u1"},
	}})
	if err != nil {
		t.Fatalf("Encode error = %v", err)
	}
	env, err := Decode(b, ToClient)
	if err != nil {
		t.Fatalf("Decode error = %v", err)
	}
	p, err := env.PresenceSync()
	if err != nil || len(p.Records) != 1 || p.Records[0].DisplayName != "alice" {
		t.Fatalf("PresenceSync = %+v, %v", p, err)
	}

	var generic map[string]any
	_ = json.Unmarshal(b, &generic)
	if generic["event"] != "presence-sync" || generic["documentId"] != "doc-1" {
		t.Fatalf("envelope = %s", b)
	}
}

func TestNew_WithoutPayload(t *testing.T) {
	b, err := Encode(EventCreateRoom, "doc-1", nil)
	if err != nil {
		t.Fatalf("Encode error = %v", err)
	}
	if string(b) != `{"event":"create-room","documentId":"doc-1"}` {
		t.Fatalf("Encode = %s", b)
	}
}
