package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Event 名称是和其他客户端约定好的线上协议，不能改
type Event string

const (
	EventCreateRoom        Event = "create-room"
	EventLeaveRoom         Event = "leave-room"
	EventSendChanges       Event = "send-changes"
	EventReceiveChanges    Event = "receive-changes"
	EventSendCursorMove    Event = "send-cursor-move"
	EventReceiveCursorMove Event = "receive-cursor-move"
	EventPresenceTrack     Event = "presence-track"
	EventPresenceSync      Event = "presence-sync"
	EventHeartbeat         Event = "heartbeat"
	EventError             Event = "error"
)

// Channel 是逻辑通道：光标流量和文档变更流量永远不会混在一起
type Channel int

const (
	ChannelControl Channel = iota
	ChannelChanges
	ChannelCursor
	ChannelPresence
)

type Direction int

const (
	ToServer Direction = iota + 1
	ToClient
)

var ErrInvalidEnvelope = errors.New("protocol: invalid envelope")

type eventInfo struct {
	channel   Channel
	direction Direction
	needDoc   bool
}

var events = map[Event]eventInfo{
	EventCreateRoom:        {ChannelControl, ToServer, true},
	EventLeaveRoom:         {ChannelControl, ToServer, true},
	EventSendChanges:       {ChannelChanges, ToServer, true},
	EventReceiveChanges:    {ChannelChanges, ToClient, true},
	EventSendCursorMove:    {ChannelCursor, ToServer, true},
	EventReceiveCursorMove: {ChannelCursor, ToClient, true},
	EventPresenceTrack:     {ChannelPresence, ToServer, true},
	EventPresenceSync:      {ChannelPresence, ToClient, true},
	EventHeartbeat:         {ChannelControl, ToServer, false},
	EventError:             {ChannelControl, ToClient, false},
}

func (e Event) Channel() Channel { return events[e].channel }

// Envelope 是 websocket 上唯一的消息形态：
// {"event":"send-changes","documentId":"doc-1","payload":{...}}
type Envelope struct {
	Event      Event           `json:"event"`
	DocumentID string          `json:"documentId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type Range struct {
	Index  int `json:"index"`
	Length int `json:"length"`
}

// ChangesPayload 里的 ops 服务端不解析，原样转发
type ChangesPayload struct {
	Ops json.RawMessage `json:"ops"`
}

// CursorPayload 的 Range 为 nil 表示对方失去焦点
type CursorPayload struct {
	Range  *Range `json:"range"`
	UserID string `json:"userId"`
}

type PresenceRecord struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	ColorSeed   string `json:"colorSeed"`
}

type TrackPayload struct {
	Record PresenceRecord `json:"record"`
}

// PresenceSyncPayload 总是完整集合，客户端整体替换
type PresenceSyncPayload struct {
	Records []PresenceRecord `json:"records"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// New 组装一个信封，payload 为 nil 时不带 payload 字段
func New(event Event, docID string, payload any) (Envelope, error) {
	env := Envelope{Event: event, DocumentID: docID}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	env.Payload = raw
	return env, nil
}

// Encode 直接得到可以写到 websocket 的字节
func Encode(event Event, docID string, payload any) ([]byte, error) {
	env, err := New(event, docID, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode 在边界上校验信封：事件名已知、方向正确、documentId 非空、payload 形状匹配
func Decode(data []byte, dir Direction) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(dir); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (env Envelope) Validate(dir Direction) error {
	info, ok := events[env.Event]
	if !ok {
		return fmt.Errorf("%w: unknown event %q", ErrInvalidEnvelope, env.Event)
	}
	if info.direction != dir {
		return fmt.Errorf("%w: event %q not allowed in this direction", ErrInvalidEnvelope, env.Event)
	}
	if info.needDoc && env.DocumentID == "" {
		return fmt.Errorf("%w: %s requires documentId", ErrInvalidEnvelope, env.Event)
	}

	switch env.Event {
	case EventSendChanges, EventReceiveChanges:
		_, err := env.Changes()
		return err
	case EventSendCursorMove, EventReceiveCursorMove:
		_, err := env.Cursor()
		return err
	case EventPresenceTrack:
		_, err := env.Track()
		return err
	case EventPresenceSync:
		_, err := env.PresenceSync()
		return err
	case EventError:
		_, err := env.ErrorInfo()
		return err
	}
	return nil
}

func (env Envelope) decodePayload(v any) error {
	if len(env.Payload) == 0 || bytes.Equal(bytes.TrimSpace(env.Payload), []byte("null")) {
		return fmt.Errorf("%w: %s requires payload", ErrInvalidEnvelope, env.Event)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidEnvelope, env.Event, err)
	}
	return nil
}

func (env Envelope) Changes() (ChangesPayload, error) {
	var p ChangesPayload
	if err := env.decodePayload(&p); err != nil {
		return p, err
	}
	ops := bytes.TrimSpace(p.Ops)
	if len(ops) == 0 || ops[0] != '[' {
		return p, fmt.Errorf("%w: ops must be an array", ErrInvalidEnvelope)
	}
	return p, nil
}

func (env Envelope) Cursor() (CursorPayload, error) {
	var p CursorPayload
	if err := env.decodePayload(&p); err != nil {
		return p, err
	}
	if p.Range != nil && (p.Range.Index < 0 || p.Range.Length < 0) {
		return p, fmt.Errorf("%w: negative range", ErrInvalidEnvelope)
	}
	return p, nil
}

func (env Envelope) Track() (TrackPayload, error) {
	var p TrackPayload
	if err := env.decodePayload(&p); err != nil {
		return p, err
	}
	if p.Record.UserID == "" {
		return p, fmt.Errorf("%w: presence record without userId", ErrInvalidEnvelope)
	}
	return p, nil
}

func (env Envelope) PresenceSync() (PresenceSyncPayload, error) {
	var p PresenceSyncPayload
	err := env.decodePayload(&p)
	return p, err
}

func (env Envelope) ErrorInfo() (ErrorPayload, error) {
	var p ErrorPayload
	err := env.decodePayload(&p)
	return p, err
}
