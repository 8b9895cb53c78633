package collab

import (
	"encoding/json"
	"time"
)

const EventOpsRelayed = "OPS_RELAYED"

// DocOpEvent 每次成功转发一批变更就产生一条，供下游（审计/统计）消费
type DocOpEvent struct {
	EventType   string          `json:"eventType"` // 固定 "OPS_RELAYED"
	DocID       string          `json:"docId"`
	OperationID string          `json:"operationId"`
	SessionID   string          `json:"sessionId"`
	AuthorID    string          `json:"authorId"`
	Ops         json.RawMessage `json:"ops"`
	Recipients  int             `json:"recipients"`
	RelayedAt   time.Time       `json:"relayedAt"`
}

// OpSink 接收转发过的变更；实现不能阻塞调用方
type OpSink interface {
	Publish(evt DocOpEvent) bool
}
