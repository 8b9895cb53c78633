package cache

import "fmt"

// 键语义：
// - roomKey(docID):     房间在线会话（ZSet<sessionKey, expireAtUnix>，score=expireAt）
// - recordsKey(docID):  sessionKey→presence record JSON（Hash）
// - syncChannel(docID): 成员变化通知（pub/sub，消息体就是 docID）
//
// 同一文档的键用同一个 hash tag {docID:xxx}，cluster 模式下落在同一个 slot，Lua 脚本才能同时操作

const (
	keyRoomFmt    = "presence:room:{docID:%s}"         // ZSet<sessionKey, expireAtUnix>
	keyRecordsFmt = "presence:room:records:{docID:%s}" // Hash<sessionKey -> record>
	keySyncFmt    = "presence:sync:{docID:%s}"         // pub/sub channel
	syncPattern   = "presence:sync:*"
)

func roomKey(docID string) string     { return fmt.Sprintf(keyRoomFmt, docID) }
func recordsKey(docID string) string  { return fmt.Sprintf(keyRecordsFmt, docID) }
func syncChannel(docID string) string { return fmt.Sprintf(keySyncFmt, docID) }
