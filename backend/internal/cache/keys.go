package cache

import "fmt"

// 键语义：
// - roomKey(docID):      房间在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - stateKey(docID):     userId → presence JSON（Hash）
// - sessionKey(id):      会话镜像（Hash，带 TTL）
// - rateKey(docID, uid): 滑动窗口内的操作（ZSet<opToken, unixMillis>）

const (
	keyRoomFmt    = "presence:room:{docID:%s}"
	keyStateFmt   = "presence:room:state:{docID:%s}"
	keySessionFmt = "session:{%s}"
	keyRateFmt    = "ratelimit:{docID:%s}:%s"
)

func roomKey(docID string) string         { return fmt.Sprintf(keyRoomFmt, docID) }
func stateKey(docID string) string        { return fmt.Sprintf(keyStateFmt, docID) }
func sessionKey(sessionID string) string  { return fmt.Sprintf(keySessionFmt, sessionID) }
func rateKey(docID, userID string) string { return fmt.Sprintf(keyRateFmt, docID, userID) }
