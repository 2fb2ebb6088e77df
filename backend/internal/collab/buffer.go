package collab

import "collab-core/backend/internal/ot"

// 抽象文档内容缓冲区接口
type Buffer interface {
	Len() int
	Apply(op ot.Operation) error
	String() string
	// Clone 返回一份可独立修改的副本，flush 在副本上工作，持久化成功后才替换
	Clone() Buffer
}
