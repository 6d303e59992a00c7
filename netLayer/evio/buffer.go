/*
Package evio implements an event-driven stream layer for redirected connections.

本包仿照 libevent 的 bufferevent/evbuffer 模型: 每个 Stream 有输入、输出两个分段队列,
读写由独立goroutine完成, 但所有回调都由 Loop 串行派发, 同一连接的回调永远不会并发执行.

数据入队出队遵循 零拷贝原则: 读入的chunk整段收养进输入队列; 变换输出时 先在输出队列
预留最坏情况大小的连续空间, 变换完成后按实际产出长度提交.
*/
package evio

import (
	"sync"

	"github.com/e1732a364fed/redsocks_simple/utils"
)

type seg struct {
	b   []byte
	off int
}

// Buffer 是一个分段字节队列. 读取端只暴露第一段连续数据;
// 写入端可以直接预留空间、就地产出数据后提交, 避免中间拷贝.
//
// 方法都是并发安全的, 但约定 每个Buffer只有唯一的消费者 (调用 Contiguous/Drain 的一方),
// Contiguous 返回的切片 在该消费者调用 Drain 前一直有效.
type Buffer struct {
	mu      sync.Mutex
	segs    []seg
	length  int
	pending []byte //Reserve 预留、尚未 Commit 的空间
}

func (q *Buffer) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}

// Contiguous 返回第一段未读数据, 不拷贝. 队列为空时返回nil.
// 队列不连续时 只能看到第一段, 剩余数据要等 Drain 之后才可见.
func (q *Buffer) Contiguous() []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.segs) == 0 {
		return nil
	}
	s := q.segs[0]
	return s.b[s.off:]
}

// Drain 从头部移除n字节, 可以跨段. n大于队列长度时 清空整个队列.
func (q *Buffer) Drain(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for n > 0 && len(q.segs) > 0 {
		s := &q.segs[0]
		remain := len(s.b) - s.off
		if n < remain {
			s.off += n
			q.length -= n
			return
		}
		n -= remain
		q.length -= remain
		utils.PutBytes(s.b)
		q.segs = q.segs[1:]
	}
	if len(q.segs) == 0 {
		q.segs = nil
	}
}

// Reserve 在尾部预留 n 字节的连续空间, 返回可就地写入的切片.
// 预留的空间在 Commit 之前不属于队列. 同一时刻只能有一个未提交的预留.
func (q *Buffer) Reserve(n int) []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending != nil {
		utils.PutBytes(q.pending)
	}
	q.pending = utils.GetBytes(n)
	return q.pending
}

// Commit 把预留空间的前n字节追加进队列; n为0 表示丢弃整个预留 (什么都不入队).
func (q *Buffer) Commit(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == nil {
		return
	}
	if n <= 0 {
		utils.PutBytes(q.pending)
		q.pending = nil
		return
	}
	if n > len(q.pending) {
		n = len(q.pending)
	}
	q.segs = append(q.segs, seg{b: q.pending[:n]})
	q.length += n
	q.pending = nil
}

// Write 拷贝追加, 实现 io.Writer.
func (q *Buffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b := utils.GetBytes(len(p))
	copy(b, p)
	q.adopt(b)
	return len(p), nil
}

// adopt 将b整段收养进队列, 不拷贝. b 的所有权转移给队列.
func (q *Buffer) adopt(b []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.segs = append(q.segs, seg{b: b})
	q.length += len(b)
}

// SegCount 返回当前段数, 用于观察队列是否连续.
func (q *Buffer) SegCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.segs)
}
