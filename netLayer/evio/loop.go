package evio

import (
	"sync"
)

type EventKind int

const (
	EvRead EventKind = iota
	EvWrite
	EvError //Err 为 io.EOF 时表示对端正常关闭读方向
	EvFunc  //在loop的goroutine里执行 Fn, 用于connect完成等一次性事件
)

type Event struct {
	Stream *Stream
	Kind   EventKind
	Err    error
	Fn     func()
}

// Loop 串行化一个连接的全部事件回调: 所有回调都在 Run 的goroutine中执行,
// 同一连接的两个Stream的回调 永远不会并发.
//
// 仿照 libevent 的 level-trigger 行为: 一次read回调只处理一段连续数据,
// 回调返回后 输入队列仍有剩余 且读取仍启用时, 会立即补发read回调,
// 直到没有任何进展为止.
type Loop struct {
	ch   chan Event
	done chan struct{}

	mu      sync.Mutex
	streams []*Stream

	stopOnce sync.Once
}

func NewLoop() *Loop {
	return &Loop{
		ch:   make(chan Event, 32),
		done: make(chan struct{}),
	}
}

func (l *Loop) manage(s *Stream) {
	l.mu.Lock()
	l.streams = append(l.streams, s)
	l.mu.Unlock()
}

func (l *Loop) snapshot() []*Stream {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Stream(nil), l.streams...)
}

// Post 投递一个事件. Loop 已停止时静默丢弃.
func (l *Loop) Post(ev Event) {
	l.post(ev)
}

func (l *Loop) post(ev Event) {
	select {
	case l.ch <- ev:
	case <-l.done:
	}
}

// Run 阻塞地派发事件, 直到 Stop 被调用. 应在专属goroutine中运行.
func (l *Loop) Run() {
	for {
		select {
		case <-l.done:
			return
		case ev := <-l.ch:
			l.dispatch(ev)
			l.levelTrigger()
		}
	}
}

func (l *Loop) dispatch(ev Event) {
	if ev.Kind == EvFunc {
		if ev.Fn != nil {
			ev.Fn()
		}
		return
	}
	s := ev.Stream
	if s == nil {
		return
	}
	readCb, writeCb, errorCb := s.Callbacks()
	switch ev.Kind {
	case EvRead:
		if readCb != nil {
			readCb(s)
		}
	case EvWrite:
		if writeCb != nil {
			writeCb(s)
		}
	case EvError:
		if errorCb != nil {
			errorCb(s, ev.Err)
		}
	}
}

// levelTrigger 补发read回调. 以"本轮是否消费了字节"为进展依据, 保证有界.
func (l *Loop) levelTrigger() {
	for {
		progressed := false
		for _, s := range l.snapshot() {
			if s.isClosed() || !s.ReadEnabled() || s.InLen() == 0 {
				continue
			}
			readCb, _, _ := s.Callbacks()
			if readCb == nil {
				continue
			}
			before := s.InLen()
			readCb(s)
			if s.InLen() < before {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

// Stop 停止派发. 幂等.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
}
