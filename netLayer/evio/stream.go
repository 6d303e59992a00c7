package evio

import (
	"net"
	"sync"

	"github.com/e1732a364fed/redsocks_simple/utils"
)

// CloseWriter 是 可以单独关闭写方向的连接, 如 *net.TCPConn.
type CloseWriter interface {
	CloseWrite() error
}

// Stream 包装一个 net.Conn, 仿照 bufferevent:
// 输入队列由读goroutine填充, 输出队列由写goroutine消耗,
// read/write/error 回调都经由 Loop 串行执行.
//
// 新建的 Stream 读取处于禁用状态, 须由使用者 EnableRead.
type Stream struct {
	conn net.Conn
	loop *Loop

	in, out *Buffer

	mu             sync.Mutex
	readEnabled    bool
	readCond       *sync.Cond
	writeCond      *sync.Cond
	closed         bool
	shutRead       bool //读方向已见EOF
	shutWrite      bool //写方向已实际关闭
	wantCloseWrite bool //输出队列写完后 关闭写方向

	hwm int

	readCb  func(*Stream)
	writeCb func(*Stream)
	errorCb func(*Stream, error)

	started bool
}

// DefaultWriteHWM 是输出队列的默认高水位线. 超过它时 对端读取会被暂停.
const DefaultWriteHWM = 32 * 1024

func NewStream(conn net.Conn, loop *Loop) *Stream {
	s := &Stream{
		conn: conn,
		loop: loop,
		in:   &Buffer{},
		out:  &Buffer{},
		hwm:  DefaultWriteHWM,
	}
	s.readCond = sync.NewCond(&s.mu)
	s.writeCond = sync.NewCond(&s.mu)
	if loop != nil {
		loop.manage(s)
	}
	return s
}

func (s *Stream) Conn() net.Conn { return s.conn }

func (s *Stream) SetWriteHWM(n int) {
	if n > 0 {
		s.mu.Lock()
		s.hwm = n
		s.mu.Unlock()
	}
}

// WriteHWM 输出队列高水位线.
func (s *Stream) WriteHWM() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hwm
}

// SetCallbacks 同 bufferevent_setcb. 可以在任意时刻覆盖.
func (s *Stream) SetCallbacks(readCb, writeCb func(*Stream), errorCb func(*Stream, error)) {
	s.mu.Lock()
	s.readCb, s.writeCb, s.errorCb = readCb, writeCb, errorCb
	s.mu.Unlock()
}

// Callbacks 返回当前安装的三个回调.
func (s *Stream) Callbacks() (func(*Stream), func(*Stream), func(*Stream, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readCb, s.writeCb, s.errorCb
}

// Start 启动读写goroutine. 每个Stream只能调用一次.
func (s *Stream) Start() {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	go s.readLoop()
	go s.writeLoop()
}

func (s *Stream) EnableRead() {
	s.mu.Lock()
	if !s.readEnabled && !s.closed && !s.shutRead {
		s.readEnabled = true
		s.readCond.Signal()
	}
	s.mu.Unlock()
}

func (s *Stream) DisableRead() {
	s.mu.Lock()
	s.readEnabled = false
	s.mu.Unlock()
}

func (s *Stream) ReadEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readEnabled
}

// InLen 输入队列当前长度.
func (s *Stream) InLen() int { return s.in.Len() }

// OutLen 输出队列当前长度.
func (s *Stream) OutLen() int { return s.out.Len() }

// InContiguous 输入队列的第一段连续数据.
func (s *Stream) InContiguous() []byte { return s.in.Contiguous() }

// DrainIn 从输入队列头部移除n字节.
func (s *Stream) DrainIn(n int) { s.in.Drain(n) }

// ReserveOut 在输出队列预留n字节连续空间.
func (s *Stream) ReserveOut(n int) []byte { return s.out.Reserve(n) }

// CommitOut 提交预留空间的前n字节 并唤醒写goroutine.
func (s *Stream) CommitOut(n int) {
	s.out.Commit(n)
	if n > 0 {
		s.mu.Lock()
		s.writeCond.Signal()
		s.mu.Unlock()
	}
}

// QueueWrite 拷贝追加p到输出队列 并唤醒写goroutine.
func (s *Stream) QueueWrite(p []byte) {
	if len(p) == 0 {
		return
	}
	s.out.Write(p)
	s.mu.Lock()
	s.writeCond.Signal()
	s.mu.Unlock()
}

// MarkShutRead 记录读方向已关闭 (对端EOF). 此后 EnableRead 不再生效.
func (s *Stream) MarkShutRead() {
	s.mu.Lock()
	s.shutRead = true
	s.readEnabled = false
	s.mu.Unlock()
}

func (s *Stream) ShutRead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutRead
}

func (s *Stream) ShutWrite() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutWrite || s.wantCloseWrite
}

// ShutdownWrite 在输出队列写完后 关闭写方向 (半关闭).
func (s *Stream) ShutdownWrite() {
	s.mu.Lock()
	if s.closed || s.wantCloseWrite {
		s.mu.Unlock()
		return
	}
	s.wantCloseWrite = true
	s.writeCond.Signal()
	started := s.started
	s.mu.Unlock()

	//未启动goroutine时 (测试等情况) 直接关闭
	if !started {
		s.doCloseWrite()
	}
}

func (s *Stream) doCloseWrite() {
	s.mu.Lock()
	if s.shutWrite {
		s.mu.Unlock()
		return
	}
	s.shutWrite = true
	s.mu.Unlock()
	if cw, ok := s.conn.(CloseWriter); ok {
		cw.CloseWrite()
	}
}

// Close 关闭底层连接并唤醒读写goroutine. 幂等.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.readEnabled = false
	s.readCond.Broadcast()
	s.writeCond.Broadcast()
	s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) post(ev Event) {
	if s.loop != nil {
		s.loop.post(ev)
	}
}

func (s *Stream) readLoop() {
	for {
		s.mu.Lock()
		for !s.readEnabled && !s.closed {
			s.readCond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		bs := utils.GetPacket()
		n, err := s.conn.Read(bs)
		if n > 0 {
			s.in.adopt(bs[:n])
			s.post(Event{Stream: s, Kind: EvRead})
		} else {
			utils.PutPacket(bs)
		}
		if err != nil {
			s.post(Event{Stream: s, Kind: EvError, Err: err})
			return
		}
	}
}

func (s *Stream) writeLoop() {
	for {
		s.mu.Lock()
		for s.out.Len() == 0 && !s.closed && !s.wantCloseWrite {
			s.writeCond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		if s.out.Len() == 0 {
			//输出已写完, 处理半关闭
			if s.shutWrite {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			s.doCloseWrite()
			s.post(Event{Stream: s, Kind: EvWrite})
			continue
		}
		s.mu.Unlock()

		chunk := s.out.Contiguous()
		if len(chunk) == 0 {
			continue
		}
		n, err := s.conn.Write(chunk)
		if n > 0 {
			s.out.Drain(n)
		}
		if err != nil {
			s.post(Event{Stream: s, Kind: EvError, Err: err})
			return
		}
		s.post(Event{Stream: s, Kind: EvWrite})
	}
}
