/*
Package redir implements a transparent TCP-to-proxy redirector.

本包持有通用部分: 监听与目标地址捕获、每连接的通用状态、共享的 drop 路径、
半关闭的传播, 以及 relay 连接辅助函数. 具体协议由 Subsys 实现, 见子包.
*/
package redir

import (
	"io"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/e1732a364fed/redsocks_simple/netLayer"
	"github.com/e1732a364fed/redsocks_simple/netLayer/evio"
	"github.com/e1732a364fed/redsocks_simple/netLayer/tproxy"
	"github.com/e1732a364fed/redsocks_simple/utils"
)

const DefaultConnectTimeout = 10 * time.Second

var activeConnectionCount int32

func ActiveConnectionCount() int32 {
	return atomic.LoadInt32(&activeConnectionCount)
}

// Instance 是一个 监听端口+relay endpoint 组合的运行时. 配置在启动后不再变化,
// 被其所有连接只读共享.
type Instance struct {
	Conf      *RedirectConf
	Subsys    Subsys
	RelayAddr netLayer.Addr
	Timeout   time.Duration
	Sockopt   *netLayer.Sockopt //出站 relay 连接的选项
	WriteHWM  int

	listener net.Listener
}

func NewInstance(rc *RedirectConf) (*Instance, error) {
	sub, err := NewSubsys(rc)
	if err != nil {
		return nil, err
	}

	var ra netLayer.Addr
	if rc.Relay != "" { //direct 不需要 relay endpoint
		ra, err = netLayer.NewAddr(rc.Relay)
		if err != nil {
			return nil, utils.ErrInErr{ErrDesc: "bad relay address", ErrDetail: err, Data: rc.Relay}
		}
		if err = ra.Resolve(); err != nil {
			return nil, err
		}
	}

	inst := &Instance{
		Conf:      rc,
		Subsys:    sub,
		RelayAddr: ra,
		Timeout:   DefaultConnectTimeout,
		WriteHWM:  evio.DefaultWriteHWM,
		Sockopt: &netLayer.Sockopt{
			Somark:   rc.Somark,
			Device:   rc.Interface,
			FastOpen: rc.FastOpen,
		},
	}
	if rc.Timeout > 0 {
		inst.Timeout = time.Duration(rc.Timeout) * time.Second
	}
	if rc.WriteHWM > 0 {
		inst.WriteHWM = rc.WriteHWM
	}
	return inst, nil
}

// Start 开始监听. 非阻塞.
func (inst *Instance) Start() error {
	var lsockopt *netLayer.Sockopt
	if inst.Conf.TProxy {
		lsockopt = &netLayer.Sockopt{TProxy: true}
	}

	listener, err := netLayer.ListenTCP(inst.Conf.Listen, lsockopt, inst.serve)
	if err != nil {
		return utils.ErrInErr{ErrDesc: "listen failed", ErrDetail: err, Data: inst.Conf.Listen}
	}
	inst.listener = listener

	if inst.Conf.AutoIptables {
		if _, port, err := net.SplitHostPort(inst.Conf.Listen); err == nil {
			if p, err := net.LookupPort("tcp", port); err == nil {
				tproxy.SetIPTablesByPort(p)
			}
		}
	}

	if ce := utils.CanLogInfo("redirect instance started"); ce != nil {
		ce.Write(
			zap.String("protocol", inst.Subsys.Name()),
			zap.String("listen", inst.Conf.Listen),
			zap.String("relay", inst.Conf.Relay),
		)
	}
	return nil
}

func (inst *Instance) Stop() {
	if inst.listener != nil {
		inst.listener.Close()
	}
	if inst.Conf.AutoIptables {
		tproxy.CleanupIPTables()
	}
	inst.Subsys.Close()
}

// serve 为每个被捕获的连接 运行事件循环, 直到连接被 drop. 在自己的goroutine中运行.
func (inst *Instance) serve(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return
	}

	var dest netLayer.Addr
	var err error
	if inst.Conf.TProxy {
		dest = tproxy.HandshakeTCP(tcpConn)
	} else {
		dest, err = tproxy.GetOrigDst(tcpConn)
	}
	if err != nil {
		if ce := utils.CanLogWarn("can't get original destination"); ce != nil {
			ce.Write(zap.Error(err))
		}
		conn.Close()
		return
	}

	loop := evio.NewLoop()
	c := &Client{
		Inst: inst,
		Dest: dest,
		Loop: loop,
	}
	c.Cli = evio.NewStream(conn, loop)
	c.Cli.SetWriteHWM(inst.WriteHWM)
	c.Touch()

	atomic.AddInt32(&activeConnectionCount, 1)
	defer atomic.AddInt32(&activeConnectionCount, -1)

	if ce := utils.CanLogDebug("accepted redirected connection"); ce != nil {
		ce.Write(
			zap.String("from", conn.RemoteAddr().String()),
			zap.String("dest", dest.String()),
		)
	}

	//错误回调在 accept 时就要装上: 握手在途期间 客户端出错/EOF 也必须进入 drop 路径.
	//read/write回调 等 relay 连接建立后由 Subsys 安装.
	c.Cli.SetCallbacks(nil, nil, c.EventError)

	//客户端读取从一开始就启用, 握手期间到达的数据会先积累在输入队列里
	c.Cli.Start()
	c.Cli.EnableRead()

	inst.Subsys.Init(c)
	if err := inst.Subsys.ConnectRelay(c); err != nil {
		if ce := utils.CanLogErr("relay connect setup failed"); ce != nil {
			ce.Write(zap.String("dest", dest.String()), zap.Error(err))
		}
		c.Drop()
		return
	}

	loop.Run()
}

// Client 是一个被捕获的客户端连接, 即 一条 1:1 的双向隧道.
// 所有字段只在 其 Loop 的goroutine中被触碰 (lastActivity 除外).
type Client struct {
	Inst *Instance
	Dest netLayer.Addr

	Cli *evio.Stream //客户端侧
	Rel *evio.Stream //relay侧, 在 relay连接建立前为 nil

	Loop *evio.Loop

	// State 由 Subsys 定义与维护; 0 是各Subsys的初始状态.
	State int

	// Ext 持有 Subsys 的每连接扩展数据 (显式组合, 每个Subsys一种具体类型).
	Ext any

	lastActivity int64 //unix nano
	dropped      bool
}

func (c *Client) Touch() {
	atomic.StoreInt64(&c.lastActivity, time.Now().UnixNano())
}

func (c *Client) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActivity))
}

func (c *Client) Dropped() bool {
	return c.dropped
}

// Peer 返回s在本连接中的对侧流.
func (c *Client) Peer(s *evio.Stream) *evio.Stream {
	if s == c.Cli {
		return c.Rel
	}
	return c.Cli
}

// Drop 是唯一的连接清理路径: 调用 Subsys 的 teardown钩子, 关闭两侧连接,
// 停止事件循环. 幂等.
func (c *Client) Drop() {
	if c.dropped {
		return
	}
	c.dropped = true

	c.Inst.Subsys.Fini(c)

	c.Cli.Close()
	if c.Rel != nil {
		c.Rel.Close()
	}
	c.Loop.Stop()

	if ce := utils.CanLogDebug("dropped client"); ce != nil {
		ce.Write(
			zap.String("dest", c.Dest.String()),
			zap.Time("lastActivity", c.LastActivity()),
		)
	}
}

// StartRelay 安装稳态关系: 启动relay侧读写goroutine 并在两侧启用读取.
// 在 Subsys 的 relay-connected 处理中、回调安装完毕后调用.
func (c *Client) StartRelay() {
	c.Cli.Start()
	c.Rel.Start()
	c.Cli.EnableRead()
	c.Rel.EnableRead()
}

// EventError 是两侧流共用的错误回调: EOF 走半关闭传播, 其它错误一律 drop.
func (c *Client) EventError(s *evio.Stream, err error) {
	c.Touch()
	if c.dropped {
		return
	}

	if err == io.EOF {
		s.MarkShutRead()

		//EOF前可能还有未转发的数据, 让读回调先消化一段
		if readCb, _, _ := s.Callbacks(); readCb != nil {
			readCb(s)
		}

		peer := c.Peer(s)
		if peer != nil && s.InLen() == 0 && peer.OutLen() == 0 {
			peer.ShutdownWrite()
		}
		c.maybeFinish()
		return
	}

	if ce := utils.CanLogDebug("connection error"); ce != nil {
		ce.Write(
			zap.String("dest", c.Dest.String()),
			zap.Error(utils.ErrInErr{ErrDesc: "stream fault", ErrDetail: ErrIO, Data: err}),
		)
	}
	c.Drop()
}

// ProcessShutdownOnWrite 在write回调的开头调用: from 的读方向已见EOF 且
// 两级队列都已排空时, 关闭 to 的写方向; 两个方向都结束时 drop.
// 返回true表示 该方向已无数据可转发, write回调无需再做别的.
func (c *Client) ProcessShutdownOnWrite(from, to *evio.Stream) bool {
	if from == nil || !from.ShutRead() {
		return false
	}
	if from.InLen() > 0 || to.OutLen() > 0 {
		return false
	}
	to.ShutdownWrite()
	c.maybeFinish()
	return true
}

func (c *Client) maybeFinish() {
	if c.Rel == nil {
		if c.Cli.ShutRead() {
			c.Drop()
		}
		return
	}
	if c.Cli.ShutRead() && c.Rel.ShutRead() &&
		c.Cli.OutLen() == 0 && c.Rel.OutLen() == 0 &&
		c.Cli.InLen() == 0 && c.Rel.InLen() == 0 {
		c.Drop()
	}
}
