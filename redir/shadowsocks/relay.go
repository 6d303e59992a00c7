package shadowsocks

import (
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/e1732a364fed/redsocks_simple/netLayer"
	"github.com/e1732a364fed/redsocks_simple/netLayer/evio"
	"github.com/e1732a364fed/redsocks_simple/redir"
	"github.com/e1732a364fed/redsocks_simple/utils"
)

// 连接状态. ssNew 期间 relay 连接在途, 还没有泵过任何数据;
// 到达 ssConnected 后 四个稳态回调接管. 终态没有专门的值, 由 Drop 体现.
const (
	ssNew = iota
	ssConnected
)

const headerLen = 7 // [addr_type 1][ipv4 4][port 2]

// buildHeader 构造一次性的目标地址前导. 只支持ipv4.
func buildHeader(dest netLayer.Addr) ([headerLen]byte, error) {
	var h [headerLen]byte
	ip4 := dest.IP.To4()
	if ip4 == nil {
		return h, utils.ErrInErr{ErrDesc: "shadowsocks only supports ipv4 destinations", ErrDetail: redir.ErrProtocol, Data: dest.String()}
	}
	h[0] = ATypIP4
	copy(h[1:5], ip4)
	binary.BigEndian.PutUint16(h[5:7], uint16(dest.Port))
	return h, nil
}

// ConnectRelay 初始化本连接的两个加密上下文, 构造并加密地址前导,
// 然后发起到 relay endpoint 的连接, 前导尽量随connect一起发出.
//
// 任何失败都使整条连接作废: 加密流的状态已经前进, 无法回退重试.
func (s *ssSubsys) ConnectRelay(c *redir.Client) error {
	sc := c.Ext.(*ssClient)

	ectx, err := newEncCtx(s.ciph)
	if err != nil {
		return utils.ErrInErr{ErrDesc: "shadowsocks failed to initialize encryption context", ErrDetail: redir.ErrCryptoInit, Data: err.Error()}
	}
	sc.eCtx = ectx
	sc.dCtx = newDecCtx(s.ciph)

	header, err := buildHeader(c.Dest)
	if err != nil {
		return err
	}

	buf := make([]byte, ectx.calcSize(headerLen))
	n, err := ectx.transform(buf, header[:])
	if err != nil {
		return utils.ErrInErr{ErrDesc: "shadowsocks header encryption error", ErrDetail: redir.ErrEncrypt}
	}
	ct := buf[:n]

	c.ConnectRelay(ct, func(sent int) { s.relayConnected(c, ct, sent) })
	return nil
}

// relayConnected 处理 NEW→CONNECTED 迁移: 校验piggyback长度, 安装稳态回调,
// 并立即转发 握手期间积累的客户端数据.
func (s *ssSubsys) relayConnected(c *redir.Client, ct []byte, sent int) {
	c.Touch()

	if c.State != ssNew {
		c.Drop()
		return
	}

	switch {
	case sent == 0:
		//前导未随connect发出, 现在显式入队
		c.Rel.QueueWrite(ct)
	case sent != len(ct):
		//部分发出的握手 会让对端的解析器处于未定义状态, 必须作废
		if ce := utils.CanLogErr("unexpected length of piggybacked handshake"); ce != nil {
			ce.Write(zap.Int("requested", len(ct)), zap.Int("sent", sent), zap.Error(redir.ErrProtocol))
		}
		c.Drop()
		return
	}

	c.State = ssConnected

	//此后不再跟踪超时, 两个peer自己负责活性检测

	c.Cli.SetCallbacks(
		func(st *evio.Stream) { ssClientReadCb(c, st) },
		func(st *evio.Stream) { ssClientWriteCb(c, st) },
		c.EventError,
	)
	c.Rel.SetCallbacks(
		func(st *evio.Stream) { ssRelayReadCb(c, st) },
		func(st *evio.Stream) { ssRelayWriteCb(c, st) },
		c.EventError,
	)

	c.StartRelay()

	//握手期间客户端已送来的数据 立即转发, 不等下一个读事件
	if c.Cli.InLen() > 0 {
		ssRelayWriteCb(c, c.Rel)
	}
}

// pumpBuffer 是明文与密文唯一交汇的地方: 取 from 输入队列的第一段连续数据,
// 直接在 to 的输出队列预留的空间里变换后提交, 没有中间拷贝.
//
// 每次事件至多调用一次, 队列不连续时剩余数据等下一个事件, 保证每事件工作量有界.
func pumpBuffer(from, to *evio.Stream, x cryptoCtx) error {
	chunk := from.InContiguous()
	if len(chunk) == 0 {
		return nil
	}

	dst := to.ReserveOut(x.calcSize(len(chunk)))
	n, err := x.transform(dst, chunk)
	if err != nil {
		//变换失败时 什么都不入队, 绝不转发可疑字节
		to.CommitOut(0)
		return err
	}
	to.CommitOut(n)
	from.DrainIn(len(chunk))
	return nil
}

func encryptBuffer(c *redir.Client, from, to *evio.Stream) bool {
	sc := c.Ext.(*ssClient)
	if err := pumpBuffer(from, to, sc.eCtx); err != nil {
		if ce := utils.CanLogErr("shadowsocks encryption error"); ce != nil {
			ce.Write(zap.String("dest", c.Dest.String()), zap.Error(err))
		}
		c.Drop()
		return false
	}
	return true
}

func decryptBuffer(c *redir.Client, from, to *evio.Stream) bool {
	sc := c.Ext.(*ssClient)
	if err := pumpBuffer(from, to, sc.dCtx); err != nil {
		if ce := utils.CanLogErr("shadowsocks decryption error"); ce != nil {
			ce.Write(zap.String("dest", c.Dest.String()), zap.Error(err))
		}
		c.Drop()
		return false
	}
	return true
}

// 四个稳态回调. 每个都先确认 ssConnected, 否则直接走 drop 路径,
// 这使它们对 逻辑关闭后才派发的迟到事件 幂等.

func ssClientReadCb(c *redir.Client, buffev *evio.Stream) {
	from, to := buffev, c.Rel
	c.Touch()

	if c.State != ssConnected {
		c.Drop()
		return
	}

	//加密并转发客户端数据; 对端输出积压时 暂停读取
	if to.OutLen() < to.WriteHWM() {
		if !encryptBuffer(c, from, to) {
			return
		}
		from.EnableRead()
	} else {
		from.DisableRead()
	}
}

func ssClientWriteCb(c *redir.Client, buffev *evio.Stream) {
	from, to := c.Rel, buffev
	c.Touch()

	if c.ProcessShutdownOnWrite(from, to) {
		return
	}

	if c.State != ssConnected {
		c.Drop()
		return
	}

	//客户端侧输出已消退, 继续解密转发relay数据
	if to.OutLen() < to.WriteHWM() {
		if from != nil && from.InLen() > 0 {
			if !decryptBuffer(c, from, to) {
				return
			}
		}
		if from != nil && !from.ShutRead() {
			from.EnableRead()
		}
	}
}

func ssRelayReadCb(c *redir.Client, buffev *evio.Stream) {
	from, to := buffev, c.Cli
	c.Touch()

	if c.State != ssConnected {
		c.Drop()
		return
	}

	//解密并转发relay数据到客户端
	if to.OutLen() < to.WriteHWM() {
		if !decryptBuffer(c, from, to) {
			return
		}
		from.EnableRead()
	} else {
		from.DisableRead()
	}
}

func ssRelayWriteCb(c *redir.Client, buffev *evio.Stream) {
	from, to := c.Cli, buffev
	c.Touch()

	if c.ProcessShutdownOnWrite(from, to) {
		return
	}

	if c.State != ssConnected {
		c.Drop()
		return
	}

	//relay侧输出已消退, 继续加密转发客户端数据
	if to.OutLen() < to.WriteHWM() {
		if from.InLen() > 0 {
			if !encryptBuffer(c, from, to) {
				return
			}
		}
		if !from.ShutRead() {
			from.EnableRead()
		}
	}
}
