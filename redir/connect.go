package redir

import (
	"net"
	"syscall"

	"go.uber.org/zap"

	"github.com/e1732a364fed/redsocks_simple/netLayer"
	"github.com/e1732a364fed/redsocks_simple/netLayer/evio"
	"github.com/e1732a364fed/redsocks_simple/utils"
)

// ConnectRelay 异步连接 Instance 的 relay endpoint.
//
// 启用 fastopen 时 payload 会尽量随connect一起发出 (TCP_FASTOPEN_CONNECT,
// 数据随SYN), onConnected 收到实际随连接发出的字节数; 0 表示 payload 尚未发出,
// 调用方须自行入队发送. 连接失败不会回调 onConnected, 直接走 drop 路径.
//
// onConnected 在 Loop 的goroutine中执行, 执行前 c.Rel 已就绪.
func (c *Client) ConnectRelay(payload []byte, onConnected func(sentPiggyback int)) {
	c.ConnectTo(c.Inst.RelayAddr, payload, onConnected)
}

// ConnectTo 同 ConnectRelay, 但连接到任意地址. direct 协议用它直连原始目标.
func (c *Client) ConnectTo(addr netLayer.Addr, payload []byte, onConnected func(sentPiggyback int)) {
	inst := c.Inst

	go func() {
		d := net.Dialer{
			Timeout: inst.Timeout,
		}
		sockopt := inst.Sockopt
		useFastOpen := sockopt != nil && sockopt.FastOpen && len(payload) > 0
		d.Control = func(network, address string, rawConn syscall.RawConn) error {
			return rawConn.Control(func(fd uintptr) {
				netLayer.SetSockOpt(int(fd), sockopt)
			})
		}

		conn, err := d.Dial("tcp", addr.String())
		if err != nil {
			connErr := utils.ErrInErr{ErrDesc: "failed to connect to relay", ErrDetail: ErrConnect, Data: err}
			c.Loop.Post(evio.Event{Kind: evio.EvFunc, Fn: func() {
				if ce := utils.CanLogDebug("failed to connect to relay"); ce != nil {
					ce.Write(
						zap.String("relay", addr.String()),
						zap.String("dest", c.Dest.String()),
						zap.Error(connErr),
					)
				}
				c.Drop()
			}})
			return
		}

		sent := 0
		if useFastOpen {
			//TCP_FASTOPEN_CONNECT 已在 Control 中设置, 此时 connect 立即返回,
			//这里的 write 的数据 会随SYN发出.
			n, werr := conn.Write(payload)
			if werr != nil {
				conn.Close()
				c.Loop.Post(evio.Event{Kind: evio.EvFunc, Fn: func() {
					if ce := utils.CanLogDebug("piggyback write to relay failed"); ce != nil {
						ce.Write(zap.Error(werr))
					}
					c.Drop()
				}})
				return
			}
			sent = n
		}

		c.Loop.Post(evio.Event{Kind: evio.EvFunc, Fn: func() {
			if c.dropped {
				conn.Close()
				return
			}
			c.Rel = evio.NewStream(conn, c.Loop)
			c.Rel.SetWriteHWM(inst.WriteHWM)
			onConnected(sent)
		}})
	}()
}
