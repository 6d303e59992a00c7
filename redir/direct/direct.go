/*
Package direct implements a passthrough protocol: captured connections are
dialed straight to their original destination with no transform applied.

主要用于调试 iptables/tproxy 规则链, 也可作为某些目标的白名单出口.
*/
package direct

import (
	"go.uber.org/zap"

	"github.com/e1732a364fed/redsocks_simple/netLayer/evio"
	"github.com/e1732a364fed/redsocks_simple/redir"
	"github.com/e1732a364fed/redsocks_simple/utils"
)

const Name = "direct"

const (
	dirNew = iota
	dirConnected
)

func init() {
	redir.RegisterSubsys(Name, func(rc *redir.RedirectConf) (redir.Subsys, error) {
		return &dirSubsys{}, nil
	})
}

type dirSubsys struct{}

func (d *dirSubsys) Name() string { return Name }

func (d *dirSubsys) Init(c *redir.Client) {
	c.State = dirNew
}

func (d *dirSubsys) Fini(c *redir.Client) {}

func (d *dirSubsys) Close() error { return nil }

func (d *dirSubsys) ConnectRelay(c *redir.Client) error {
	//没有握手, 没有payload可捎带, 直接连原始目标
	c.ConnectTo(c.Dest, nil, func(int) { connected(c) })
	return nil
}

func connected(c *redir.Client) {
	c.Touch()

	if c.State != dirNew {
		c.Drop()
		return
	}
	c.State = dirConnected

	c.Cli.SetCallbacks(
		func(st *evio.Stream) { readCb(c, st, c.Rel) },
		func(st *evio.Stream) { writeCb(c, st, c.Rel) },
		c.EventError,
	)
	c.Rel.SetCallbacks(
		func(st *evio.Stream) { readCb(c, st, c.Cli) },
		func(st *evio.Stream) { writeCb(c, st, c.Cli) },
		c.EventError,
	)

	c.StartRelay()

	if c.Cli.InLen() > 0 {
		writeCb(c, c.Rel, c.Cli)
	}
}

// forward 把 from 输入队列的第一段连续数据原样搬到 to 的输出队列.
func forward(c *redir.Client, from, to *evio.Stream) {
	chunk := from.InContiguous()
	if len(chunk) == 0 {
		return
	}
	dst := to.ReserveOut(len(chunk))
	copy(dst, chunk)
	to.CommitOut(len(chunk))
	from.DrainIn(len(chunk))
}

// readCb 处理 buffev 上的新数据, 转发给 peer; peer 积压时暂停读取.
func readCb(c *redir.Client, buffev, peer *evio.Stream) {
	c.Touch()
	if c.State != dirConnected {
		c.Drop()
		return
	}

	if peer.OutLen() < peer.WriteHWM() {
		forward(c, buffev, peer)
		buffev.EnableRead()
	} else {
		buffev.DisableRead()
		if ce := utils.CanLogDebug("direct: pausing reads, peer backlogged"); ce != nil {
			ce.Write(zap.String("dest", c.Dest.String()))
		}
	}
}

// writeCb 在 buffev 的输出排空后触发: 先处理半关闭, 再继续从 peer 取数据.
func writeCb(c *redir.Client, buffev, peer *evio.Stream) {
	c.Touch()

	if c.ProcessShutdownOnWrite(peer, buffev) {
		return
	}

	if c.State != dirConnected {
		c.Drop()
		return
	}

	if buffev.OutLen() < buffev.WriteHWM() {
		if peer.InLen() > 0 {
			forward(c, peer, buffev)
		}
		if !peer.ShutRead() {
			peer.EnableRead()
		}
	}
}
