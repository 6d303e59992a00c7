package shadowsocks

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	ss "github.com/shadowsocks/shadowsocks-go/shadowsocks"

	"github.com/e1732a364fed/redsocks_simple/netLayer"
	"github.com/e1732a364fed/redsocks_simple/netLayer/evio"
	"github.com/e1732a364fed/redsocks_simple/redir"
)

// startSSServer 启动一个最小的 shadowsocks stream 服务端:
// 解密地址前导发到 headerCh, 然后原样回显用户数据.
func startSSServer(t *testing.T, method, password string) (net.Listener, chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	headerCh := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		cp, err := ss.NewCipher(method, password)
		if err != nil {
			conn.Close()
			return
		}
		sconn := ss.NewConn(conn, cp.Copy())
		header := make([]byte, headerLen)
		if _, err := io.ReadFull(sconn, header); err != nil {
			sconn.Close()
			return
		}
		headerCh <- header
		io.Copy(sconn, sconn)
		sconn.Close()
	}()
	return ln, headerCh
}

func newTestClient(t *testing.T, inst *redir.Instance, cliConn net.Conn) *redir.Client {
	t.Helper()
	loop := evio.NewLoop()
	c := &redir.Client{
		Inst: inst,
		Dest: netLayer.Addr{Network: "tcp", IP: net.IPv4(10, 0, 0, 1), Port: 443},
		Loop: loop,
	}
	c.Cli = evio.NewStream(cliConn, loop)
	c.Touch()
	c.Cli.SetCallbacks(nil, nil, c.EventError)
	c.Cli.Start()
	c.Cli.EnableRead()
	inst.Subsys.Init(c)
	return c
}

// 完整隧道: 客户端数据 -> 加密 -> ss服务端解密回显 -> 解密 -> 回到客户端.
// 对 能和 shadowsocks-go 互通的方法 各跑一遍, 同时验证了 密钥派生和IV布局.
func TestTunnelThroughRelay(t *testing.T) {
	for _, method := range []string{"aes-128-cfb", "aes-256-cfb", "rc4-md5"} {
		t.Run(method, func(t *testing.T) {
			const password = "interop-secret"
			ln, headerCh := startSSServer(t, method, password)
			defer ln.Close()

			inst, err := redir.NewInstance(&redir.RedirectConf{
				Tag: "test", Protocol: Name,
				Relay: ln.Addr().String(), Method: method, Password: password,
			})
			if err != nil {
				t.Fatal(err)
			}

			local, remote := net.Pipe()
			c := newTestClient(t, inst, local)

			//握手期间就送数据, 验证积累+冲刷路径
			msg := []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
			echoed := make(chan []byte, 1)
			go func() {
				remote.Write(msg)
				buf := make([]byte, len(msg))
				remote.SetReadDeadline(time.Now().Add(5 * time.Second))
				if _, err := io.ReadFull(remote, buf); err == nil {
					echoed <- buf
				}
				remote.Close()
			}()

			if err := inst.Subsys.ConnectRelay(c); err != nil {
				t.Fatal(err)
			}
			go func() {
				time.Sleep(8 * time.Second)
				c.Loop.Stop()
			}()
			c.Loop.Run()

			select {
			case header := <-headerCh:
				if header[0] != ATypIP4 ||
					!bytes.Equal(header[1:5], []byte{10, 0, 0, 1}) ||
					binary.BigEndian.Uint16(header[5:7]) != 443 {
					t.Fatal("bad header", header)
				}
			default:
				t.Fatal("relay never received the address header")
			}

			select {
			case got := <-echoed:
				if !bytes.Equal(got, msg) {
					t.Fatal("echo mismatch")
				}
			default:
				t.Fatal("client never got the echo back")
			}
		})
	}
}

// relay 不可达时 连接必须被丢弃, 且稳态回调从未被安装.
func TestConnectRelayFail(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	unreachable := ln.Addr().String()
	ln.Close()

	inst, err := redir.NewInstance(&redir.RedirectConf{
		Protocol: Name, Relay: unreachable,
		Method: "aes-128-ctr", Password: "pw",
	})
	if err != nil {
		t.Fatal(err)
	}

	local, remote := net.Pipe()
	defer remote.Close()
	c := newTestClient(t, inst, local)

	if err := inst.Subsys.ConnectRelay(c); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(5 * time.Second)
		c.Loop.Stop()
	}()
	c.Loop.Run() //drop 时 loop 停止, Run 返回

	if !c.Dropped() || c.State == ssConnected {
		t.Fail()
	}
	if readCb, _, _ := c.Cli.Callbacks(); readCb != nil {
		t.Fatal("steady-state callbacks installed on a failed connection")
	}

	//drop 后 加解密上下文必须已释放
	sc := c.Ext.(*ssClient)
	if sc.eCtx != nil || sc.dCtx != nil {
		t.Fatal("cipher contexts leaked after drop")
	}
}

// 部分捎带 (0 < sent < len(handshake)) 是协议错误, 连接必须作废.
func TestRelayConnectedPartialPiggyback(t *testing.T) {
	inst, err := redir.NewInstance(&redir.RedirectConf{
		Protocol: Name, Relay: "127.0.0.1:65000",
		Method: "aes-128-ctr", Password: "pw",
	})
	if err != nil {
		t.Fatal(err)
	}

	cliLocal, cliRemote := net.Pipe()
	relLocal, relRemote := net.Pipe()
	defer cliRemote.Close()
	defer relRemote.Close()

	c := newTestClient(t, inst, cliLocal)
	c.Rel = evio.NewStream(relLocal, c.Loop)

	sub := inst.Subsys.(*ssSubsys)
	sub.relayConnected(c, []byte{1, 2, 3}, 1)

	if !c.Dropped() || c.State == ssConnected {
		t.Fail()
	}
}

// 捎带未发出 (sent==0) 时 握手要被显式入队并发往 relay.
func TestRelayConnectedQueuesHandshake(t *testing.T) {
	inst, err := redir.NewInstance(&redir.RedirectConf{
		Protocol: Name, Relay: "127.0.0.1:65000",
		Method: "aes-128-ctr", Password: "pw",
	})
	if err != nil {
		t.Fatal(err)
	}

	cliLocal, cliRemote := net.Pipe()
	relLocal, relRemote := net.Pipe()
	defer cliRemote.Close()
	defer relRemote.Close()

	c := newTestClient(t, inst, cliLocal)
	c.Rel = evio.NewStream(relLocal, c.Loop)
	go c.Loop.Run()
	defer c.Loop.Stop()

	ct := []byte{0xde, 0xad, 0xbe, 0xef}
	sub := inst.Subsys.(*ssSubsys)
	done := make(chan struct{})
	c.Loop.Post(evio.Event{Kind: evio.EvFunc, Fn: func() {
		sub.relayConnected(c, ct, 0)
		close(done)
	}})
	<-done

	if c.State != ssConnected || c.Dropped() {
		t.Fail()
	}

	got := make([]byte, len(ct))
	relRemote.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(relRemote, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, ct) {
		t.Fatal(got)
	}
}

// 对端输出积压到高水位线时, 源侧read事件必须禁用读取且不产出任何字节;
// 积压消退后的write事件 要重新开始变换并恢复读取.
func TestBackpressure(t *testing.T) {
	inst, err := redir.NewInstance(&redir.RedirectConf{
		Protocol: Name, Relay: "127.0.0.1:65000",
		Method: "aes-128-ctr", Password: "pw",
	})
	if err != nil {
		t.Fatal(err)
	}
	sub := inst.Subsys.(*ssSubsys)

	cliLocal, cliRemote := net.Pipe()
	relLocal, relRemote := net.Pipe()
	defer cliRemote.Close()
	defer relRemote.Close()
	defer relLocal.Close()

	c := newTestClient(t, inst, cliLocal)
	c.Rel = evio.NewStream(relLocal, c.Loop)
	c.State = ssConnected
	sc := c.Ext.(*ssClient)
	if sc.eCtx, err = newEncCtx(sub.ciph); err != nil {
		t.Fatal(err)
	}
	sc.dCtx = newDecCtx(sub.ciph)

	//relay 侧不启动写goroutine, 人为制造积压
	c.Rel.SetWriteHWM(64)
	c.Rel.QueueWrite(make([]byte, 64))

	go cliRemote.Write([]byte("held back"))
	deadline := time.Now().Add(2 * time.Second)
	for c.Cli.InLen() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client input never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}

	outBefore := c.Rel.OutLen()
	ssClientReadCb(c, c.Cli)
	if c.Cli.ReadEnabled() {
		t.Fatal("reads still enabled above the high-water mark")
	}
	if c.Rel.OutLen() != outBefore || c.Cli.InLen() == 0 {
		t.Fatal("bytes were forwarded despite backlog")
	}

	//积压消退 (这里通过调高水位线模拟) 后的write事件 恢复泵送
	c.Rel.SetWriteHWM(1024)
	ssRelayWriteCb(c, c.Rel)
	if !c.Cli.ReadEnabled() || c.Cli.InLen() != 0 {
		t.Fatal("reads not re-enabled after backlog cleared")
	}
	if c.Rel.OutLen() <= outBefore {
		t.Fatal("buffered input was not forwarded")
	}
}

// 握手在途期间积累的客户端数据, 要在转入 CONNECTED 时立即加密转发.
func TestRelayConnectedFlushesBufferedInput(t *testing.T) {
	inst, err := redir.NewInstance(&redir.RedirectConf{
		Protocol: Name, Relay: "127.0.0.1:65000",
		Method: "aes-128-ctr", Password: "pw",
	})
	if err != nil {
		t.Fatal(err)
	}
	sub := inst.Subsys.(*ssSubsys)

	cliLocal, cliRemote := net.Pipe()
	relLocal, relRemote := net.Pipe()
	defer cliRemote.Close()
	defer relRemote.Close()
	defer relLocal.Close()

	c := newTestClient(t, inst, cliLocal)
	c.Rel = evio.NewStream(relLocal, c.Loop)
	sc := c.Ext.(*ssClient)
	if sc.eCtx, err = newEncCtx(sub.ciph); err != nil {
		t.Fatal(err)
	}
	sc.dCtx = newDecCtx(sub.ciph)

	go cliRemote.Write(make([]byte, 10))
	deadline := time.Now().Add(2 * time.Second)
	for c.Cli.InLen() < 10 {
		if time.Now().After(deadline) {
			t.Fatal("client input never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}

	go c.Loop.Run()
	defer c.Loop.Stop()
	done := make(chan struct{})
	c.Loop.Post(evio.Event{Kind: evio.EvFunc, Fn: func() {
		sub.relayConnected(c, []byte{0xff}, 1) //已完整捎带
		close(done)
	}})
	<-done

	//relRemote 无人读取, 写goroutine阻塞, 输出队列里应躺着 IV+10字节密文
	want := sub.ciph.IVSize() + 10
	deadline = time.Now().Add(2 * time.Second)
	for c.Rel.OutLen() < want {
		if time.Now().After(deadline) {
			t.Fatal("buffered bytes were not flushed on transition", c.Rel.OutLen())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if c.Cli.InLen() != 0 {
		t.Fail()
	}
}

type failingCtx struct{}

func (failingCtx) calcSize(n int) int                  { return n }
func (failingCtx) transform(dst, src []byte) (int, error) { return 0, redir.ErrEncrypt }
func (failingCtx) release()                            {}

// 变换失败时 不得有任何字节被转发.
func TestPumpBufferTransformFailure(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	defer local.Close()

	toLocal, toRemote := net.Pipe()
	defer toRemote.Close()
	defer toLocal.Close()

	from := evio.NewStream(local, nil)
	to := evio.NewStream(toLocal, nil) //不启动, 输出只会积累
	from.Start()
	from.EnableRead()

	go remote.Write([]byte("doomed"))
	deadline := time.Now().Add(2 * time.Second)
	for from.InLen() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("input never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}

	before := from.InLen()
	if err := pumpBuffer(from, to, failingCtx{}); err == nil {
		t.Fail()
	}
	if to.OutLen() != 0 || from.InLen() != before {
		t.Fatal("bytes leaked past a failed transform")
	}
	from.Close()
}
