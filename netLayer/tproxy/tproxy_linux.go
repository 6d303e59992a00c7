/*
Package tproxy 提供透明代理所需的 目标地址捕获 功能. 只能用于linux.

透明代理原理
https://www.kernel.org/doc/html/latest/networking/tproxy.html

关键点在于

1. 要使用 syscall.IP_TRANSPARENT 监听

2. 监听到的 连接 的 localAddr实际上是 真实的目标地址, 而不是我们监听的地址;

iptables REDIRECT (-j REDIRECT --to-ports) 的情况则不同, 要用 SO_ORIGINAL_DST
来取真实目标, 参考
https://github.com/cybozu-go/transocks/blob/master/original_dst_linux.go
*/
package tproxy

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/e1732a364fed/redsocks_simple/netLayer"
	"github.com/e1732a364fed/redsocks_simple/utils"
)

// HandshakeTCP 用于 IP_TRANSPARENT 监听的情况, localAddr 即为 真实目标.
func HandshakeTCP(tcpConn *net.TCPConn) netLayer.Addr {
	targetTCPAddr := tcpConn.LocalAddr().(*net.TCPAddr)

	return netLayer.NewAddrFromTCPAddr(targetTCPAddr)
}

// GetOrigDst 用于 iptables REDIRECT 的情况, 通过 SO_ORIGINAL_DST 取真实目标.
// 只支持 ipv4.
func GetOrigDst(tcpConn *net.TCPConn) (netLayer.Addr, error) {
	var addr netLayer.Addr

	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return addr, err
	}

	var mreq *unix.IPv6Mreq
	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		mreq, sockErr = unix.GetsockoptIPv6Mreq(int(fd), unix.IPPROTO_IP, unix.SO_ORIGINAL_DST)
	})
	if err != nil {
		return addr, err
	}
	if sockErr != nil {
		return addr, utils.ErrInErr{ErrDesc: "getsockopt SO_ORIGINAL_DST failed", ErrDetail: sockErr}
	}

	// sockaddr_in: [0:2]=family, [2:4]=port(be), [4:8]=ipv4
	family := uint16(mreq.Multiaddr[0]) | uint16(mreq.Multiaddr[1])<<8
	if family != unix.AF_INET {
		return addr, utils.ErrInErr{ErrDesc: "SO_ORIGINAL_DST returned non-ipv4 sockaddr", ErrDetail: utils.ErrInvalidData, Data: family}
	}

	addr.Network = "tcp"
	addr.Port = int(mreq.Multiaddr[2])<<8 | int(mreq.Multiaddr[3])
	addr.IP = net.IPv4(mreq.Multiaddr[4], mreq.Multiaddr[5], mreq.Multiaddr[6], mreq.Multiaddr[7]).To4()
	return addr, nil
}
