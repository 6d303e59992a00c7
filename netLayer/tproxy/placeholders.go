//go:build !linux
// +build !linux

package tproxy

import (
	"errors"
	"net"

	"github.com/e1732a364fed/redsocks_simple/netLayer"
)

var errNotLinux = errors.New("tproxy is only supported on linux")

func HandshakeTCP(tcpConn *net.TCPConn) netLayer.Addr {
	targetTCPAddr := tcpConn.LocalAddr().(*net.TCPAddr)
	return netLayer.NewAddrFromTCPAddr(targetTCPAddr)
}

func GetOrigDst(tcpConn *net.TCPConn) (netLayer.Addr, error) {
	return netLayer.Addr{}, errNotLinux
}

func SetIPTablesByPort(port int) error {
	return errNotLinux
}

func CleanupIPTables() error {
	return errNotLinux
}
