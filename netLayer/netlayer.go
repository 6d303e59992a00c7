/*
Package netLayer contains definitions in network layer AND transport layer.

本包有 地址结构, sockopt选项, 监听 以及 事件驱动的流 (见子包 evio) 等功能。
*/
package netLayer

import (
	"net"
	"os"
)

//用于 listen和 dial 时配置一些底层参数.
type Sockopt struct {
	TProxy   bool   `toml:"tproxy"`
	FastOpen bool   `toml:"fastopen"`
	Somark   int    `toml:"mark"`
	Device   string `toml:"device"`
}

//net.TCPListener, net.UnixListener
type ListenerWithFile interface {
	net.Listener
	File() (f *os.File, err error)
}

func SetSockOptForListener(tcplistener ListenerWithFile, sockopt *Sockopt) {
	fileDescriptorSource, err := tcplistener.File()
	if err != nil {
		return
	}
	defer fileDescriptorSource.Close()
	SetSockOpt(int(fileDescriptorSource.Fd()), sockopt)
}
