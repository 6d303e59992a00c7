package netLayer

import (
	"net"
	"strings"
	"time"

	"github.com/e1732a364fed/redsocks_simple/utils"
	"go.uber.org/zap"
)

func LoopAccept(listener net.Listener, acceptFunc func(net.Conn)) {
	for {
		newc, err := listener.Accept()
		if err != nil {
			errStr := err.Error()
			if strings.Contains(errStr, "closed") {
				if ce := utils.CanLogDebug("local listener closed"); ce != nil {
					ce.Write(zap.Error(err))
				}
				break
			}
			if ce := utils.CanLogWarn("failed to accept connection"); ce != nil {
				ce.Write(zap.Error(err))
			}
			if strings.Contains(errStr, "too many") {
				if ce := utils.CanLogWarn("Too many incoming conn! Will Sleep."); ce != nil {
					ce.Write(zap.String("err", errStr))
				}
				time.Sleep(time.Millisecond * 500)
			}
			continue
		}
		go acceptFunc(newc)
	}
}

// ListenTCP 监听 tcp, 可选地设置 sockopt (tproxy监听 必须从这里入).
// 非阻塞，在自己的goroutine中accept.
func ListenTCP(addr string, sockopt *Sockopt, acceptFunc func(net.Conn)) (net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	if sockopt != nil {
		if tl, ok := listener.(*net.TCPListener); ok {
			SetSockOptForListener(tl, sockopt)
		}
	}

	go LoopAccept(listener, acceptFunc)
	return listener, nil
}
