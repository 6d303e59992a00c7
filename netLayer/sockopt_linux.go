package netLayer

import (
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/e1732a364fed/redsocks_simple/utils"
)

func SetSockOpt(fd int, sockopt *Sockopt) {
	if sockopt == nil {
		return
	}

	if sockopt.Somark != 0 {
		setSomark(fd, sockopt.Somark)
	}

	if sockopt.TProxy {
		setTproxy(fd)
	}

	if sockopt.Device != "" {
		bindToDevice(fd, sockopt.Device)
	}

	if sockopt.FastOpen {
		setFastOpenConnect(fd)
	}
}

func bindToDevice(fd int, device string) {
	if err := unix.BindToDevice(fd, device); err != nil {
		if ce := utils.CanLogErr("BindToDevice failed"); ce != nil {
			ce.Write(zap.Error(err))
		}
	}
}

func setTproxy(fd int) {
	if err := syscall.SetsockoptInt(fd, syscall.SOL_IP, syscall.IP_TRANSPARENT, 1); err != nil {
		if ce := utils.CanLogErr("setTproxy failed"); ce != nil {
			ce.Write(zap.Error(err))
		}
	}
}

func setSomark(fd int, somark int) {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, somark); err != nil {
		if ce := utils.CanLogErr("setSomark failed"); ce != nil {
			ce.Write(zap.Error(err))
		}
	}
}

// TCP_FASTOPEN_CONNECT 要求 linux 4.11+.
// 设置成功后, connect调用会立即返回, 首个 write 的数据会 随SYN一起发出.
func setFastOpenConnect(fd int) {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_FASTOPEN_CONNECT, 1); err != nil {
		if ce := utils.CanLogDebug("setFastOpenConnect failed"); ce != nil {
			ce.Write(zap.Error(err))
		}
	}
}
