//go:build !linux
// +build !linux

package netLayer

// 除linux外的平台 不支持 tproxy / somark / fastopen-connect, 直接忽略.
func SetSockOpt(fd int, sockopt *Sockopt) {
}
