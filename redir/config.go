package redir

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/e1732a364fed/redsocks_simple/utils"
)

type AppConf struct {
	LogLevel *int   `toml:"loglevel"` //需要为指针, 否则无法判断0到底是未给出的默认值还是 显式声明的0
	LogFile  string `toml:"logfile"`
}

// RedirectConf 描述一个 监听端口 + relay endpoint 组合.
type RedirectConf struct {
	Tag      string `toml:"tag"`
	Protocol string `toml:"protocol"` //如 shadowsocks, direct
	Listen   string `toml:"listen"`
	Relay    string `toml:"relay"`

	Method   string `toml:"method"`
	Password string `toml:"password"`

	Timeout      int    `toml:"timeout"` //relay connect 超时, 秒; 0 为默认值
	TProxy       bool   `toml:"tproxy"`  //true 用 IP_TRANSPARENT 捕获, false 用 SO_ORIGINAL_DST
	AutoIptables bool   `toml:"auto_iptables"`
	Interface    string `toml:"interface"` //出站绑定的网卡
	Somark       int    `toml:"mark"`
	FastOpen     bool   `toml:"fastopen"`  //握手随 TCP Fast Open 的SYN一起发出
	WriteHWM     int    `toml:"write_hwm"` //输出队列高水位线, 字节; 0 为默认值
}

//标准配置，使用toml格式。
// toml：https://toml.io/cn/
type StandardConf struct {
	App      *AppConf        `toml:"app"`
	Redirect []*RedirectConf `toml:"redirect"`
}

func LoadTomlConfStr(str string) (c StandardConf, err error) {
	_, err = toml.Decode(str, &c)
	return
}

func LoadTomlConfFile(fileNamePath string) (StandardConf, error) {

	if bs, err := os.ReadFile(fileNamePath); err == nil {
		return LoadTomlConfStr(string(bs))
	} else {
		return StandardConf{}, utils.ErrInErr{ErrDesc: "can't open config file", ErrDetail: err}
	}
}
