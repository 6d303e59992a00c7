/*
Package shadowsocks implements the shadowsocks relay subsystem for redir.

Reference

https://github.com/shadowsocks/shadowsocks-org/wiki/Protocol

这里实现的是 经典 stream cipher 版本的客户端: 一条被捕获的tcp连接 对应
一条到 relay endpoint 的加密隧道, 连接后先发 一次性的 加密地址前导
[addr_type 1][ipv4 4][port 2], 之后两个方向都是 纯流式加密的用户数据,
没有任何分帧.

AEAD / OTA 变体 和 ipv6/域名 地址类型 都不在本包范围内.
*/
package shadowsocks

import (
	"strings"

	"go.uber.org/zap"

	"github.com/shadowsocks/go-shadowsocks2/shadowstream"

	"github.com/e1732a364fed/redsocks_simple/redir"
	"github.com/e1732a364fed/redsocks_simple/utils"
)

const Name = "shadowsocks"

const (
	ATypIP4    = 0x1
	ATypDomain = 0x3
	ATypIP6    = 0x4
)

func init() {
	redir.RegisterSubsys(Name, NewSubsys)
}

// IsValidCred 检查 method/password: 都非空、不超过255字节、method 为已知的 stream cipher.
func IsValidCred(method, password string) bool {
	if method == "" || password == "" {
		return false
	}
	if len(method) > 255 {
		if ce := utils.CanLogWarn("shadowsocks method can't be more than 255 bytes"); ce != nil {
			ce.Write()
		}
		return false
	}
	if len(password) > 255 {
		if ce := utils.CanLogWarn("shadowsocks password can't be more than 255 bytes"); ce != nil {
			ce.Write()
		}
		return false
	}
	if _, ok := streamMethods[strings.ToLower(method)]; !ok {
		if ce := utils.CanLogWarn("shadowsocks unknown encryption method"); ce != nil {
			ce.Write(zap.String("method", method))
		}
		return false
	}
	return true
}

// ssSubsys 是 subsystem 级的只读共享状态: 启动时创建, 此后不再变化.
type ssSubsys struct {
	method string
	ciph   shadowstream.Cipher
}

// NewSubsys 承担 subsystem 级 init: 验证凭据, 派生密钥, 准备加密器.
func NewSubsys(rc *redir.RedirectConf) (redir.Subsys, error) {
	if rc.Relay == "" {
		return nil, utils.ErrInErr{ErrDesc: "shadowsocks requires a relay address", ErrDetail: utils.ErrNilOrWrongParameter}
	}
	if !IsValidCred(rc.Method, rc.Password) {
		return nil, redir.ErrCredential
	}

	method := strings.ToLower(rc.Method)
	mi := streamMethods[method]
	ciph, err := mi.new(evpBytesToKey(rc.Password, mi.keyLen))
	if err != nil {
		return nil, utils.ErrInErr{ErrDesc: "shadowsocks cipher init failed", ErrDetail: err}
	}

	if ce := utils.CanLogInfo("shadowsocks subsystem ready"); ce != nil {
		ce.Write(zap.String("method", method), zap.String("relay", rc.Relay))
	}

	return &ssSubsys{method: method, ciph: ciph}, nil
}

func (s *ssSubsys) Name() string { return Name }

func (s *ssSubsys) Close() error { return nil }

// ssClient 是每连接的扩展数据. 两个上下文 都是 nil 即未初始化,
// 只在 relay 连接真正发起时才初始化 (连接可能在数据阶段前就被放弃).
type ssClient struct {
	eCtx cryptoCtx
	dCtx cryptoCtx
}

func (s *ssSubsys) Init(c *redir.Client) {
	c.State = ssNew
	c.Ext = &ssClient{}
}

func (s *ssSubsys) Fini(c *redir.Client) {
	sc, _ := c.Ext.(*ssClient)
	if sc == nil {
		return
	}
	if sc.eCtx != nil {
		sc.eCtx.release()
		sc.eCtx = nil
	}
	if sc.dCtx != nil {
		sc.dCtx.release()
		sc.dCtx = nil
	}
}
