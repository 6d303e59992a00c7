package redir

import "errors"

// 连接级错误统一经由 Client.Drop 处理, 不存在任何重试;
// 只有 ErrCredential 是 subsystem 级的, 它直接阻止启动.
var (
	ErrCredential = errors.New("invalid method or password")
	ErrCryptoInit = errors.New("crypto context init failed")
	ErrEncrypt    = errors.New("encrypt failed")
	ErrDecrypt    = errors.New("decrypt failed")
	ErrConnect    = errors.New("relay connect failed")
	ErrProtocol   = errors.New("protocol violation")
	ErrIO         = errors.New("io failure")
)
