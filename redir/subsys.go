package redir

import (
	"fmt"

	"github.com/e1732a364fed/redsocks_simple/utils"
)

// Subsys 是一种 relay 协议的实现 (如 shadowsocks, direct).
// 一个 Subsys 值绑定一个 Instance 的配置, 在配置加载时创建;
// 五个入口: creator函数承担 subsystem 级 init (验证凭据等),
// Close 为 subsystem 级 teardown, 其余三个是 每连接的 init/teardown/relay-connect.
type Subsys interface {
	Name() string

	//per-connection init. 在 accept 后、发起relay连接前调用.
	Init(c *Client)

	//per-connection teardown. 只会被 Client.Drop 调用, 且至多一次.
	Fini(c *Client)

	//构造握手并发起到 relay endpoint 的连接. 返回错误时 调用方负责 Drop.
	ConnectRelay(c *Client) error

	//subsystem 级 teardown.
	Close() error
}

// SubsysCreator 即 subsystem 级 init: 验证配置/凭据, 准备共享的只读状态.
type SubsysCreator func(rc *RedirectConf) (Subsys, error)

var subsysCreatorMap = make(map[string]SubsysCreator)

// 规定，每个实现 Subsys 的包必须在自己的init函数中 使用本函数进行注册.
func RegisterSubsys(name string, sc SubsysCreator) {
	subsysCreatorMap[name] = sc
}

func NewSubsys(rc *RedirectConf) (Subsys, error) {
	sc, ok := subsysCreatorMap[rc.Protocol]
	if !ok {
		return nil, utils.ErrInErr{ErrDesc: "unknown relay protocol", Data: rc.Protocol}
	}
	return sc(rc)
}

func PrintAllSubsysNames() {
	fmt.Printf("===============================\nSupported relay protocols:\n")
	for _, v := range utils.GetMapSortedKeySlice(subsysCreatorMap) {
		fmt.Print(v)
		fmt.Print("\n")
	}
}
