package tproxy

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/e1732a364fed/redsocks_simple/utils"
	"go.uber.org/zap"
)

func execCmd(cmdStr string) (err error) {
	if ce := utils.CanLogInfo("IPTABLES run cmd"); ce != nil {
		ce.Write(zap.String("cmd", cmdStr))
	}

	strs := strings.Split(cmdStr, " ")

	cmd1 := exec.Command(strs[0], strs[1:]...)
	if err = cmd1.Run(); err != nil {
		if ce := utils.CanLogErr("IPTABLES run cmd failed"); ce != nil {
			ce.Write(zap.Error(err))
		}
	}

	return
}

func execCmdList(cmdStr string) (err error) {

	strs := strings.Split(cmdStr, "\n")

	for _, str := range strs {
		if err = execCmd(str); err != nil {
			return
		}
	}

	return
}

const tproxyIptableCmdList = `ip rule add fwmark 1 table 100
ip route add local 0.0.0.0/0 dev lo table 100
iptables -t mangle -N REDGO
iptables -t mangle -A REDGO -d 127.0.0.1/32 -j RETURN
iptables -t mangle -A REDGO -d 224.0.0.0/4 -j RETURN
iptables -t mangle -A REDGO -d 255.255.255.255/32 -j RETURN
iptables -t mangle -A REDGO -d 192.168.0.0/16 -p tcp -j RETURN
iptables -t mangle -A REDGO -p tcp -j TPROXY --on-port %d --tproxy-mark 1
iptables -t mangle -A PREROUTING -j REDGO`

const tproxyIptableRMCmdList = `ip rule del fwmark 1 table 100
ip route del local 0.0.0.0/0 dev lo table 100
iptables -t mangle -D PREROUTING -j REDGO
iptables -t mangle -F REDGO
iptables -t mangle -X REDGO`

// SetIPTablesByPort 为给出的监听端口 配置 TPROXY 所需的 iptables 规则.
func SetIPTablesByPort(port int) error {
	return execCmdList(fmt.Sprintf(tproxyIptableCmdList, port))
}

// CleanupIPTables 移除 SetIPTablesByPort 所设置的 规则.
func CleanupIPTables() error {
	return execCmdList(tproxyIptableRMCmdList)
}
