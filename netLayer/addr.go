package netLayer

import (
	"net"
	"strconv"
	"strings"

	"github.com/e1732a364fed/redsocks_simple/utils"
)

// Addr 完整地表示了一个 传输层的目标，同时用 Network 字段 来记录网络层协议名.
// Either Name or IP is used exclusively.
type Addr struct {
	Network string
	Name    string // domain name
	IP      net.IP
	Port    int
}

// NewAddr 解析 host:port 字符串. Network 默认为 tcp.
func NewAddr(addrStr string) (Addr, error) {
	host, portStr, err := net.SplitHostPort(addrStr)
	if err != nil {
		return Addr{}, err
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Addr{}, utils.ErrInErr{ErrDesc: "invalid port", ErrDetail: err, Data: addrStr}
	}

	a := Addr{Network: "tcp", Port: port}
	if ip := net.ParseIP(host); ip != nil {
		a.IP = ip
	} else {
		a.Name = host
	}
	return a, nil
}

func NewAddrFromTCPAddr(ta *net.TCPAddr) Addr {
	return Addr{Network: "tcp", IP: ta.IP, Port: ta.Port}
}

func (a Addr) String() string {
	return net.JoinHostPort(a.HostStr(), strconv.Itoa(a.Port))
}

func (a Addr) HostStr() string {
	if a.IP != nil {
		return a.IP.String()
	}
	return a.Name
}

func (a Addr) ToTCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: a.IP, Port: a.Port}
}

// IsIpv4 返回 目标是否是一个 ipv4 地址.
func (a Addr) IsIpv4() bool {
	return a.IP.To4() != nil
}

// IsEmpty 在所有地址字段都是零值时返回true.
func (a Addr) IsEmpty() bool {
	return a.IP == nil && a.Name == "" && a.Port == 0
}

// Resolve 在 Name 不为空时 解析域名, 填充 IP 字段.
func (a *Addr) Resolve() error {
	if a.IP != nil || a.Name == "" {
		return nil
	}
	ips, err := net.LookupIP(a.Name)
	if err != nil {
		return utils.ErrInErr{ErrDesc: "resolve failed", ErrDetail: err, Data: a.Name}
	}
	//优先ipv4
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			a.IP = ip4
			return nil
		}
	}
	a.IP = ips[0]
	return nil
}

// 判断 network 是否为 tcp类 网络.
func IsTCPNetwork(network string) bool {
	return network == "" || strings.HasPrefix(network, "tcp")
}
