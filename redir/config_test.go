package redir

import "testing"

const testConfStr = `
[app]
loglevel = 0
logfile = "redsocks.log"

[[redirect]]
tag = "ss"
protocol = "shadowsocks"
listen = "0.0.0.0:12345"
relay = "1.2.3.4:8388"
method = "aes-256-cfb"
password = "secret"
tproxy = true
auto_iptables = true
fastopen = true
mark = 255
timeout = 5
write_hwm = 65536

[[redirect]]
tag = "dir"
protocol = "direct"
listen = "0.0.0.0:12346"
`

func TestLoadTomlConf(t *testing.T) {
	conf, err := LoadTomlConfStr(testConfStr)
	if err != nil {
		t.Fatal(err)
	}

	if conf.App == nil || conf.App.LogLevel == nil || *conf.App.LogLevel != 0 || conf.App.LogFile != "redsocks.log" {
		t.Fail()
	}

	if len(conf.Redirect) != 2 {
		t.FailNow()
	}

	rc := conf.Redirect[0]
	if rc.Tag != "ss" || rc.Protocol != "shadowsocks" || rc.Relay != "1.2.3.4:8388" {
		t.Fail()
	}
	if rc.Method != "aes-256-cfb" || rc.Password != "secret" {
		t.Fail()
	}
	if !rc.TProxy || !rc.AutoIptables || !rc.FastOpen || rc.Somark != 255 {
		t.Fail()
	}
	if rc.Timeout != 5 || rc.WriteHWM != 65536 {
		t.Fail()
	}

	if conf.Redirect[1].Protocol != "direct" || conf.Redirect[1].Relay != "" {
		t.Fail()
	}
}

func TestLoadTomlConfBad(t *testing.T) {
	if _, err := LoadTomlConfStr("this = [is not toml"); err == nil {
		t.Fail()
	}
}
