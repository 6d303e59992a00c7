/*
Package main 读取配置文件, 把被 iptables 重定向过来的 TCP 连接
通过 relay 协议 (如 shadowsocks) 转发出去.

命令行参数请使用 --help / -h 查看详情, 配置文件示例请参考 ../../examples/ .
*/
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"runtime/pprof"
	"syscall"

	"github.com/pkg/profile"
	"go.uber.org/zap"

	"github.com/e1732a364fed/redsocks_simple/redir"
	_ "github.com/e1732a364fed/redsocks_simple/redir/direct"
	_ "github.com/e1732a364fed/redsocks_simple/redir/shadowsocks"
	"github.com/e1732a364fed/redsocks_simple/utils"
)

var (
	configFileName string
	startPProf     bool
	startMProf     bool
	onlyVersion    bool
	onlyProtocols  bool

	allInstances = make([]*redir.Instance, 0, 4) //一般就一两个, 但不排除极特殊情况
)

const defaultConfFn = "redsocks.toml"

func init() {
	flag.StringVar(&configFileName, "c", defaultConfFn, "config file name")
	flag.BoolVar(&startPProf, "pp", false, "pprof")
	flag.BoolVar(&startMProf, "mp", false, "memory pprof")
	flag.BoolVar(&onlyVersion, "v", false, "print the version string then exit")
	flag.BoolVar(&onlyProtocols, "sn", false, "print all supported relay protocols then exit")
}

//我们 在程序关闭时, 主动 Stop
func cleanup() {
	for _, inst := range allInstances {
		if inst != nil {
			inst.Stop()
		}
	}
}

func main() {
	os.Exit(mainFunc())
}

func mainFunc() (result int) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			if ce := utils.CanLogErr("Captured panic!"); ce != nil {
				ce.Write(
					zap.Any("err:", r),
					zap.String("stacktrace", string(stack)),
				)
			}
			log.Println("panic captured!", r, "\n", string(stack)) //zap 会把多行字符串里的换行转译掉, 可读性差, 所以还是要 log 单独打印一次

			result = -3
			cleanup()
		}
	}()

	flag.Parse()

	printVersion(os.Stdout)
	if onlyVersion {
		return
	}
	if onlyProtocols {
		redir.PrintAllSubsysNames()
		return
	}

	if startPProf {
		const pprofFN = "cpu.pprof"
		f, err := os.OpenFile(pprofFN, os.O_CREATE|os.O_RDWR, 0644)
		if err == nil {
			defer f.Close()
			err = pprof.StartCPUProfile(f)
			if err == nil {
				defer pprof.StopCPUProfile()
			} else {
				log.Println("pprof.StartCPUProfile failed", err)
			}
		} else {
			log.Println(pprofFN, "can't be created,", err)
		}
	}
	if startMProf {
		//若不使用 NoShutdownHook, 则 我们ctrl+c退出时不会产生 pprof文件
		p := profile.Start(profile.MemProfile, profile.MemProfileRate(1), profile.NoShutdownHook)
		defer p.Stop()
	}

	fpath := utils.GetFilePath(configFileName)
	if !utils.FileExist(fpath) {
		if utils.IsFlagGiven("c") {
			log.Printf("-c provided but %q doesn't exist", configFileName)
		} else {
			log.Printf("No -c provided and default %q doesn't exist", defaultConfFn)
		}
		return -1
	}

	standardConf, err := redir.LoadTomlConfFile(fpath)
	if err != nil {
		log.Println("can't load config file,", err)
		return -1
	}

	//配置文件里的日志设置 优先级低于命令行
	if appConf := standardConf.App; appConf != nil {
		if appConf.LogFile != "" && !utils.IsFlagGiven("lf") {
			utils.LogFileName = appConf.LogFile
		}
		if appConf.LogLevel != nil && !utils.IsFlagGiven("ll") {
			utils.LogLevel = *appConf.LogLevel
		}
	}

	utils.InitLog()
	defer utils.CanLogInfo("Program exited").Write()

	if len(standardConf.Redirect) == 0 {
		if ce := utils.CanLogErr("No redirect section in config. Exit now."); ce != nil {
			ce.Write(zap.String("file", fpath))
		}
		return -1
	}

	for _, rc := range standardConf.Redirect {
		inst, err := redir.NewInstance(rc)
		if err != nil {
			if ce := utils.CanLogErr("failed to create redirect instance"); ce != nil {
				ce.Write(zap.String("tag", rc.Tag), zap.Error(err))
			}
			cleanup()
			return -1
		}
		if err = inst.Start(); err != nil {
			if ce := utils.CanLogErr("failed to start redirect instance"); ce != nil {
				ce.Write(zap.String("tag", rc.Tag), zap.Error(err))
			}
			cleanup()
			return -1
		}
		allInstances = append(allInstances, inst)
	}

	{
		osSignals := make(chan os.Signal, 1)
		signal.Notify(osSignals, os.Interrupt, os.Kill, syscall.SIGTERM)
		<-osSignals

		if ce := utils.CanLogInfo("Program got close signal"); ce != nil {
			ce.Write()
		}
		cleanup()
	}
	return
}
