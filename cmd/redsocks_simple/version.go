package main

import (
	"fmt"
	"io"
	"runtime"
)

const (
	desc      = "A very simple transparent proxy redirector\n"
	delimiter = "===============================\n"
)

var Version string = "[version_undefined]" //版本号可由 -ldflags "-X 'main.Version=v1.x.x'" 指定

func versionStr() string {
	return fmt.Sprintf("redsocks_simple %s, %s %s %s\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// printVersion 打印的信息 可以唯一确定一个编译文件的版本.
func printVersion(w io.StringWriter) {
	w.WriteString(delimiter)
	w.WriteString(versionStr())
	w.WriteString(delimiter)
	w.WriteString(desc)
}
