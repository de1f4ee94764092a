// realtime-probe 是实时服务的冒烟测试工具：以客户端身份连接并收发消息，或调用运维接口。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/lk2023060901/hemoclast-realtime-go/application"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:    "realtime-probe",
		Usage:   "smoke test a hemoclast realtime deployment",
		Version: application.BuildVersion().String(),
		Commands: []*cli.Command{
			connectCommand(),
			statsCommand(),
			listCommand(),
			kickCommand(),
			announceCommand(),
			guestCommand(),
			schemaCommand(),
		},
	}
	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
