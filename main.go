package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/Singert/gowebserv/core"
	"github.com/Singert/gowebserv/core/config"
	"github.com/Singert/gowebserv/core/router"
	"github.com/Singert/gowebserv/core/talklog"
	"github.com/Singert/gowebserv/core/vhost"
)

func main() {
	config.Cfg.StartTime = time.Now()

	app := &cli.App{
		Name:      "gowebserv",
		Usage:     "HTTP/1.1 server with virtual hosts and CGI",
		Version:   config.GoHTTPServerVersion(),
		ArgsUsage: "[config-file]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "settings",
				Usage: "directory containing config.yml",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "also write the log to this file",
			},
			&cli.DurationFlag{
				Name:  "poll-timeout",
				Usage: "upper bound of one poll wait",
			},
			&cli.DurationFlag{
				Name:  "cgi-timeout",
				Usage: "wall-clock limit of a CGI script",
			},
		},
		Action: doServe,
		Commands: []*cli.Command{
			{
				Name:      "check",
				Usage:     "parse the configuration file and print the route table",
				ArgsUsage: "[config-file]",
				Action:    doCheck,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "settings",
						Usage: "directory containing config.yml",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "print the route table as JSON",
					},
				},
			},
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadSettings 读取运行参数，命令行参数优先
func loadSettings(c *cli.Context) error {
	if err := config.InitConfig(c.String("settings")); err != nil {
		return err
	}
	if c.IsSet("log-file") {
		config.Cfg.Logger.LogToFile = true
		config.Cfg.Logger.FilePath = c.String("log-file")
	}
	if c.IsSet("poll-timeout") {
		config.Cfg.Server.PollTimeout = c.Duration("poll-timeout")
	}
	if c.IsSet("cgi-timeout") {
		config.Cfg.CGI.Timeout = c.Duration("cgi-timeout")
	}
	if c.Args().Present() {
		config.Cfg.Server.ConfigFile = c.Args().First()
	}
	return nil
}

func doServe(c *cli.Context) error {
	if err := loadSettings(c); err != nil {
		return err
	}
	err := talklog.InitLogConfig(&talklog.LogConfig{
		LogToFile: config.Cfg.Logger.LogToFile,
		FilePath:  config.Cfg.Logger.FilePath,
		WithTime:  config.Cfg.Logger.WithTime,
	})
	if err != nil {
		return err
	}
	defer talklog.Close()

	talklog.Boot(0, "服务器版本: %s", config.ServerVersion())
	talklog.Boot(0, "配置文件: %s", config.Cfg.Server.ConfigFile)
	talklog.Boot(0, "CGI 解释器: %s, 超时 %s", config.Cfg.CGI.Interpreter, config.Cfg.CGI.Timeout)

	vcfg, err := vhost.LoadFile(config.Cfg.Server.ConfigFile)
	if err != nil {
		talklog.Boot(0, "读取配置失败: %v", err)
		return err
	}

	// 对端提前关闭不能终止进程
	signal.Ignore(syscall.SIGPIPE)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		talklog.Boot(0, "收到退出信号，正在关机...")
	}()

	if err := core.Serve(ctx, config.Cfg, vcfg); err != nil {
		talklog.Boot(0, "服务器异常退出: %v", err)
		return err
	}
	talklog.Boot(0, "服务器关机完成")
	return nil
}

func doCheck(c *cli.Context) error {
	if err := loadSettings(c); err != nil {
		return err
	}
	vcfg, err := vhost.LoadFile(config.Cfg.Server.ConfigFile)
	if err != nil {
		return err
	}
	entries := core.RouteTable(vcfg)

	if c.Bool("json") {
		out := make([]router.RouteEntryJSON, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.JSON())
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Printf("%s: %d server(s), %d listener(s)\n", config.Cfg.Server.ConfigFile, len(vcfg.Hosts), len(vcfg.Groups()))
	for _, e := range entries {
		fmt.Printf("%-22s %-28s %-16s %-18s %s\n",
			e.Listen, strings.Join(e.Hosts, ","), e.Pattern, strings.Join(e.Methods, ","), e.Description)
	}
	return nil
}
