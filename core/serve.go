package core

import (
	"context"
	"strings"
	"time"

	"github.com/Singert/gowebserv/core/config"
	"github.com/Singert/gowebserv/core/handler"
	"github.com/Singert/gowebserv/core/router"
	"github.com/Singert/gowebserv/core/server"
	"github.com/Singert/gowebserv/core/talklog"
	"github.com/Singert/gowebserv/core/vhost"
)

// ServerOptions 把运行参数转换为事件循环参数
func ServerOptions(cfg config.Config) server.Options {
	return server.Options{
		PollTimeout:    cfg.Server.PollTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		RecvBuffer:     cfg.Server.RecvBuffer,
		MaxRequestBody: cfg.Server.MaxRequestBody,
		AcceptRate:     cfg.Server.AcceptRate,
		AcceptBurst:    cfg.Server.AcceptBurst,
		Handler: handler.Options{
			Interpreter:  cfg.CGI.Interpreter,
			CGITimeout:   cfg.CGI.Timeout,
			CGIMaxOutput: cfg.CGI.MaxOutput,
			Gzip:         cfg.Server.Gzip,
			Software:     config.ServerVersion(),
		},
	}
}

// RouteTable 列出每个监听地址上的全部路由
func RouteTable(vcfg *vhost.Config) []router.RouteEntry {
	var entries []router.RouteEntry
	for _, g := range vcfg.Groups() {
		entries = append(entries, router.NewRouter(g.Addr(), g.Hosts).ListRoutes()...)
	}
	return entries
}

// Serve 绑定所有监听地址并运行事件循环，直到 ctx 被取消
func Serve(ctx context.Context, cfg config.Config, vcfg *vhost.Config) error {
	srv := server.NewHTTPServer(vcfg.Groups(), ServerOptions(cfg))
	if err := srv.ServerBind(); err != nil {
		talklog.Boot(0, "绑定监听地址失败: %v", err)
		return err
	}

	for _, ln := range srv.Listeners() {
		talklog.Boot(0, "Serving HTTP on %s (http://%s/) ...", ln.Addr(), ln.Addr())
		for _, h := range ln.Router().Hosts() {
			names := strings.Join(h.Names, " ")
			if names == "" {
				names = "_"
			}
			talklog.Boot(0, "  虚拟主机 %s, root %s", names, h.EffectiveRoot(nil))
		}
		for _, e := range ln.Router().ListRoutes() {
			talklog.Boot(0, "  %-20s %-18s %s", e.Pattern, strings.Join(e.Methods, ","), e.Description)
		}
	}
	if !cfg.StartTime.IsZero() {
		talklog.BootDone(time.Since(cfg.StartTime))
	}

	return srv.Serve(ctx)
}
