// Package handler turns a parsed request into a response or a CGI job.
package handler

import (
	"fmt"
	"html"
	"os"
	"strings"
	"time"

	"github.com/Singert/gowebserv/core/cgi"
	"github.com/Singert/gowebserv/core/request"
	"github.com/Singert/gowebserv/core/router"
	"github.com/Singert/gowebserv/core/talklog"
	"github.com/Singert/gowebserv/core/utils"
	"github.com/Singert/gowebserv/core/vhost"
)

// Options 分发器的运行参数
type Options struct {
	Interpreter  string        // 规则没有指定解释器时使用
	CGITimeout   time.Duration
	CGIMaxOutput int
	Gzip         bool
	Software     string
}

// Peer 发起请求的连接
type Peer struct {
	CID        uint64
	RemoteAddr string
	ServerPort int
}

// Decision 分发结果：Response 和 Job 恰好有一个不为空
type Decision struct {
	Response *Response
	Job      *cgi.Job
	Host     *vhost.VirtualHostConfig
	Rule     *vhost.PathRule
}

// Dispatcher 请求分发器
type Dispatcher struct {
	opts Options
}

// NewDispatcher 创建分发器
func NewDispatcher(opts Options) *Dispatcher {
	if opts.Software == "" {
		opts.Software = VersionString()
	}
	return &Dispatcher{opts: opts}
}

// Dispatch 为一个完整解析的请求选择主机和规则并决定如何产生响应
func (d *Dispatcher) Dispatch(rt *router.Router, req *request.Request, peer Peer) Decision {
	host, rule := rt.MatchRoute(req.Header("host"), req.Path())
	dec := Decision{Host: host, Rule: rule}
	if host == nil {
		dec.Response = d.ErrorResponse(int(utils.BAD_REQUEST), nil, nil)
		return dec
	}
	if rule != nil {
		talklog.Info(peer.CID, "route %s -> %s", req.Path(), rule.Path)
	}

	// 方法检查
	allowed := rule.AllowedMethods()
	if !rule.Allows(req.Method()) {
		dec.Response = d.methodNotAllowed(host, rule, allowed)
		return dec
	}

	// 请求体大小检查
	if n, ok := req.ContentLength(); ok {
		if limit := host.EffectiveMaxBodySize(rule); limit > 0 && n > limit {
			dec.Response = d.ErrorResponse(int(utils.PAYLOAD_TOO_LARGE), host, rule)
			return dec
		}
	}

	if rule != nil && rule.Redirect != "" {
		dec.Response = redirect(rule.Redirect)
		return dec
	}

	if rule.MatchesCGI(req.Path()) {
		if req.Method() != "GET" && req.Method() != "POST" {
			dec.Response = d.methodNotAllowed(host, rule, []string{"GET", "POST"})
			return dec
		}
		job, err := d.startCGI(host, rule, req, peer)
		if err != nil {
			dec.Response = d.ErrorResponse(statusOf(err), host, rule)
			return dec
		}
		dec.Job = job
		return dec
	}

	var resp *Response
	var err error
	switch {
	case req.Method() == "GET":
		resp, err = d.serveStatic(host, rule, req)
	case req.Method() == "POST" && rule != nil && rule.UploadEnabled:
		resp, err = d.upload(rule, req)
	case req.Method() == "DELETE":
		resp, err = d.remove(host, rule, req)
	default:
		dec.Response = d.methodNotAllowed(host, rule, allowed)
		return dec
	}
	if err != nil {
		talklog.Warn(peer.CID, "%s %s: %v", req.Method(), req.Path(), err)
		resp = d.ErrorResponse(statusOf(err), host, rule)
	}
	dec.Response = resp
	return dec
}

func (d *Dispatcher) methodNotAllowed(host *vhost.VirtualHostConfig, rule *vhost.PathRule, allowed []string) *Response {
	resp := d.ErrorResponse(int(utils.METHOD_NOT_ALLOWED), host, rule)
	if len(allowed) > 0 {
		resp.SetHeader("Allow", strings.Join(allowed, ", "))
	}
	return resp
}

func redirect(target string) *Response {
	resp := NewResponse(int(utils.FOUND))
	resp.SetHeader("Location", target)
	resp.SetHeader("Content-Type", "text/plain")
	resp.Body = []byte("Redirecting to " + target)
	return resp
}

func (d *Dispatcher) startCGI(host *vhost.VirtualHostConfig, rule *vhost.PathRule, req *request.Request, peer Peer) (*cgi.Job, error) {
	script, err := TranslatePath(host, rule, req.Path())
	if err != nil {
		return nil, err
	}
	if err := VerifyFile(script); err != nil {
		return nil, err
	}

	interp := rule.CGIInterpreter
	if interp == "" {
		interp = d.opts.Interpreter
	}
	name := req.Header("host")
	if len(host.Names) > 0 {
		name = host.Names[0]
	}
	job := cgi.New(cgi.Spec{
		Interpreter: interp,
		Script:      script,
		Params:      cgi.Params(req),
		Env: cgi.Environ(req, script, cgi.ServerInfo{
			Software:   d.opts.Software,
			Name:       name,
			Port:       peer.ServerPort,
			RemoteAddr: peer.RemoteAddr,
		}),
		Timeout:   d.opts.CGITimeout,
		MaxOutput: d.opts.CGIMaxOutput,
	})
	if err := job.Start(); err != nil {
		talklog.Error(peer.CID, "%v", err)
		if se, ok := err.(*cgi.StartError); ok {
			return nil, &FSError{Status: se.Status, Reason: se.Error()}
		}
		return nil, err
	}
	talklog.SetPrefix(peer.CID, "CGI")
	talklog.Info(peer.CID, "started %s (pid %d) argv=%q", script, job.Pid(), job.Argv())
	return job, nil
}

// CGIResponse 把结束的 CGI 任务转换为响应
func (d *Dispatcher) CGIResponse(job *cgi.Job, host *vhost.VirtualHostConfig, rule *vhost.PathRule) *Response {
	status, out := job.Result()
	if status != int(utils.OK) {
		resp := d.ErrorResponse(status, host, rule)
		if status == int(utils.GATEWAY_TIMEOUT) {
			resp.Close = true
		}
		return resp
	}
	resp := NewResponse(status)
	resp.SetHeader("Content-Type", "text/html")
	resp.Body = out
	return resp
}

// ProtocolError 解析失败时的响应，发送后关闭连接
func (d *Dispatcher) ProtocolError(rt *router.Router, req *request.Request) *Response {
	var host *vhost.VirtualHostConfig
	var rule *vhost.PathRule
	if rt != nil && req.Path() != "" {
		host, rule = rt.MatchRoute(req.Header("host"), req.Path())
	} else if rt != nil {
		host = rt.SelectHost(req.Header("host"))
	}
	resp := d.ErrorResponse(req.Status(), host, rule)
	resp.Close = true
	return resp
}

// ErrorResponse 生成错误响应。页面依次取规则、主机、全局配置的错误页，都没有时用内置页面
func (d *Dispatcher) ErrorResponse(code int, host *vhost.VirtualHostConfig, rule *vhost.PathRule) *Response {
	resp := NewResponse(code)
	if utils.IsBodyless(code) {
		return resp
	}
	if host != nil {
		for _, file := range host.ErrorPageFiles(rule, code) {
			data, err := os.ReadFile(file)
			if err != nil || len(data) == 0 {
				continue
			}
			resp.SetHeader("Content-Type", GuessType(file))
			resp.Body = data
			return resp
		}
	}
	content := fmt.Sprintf(utils.DefaultErrorMessageFormat,
		code,
		html.EscapeString(resp.Reason),
		code,
		html.EscapeString(utils.Explain(code)),
	)
	resp.SetHeader("Content-Type", utils.DefaultErrorContentType)
	resp.Body = []byte(content)
	return resp
}
