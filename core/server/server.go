// Package server runs the single-threaded, readiness-driven event loop that
// owns every listener, connection and CGI pipe.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/Singert/gowebserv/core/handler"
	"github.com/Singert/gowebserv/core/request"
	"github.com/Singert/gowebserv/core/talklog"
	"github.com/Singert/gowebserv/core/utils"
	"github.com/Singert/gowebserv/core/vhost"
)

const (
	DefaultPollTimeout = 30 * time.Second
	DefaultIdleTimeout = 45 * time.Second
	DefaultRecvBuffer  = 16 << 10
)

// Options 事件循环参数
type Options struct {
	PollTimeout    time.Duration
	IdleTimeout    time.Duration
	RecvBuffer     int
	MaxRequestBody int64   // 0 表示不限制
	AcceptRate     float64 // 每秒接受的连接数，0 表示不限制
	AcceptBurst    int
	Handler        handler.Options
}

type kind int

const (
	kindListener kind = iota
	kindConn
	kindCGI
	kindWake
)

func (k kind) String() string {
	return [...]string{"listener", "conn", "cgi", "wake"}[k]
}

// registration 一个被监视的描述符
type registration struct {
	fd   int
	kind kind
	ln   *Listener
	conn *Conn
	dead bool
}

// HTTPServer 事件循环
type HTTPServer struct {
	opts       Options
	groups     []vhost.ListenGroup
	listeners  []*Listener
	regs       map[int]*registration
	conns      map[uint64]*Conn
	dispatcher *handler.Dispatcher
	limiter    *rate.Limiter
	recvBuf    []byte
	nextCID    uint64

	wakeR, wakeW int
}

// NewHTTPServer 创建服务器，ServerBind 之前不占用任何资源
func NewHTTPServer(groups []vhost.ListenGroup, opts Options) *HTTPServer {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.RecvBuffer <= 0 {
		opts.RecvBuffer = DefaultRecvBuffer
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.AcceptRate > 0 {
		burst := opts.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.AcceptRate), burst)
	}
	return &HTTPServer{
		opts:       opts,
		groups:     groups,
		regs:       map[int]*registration{},
		conns:      map[uint64]*Conn{},
		dispatcher: handler.NewDispatcher(opts.Handler),
		limiter:    limiter,
		recvBuf:    make([]byte, opts.RecvBuffer),
		wakeR:      -1,
		wakeW:      -1,
	}
}

// ServerBind 绑定所有监听地址并创建唤醒管道
func (s *HTTPServer) ServerBind() error {
	for _, g := range s.groups {
		ln, err := Listen(g)
		if err != nil {
			s.release()
			return err
		}
		s.listeners = append(s.listeners, ln)
		s.register(&registration{fd: ln.Fd(), kind: kindListener, ln: ln})
	}
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		s.release()
		return fmt.Errorf("wake pipe: %w", err)
	}
	s.wakeR, s.wakeW = p[0], p[1]
	s.register(&registration{fd: s.wakeR, kind: kindWake})
	return nil
}

// Listeners 已绑定的监听器
func (s *HTTPServer) Listeners() []*Listener {
	return s.listeners
}

// Serve 运行事件循环，直到 ctx 被取消。返回前释放所有资源
func (s *HTTPServer) Serve(ctx context.Context) error {
	if len(s.listeners) == 0 {
		if err := s.ServerBind(); err != nil {
			return err
		}
	}
	defer s.release()

	// 取消时写唤醒管道，让阻塞中的 poll 立即返回
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			unix.Write(s.wakeW, []byte{1})
		case <-stop:
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	for ctx.Err() == nil {
		if err := s.iterate(time.Now()); err != nil {
			return err
		}
	}
	talklog.Info(0, "event loop stopped, releasing %d connection(s)", len(s.conns))
	return nil
}

// iterate 执行一轮循环
func (s *HTTPServer) iterate(now time.Time) error {
	fds, watched := s.pollSet()
	n, err := unix.Poll(fds, s.pollTimeout(now))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("poll: %w", err)
	}

	now = time.Now()
	if n > 0 {
		for i := range fds {
			if fds[i].Revents == 0 || watched[i].dead {
				continue
			}
			s.handle(watched[i], fds[i].Revents, now)
		}
	}

	s.sweepCGI(now)
	s.sweepIdle(now)
	s.reapClosed()
	return nil
}

// pollSet 根据登记表生成本轮的 poll 集合
func (s *HTTPServer) pollSet() ([]unix.PollFd, []*registration) {
	fds := make([]unix.PollFd, 0, len(s.regs))
	watched := make([]*registration, 0, len(s.regs))
	for fd, reg := range s.regs {
		var events int16
		switch reg.kind {
		case kindListener, kindCGI, kindWake:
			events = unix.POLLIN
		case kindConn:
			c := reg.conn
			if !c.busy() || c.req.Buffered() < s.pipelineCap() {
				events |= unix.POLLIN
			}
			if c.wantWrite() {
				events |= unix.POLLOUT
			}
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
		watched = append(watched, reg)
	}
	return fds, watched
}

// pipelineCap 连接忙时最多缓存的输入字节数
func (s *HTTPServer) pipelineCap() int {
	limit := request.MaxRequestLine + request.MaxHeaderBytes + s.opts.RecvBuffer
	if s.opts.MaxRequestBody > 0 {
		limit += int(s.opts.MaxRequestBody)
	}
	return limit
}

// pollTimeout 取配置的超时、最近的 CGI 截止时间和最近的空闲截止时间中最小的一个
func (s *HTTPServer) pollTimeout(now time.Time) int {
	wait := s.opts.PollTimeout
	for _, c := range s.conns {
		var deadline time.Time
		if c.job != nil {
			deadline = c.job.Deadline()
		} else {
			deadline = c.lastActivity.Add(s.opts.IdleTimeout)
		}
		if d := deadline.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		return 0
	}
	// 向上取整，避免截止前空转
	return int((wait + time.Millisecond - 1) / time.Millisecond)
}

func (s *HTTPServer) register(reg *registration) {
	// 描述符号被复用时旧的登记作废
	if old, ok := s.regs[reg.fd]; ok {
		old.dead = true
	}
	s.regs[reg.fd] = reg
}

func (s *HTTPServer) unregister(fd int) {
	if reg, ok := s.regs[fd]; ok {
		reg.dead = true
		delete(s.regs, fd)
	}
}

func (s *HTTPServer) handle(reg *registration, revents int16, now time.Time) {
	switch reg.kind {
	case kindListener:
		s.accept(reg.ln, now)
	case kindConn:
		s.handleConn(reg.conn, revents, now)
	case kindCGI:
		s.handleCGI(reg.conn, revents, now)
	case kindWake:
		var buf [16]byte
		unix.Read(s.wakeR, buf[:])
	}
}

// accept 接受一个新连接。超过速率限制的连接收到 503 后关闭
func (s *HTTPServer) accept(ln *Listener, now time.Time) {
	fd, remote, err := ln.Accept()
	if err != nil {
		if err != unix.EAGAIN && err != unix.ECONNABORTED && err != unix.EINTR {
			talklog.Error(0, "accept on %s: %v", ln.Addr(), err)
		}
		return
	}
	s.nextCID++
	cid := s.nextCID

	if !s.limiter.Allow() {
		talklog.Warn(cid, "accept rate exceeded, refusing %s", remote)
		resp := s.dispatcher.ErrorResponse(int(utils.SERVICE_UNAVAILABLE), nil, nil)
		resp.Close = true
		unix.Write(fd, resp.Bytes())
		// 丢弃已到达的数据，否则关闭时内核会发送 RST
		for {
			if n, err := unix.Read(fd, s.recvBuf); n <= 0 || err != nil {
				break
			}
		}
		unix.Close(fd)
		return
	}

	c := newConn(cid, fd, remote, ln, s.opts.MaxRequestBody, now)
	s.conns[cid] = c
	s.register(&registration{fd: fd, kind: kindConn, conn: c})
	talklog.Info(cid, "新连接已建立，客户端地址：%s (via %s)", remote, ln.Addr())
}

func (s *HTTPServer) handleConn(c *Conn, revents int16, now time.Time) {
	if c.closing {
		return
	}
	if revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		c.markClosed()
		return
	}
	if revents&(unix.POLLIN|unix.POLLHUP) != 0 {
		if !c.read(s.recvBuf, now) {
			c.markClosed()
			return
		}
		s.process(c)
	}
	if revents&unix.POLLOUT != 0 && c.wantWrite() {
		s.write(c, now)
	}
}

func (s *HTTPServer) write(c *Conn, now time.Time) {
	if !c.flush(now) {
		c.markClosed()
		return
	}
	if c.wantWrite() {
		return
	}
	if c.sent() {
		// 处理已缓存的下一个请求
		s.process(c)
	}
}

// process 连接空闲时推进解析，得到完整请求后分发
func (s *HTTPServer) process(c *Conn) {
	if c.busy() || c.closing {
		return
	}
	switch c.req.Parse() {
	case request.StateComplete:
		talklog.Req(c.cid, c.req.Method(), c.req.Target(), c.req.Version())
		dec := s.dispatcher.Dispatch(c.ln.Router(), c.req, handler.Peer{
			CID:        c.cid,
			RemoteAddr: c.remoteIP(),
			ServerPort: c.ln.Port(),
		})
		if dec.Job != nil {
			c.job, c.host, c.rule = dec.Job, dec.Host, dec.Rule
			s.register(&registration{fd: dec.Job.Fd(), kind: kindCGI, conn: c})
			return
		}
		c.respond(dec.Response)
	case request.StateError:
		talklog.Warn(c.cid, "bad request: %d %s", c.req.Status(), c.req.Reason())
		c.respond(s.dispatcher.ProtocolError(c.ln.Router(), c.req))
	}
}

func (s *HTTPServer) handleCGI(c *Conn, revents int16, now time.Time) {
	job := c.job
	if job == nil || c.closing {
		return
	}
	switch {
	case revents&unix.POLLIN != 0:
		job.OnReadable()
	case revents&unix.POLLHUP != 0:
		job.Drain()
	case revents&(unix.POLLERR|unix.POLLNVAL) != 0:
		job.Terminate(int(utils.BAD_GATEWAY))
	}
	if job.Done() {
		s.finishCGI(c, now)
	}
}

// finishCGI 把结束的任务转换为响应并释放任务
func (s *HTTPServer) finishCGI(c *Conn, now time.Time) {
	job := c.job
	for fd, reg := range s.regs {
		if reg.kind == kindCGI && reg.conn == c {
			s.unregister(fd)
		}
	}
	talklog.Info(c.cid, "pid %d finished: %s, %s", job.Pid(), job.State(), job.ExitStatus())
	resp := s.dispatcher.CGIResponse(job, c.host, c.rule)
	job.Close()
	talklog.ClearPrefix(c.cid)
	c.job, c.host, c.rule = nil, nil, nil
	c.lastActivity = now
	c.respond(resp)
}

// sweepCGI 检查超时和已退出的脚本
func (s *HTTPServer) sweepCGI(now time.Time) {
	for _, c := range s.conns {
		if c.job == nil || c.closing {
			continue
		}
		switch {
		case c.job.Expired(now):
			talklog.Warn(c.cid, "pid %d exceeded its deadline, killing", c.job.Pid())
			c.job.Timeout()
		case !c.job.Running():
			c.job.Drain()
		}
		if c.job.Done() {
			s.finishCGI(c, now)
		}
	}
}

// sweepIdle 关闭长时间没有活动的连接，等待 CGI 的连接除外
func (s *HTTPServer) sweepIdle(now time.Time) {
	for _, c := range s.conns {
		if c.job != nil || c.closing {
			continue
		}
		if now.Sub(c.lastActivity) >= s.opts.IdleTimeout {
			talklog.Info(c.cid, "idle for %s, closing", now.Sub(c.lastActivity).Round(time.Second))
			c.markClosed()
		}
	}
}

// reapClosed 释放本轮标记关闭的连接
func (s *HTTPServer) reapClosed() {
	for cid, c := range s.conns {
		if !c.closing {
			continue
		}
		s.closeConn(c)
		delete(s.conns, cid)
	}
}

func (s *HTTPServer) closeConn(c *Conn) {
	for fd, reg := range s.regs {
		if reg.conn == c {
			s.unregister(fd)
		}
	}
	c.release()
	talklog.Info(c.cid, "连接已关闭")
}

// release 释放所有连接、监听器和唤醒管道，可以重复调用
func (s *HTTPServer) release() {
	for cid, c := range s.conns {
		s.closeConn(c)
		delete(s.conns, cid)
	}
	for _, ln := range s.listeners {
		s.unregister(ln.Fd())
		ln.Close()
	}
	s.listeners = nil
	if s.wakeR >= 0 {
		s.unregister(s.wakeR)
		unix.Close(s.wakeR)
		s.wakeR = -1
	}
	if s.wakeW >= 0 {
		unix.Close(s.wakeW)
		s.wakeW = -1
	}
}
