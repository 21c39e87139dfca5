package server

import (
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Singert/gowebserv/core/cgi"
	"github.com/Singert/gowebserv/core/handler"
	"github.com/Singert/gowebserv/core/request"
	"github.com/Singert/gowebserv/core/talklog"
	"github.com/Singert/gowebserv/core/vhost"
)

// Conn 一个客户端连接。只在事件循环的 goroutine 中访问
type Conn struct {
	cid    uint64
	fd     int
	remote string
	ln     *Listener

	req *request.Request

	out    []byte
	cursor int

	lastActivity time.Time

	job  *cgi.Job
	host *vhost.VirtualHostConfig
	rule *vhost.PathRule

	closeAfterFlush bool
	closing         bool
	closed          bool
}

func newConn(cid uint64, fd int, remote string, ln *Listener, maxBody int64, now time.Time) *Conn {
	return &Conn{
		cid:          cid,
		fd:           fd,
		remote:       remote,
		ln:           ln,
		req:          request.New(maxBody),
		lastActivity: now,
	}
}

// busy 正在产生或发送响应时不解析新的请求
func (c *Conn) busy() bool {
	return c.job != nil || len(c.out) > 0 || c.closeAfterFlush
}

func (c *Conn) wantWrite() bool {
	return c.cursor < len(c.out)
}

func (c *Conn) remoteIP() string {
	if host, _, err := net.SplitHostPort(c.remote); err == nil {
		return host
	}
	return c.remote
}

// read 读取一次套接字。对端关闭或出错时返回 false
func (c *Conn) read(buf []byte, now time.Time) bool {
	n, err := unix.Read(c.fd, buf)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return true
	case err != nil:
		talklog.Warn(c.cid, "read: %v", err)
		return false
	case n == 0:
		return false
	}
	c.lastActivity = now
	if !c.closeAfterFlush {
		c.req.Append(buf[:n])
	}
	return true
}

// flush 尽可能多地写出缓冲的响应。写出错时返回 false
func (c *Conn) flush(now time.Time) bool {
	for c.cursor < len(c.out) {
		n, err := unix.Write(c.fd, c.out[c.cursor:])
		if err == unix.EAGAIN || err == unix.EINTR {
			return true
		}
		if err != nil {
			talklog.Warn(c.cid, "write: %v", err)
			return false
		}
		c.cursor += n
		c.lastActivity = now
	}
	return true
}

// respond 把响应放入发送缓冲
func (c *Conn) respond(resp *handler.Response) {
	if !c.req.Failed() && !c.req.KeepAlive() {
		resp.Close = true
	}
	c.closeAfterFlush = resp.Close
	c.out = resp.Bytes()
	c.cursor = 0
	talklog.Resp(c.cid, resp.Status)
	talklog.Access(c.cid, c.remoteIP(), c.req.RequestLine(), resp.Status, len(resp.Body))
}

// sent 响应发送完毕后的处理。返回 true 表示可以处理下一个请求
func (c *Conn) sent() bool {
	c.out = nil
	c.cursor = 0
	if c.closeAfterFlush {
		c.closing = true
		return false
	}
	c.req.Reset()
	return true
}

// markClosed 标记连接，在本轮循环结束时释放
func (c *Conn) markClosed() {
	c.closing = true
}

// release 释放套接字和 CGI 任务，可以重复调用
func (c *Conn) release() {
	if c.closed {
		return
	}
	c.closed = true
	if c.job != nil {
		c.job.Close()
		c.job = nil
		talklog.ClearPrefix(c.cid)
	}
	unix.Close(c.fd)
	c.fd = -1
}
