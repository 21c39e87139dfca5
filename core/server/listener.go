package server

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/Singert/gowebserv/core/router"
	"github.com/Singert/gowebserv/core/vhost"
)

const listenBacklog = 128

// Listener 一个监听套接字，以及通过它能访问到的虚拟主机
type Listener struct {
	fd     int
	addr   string
	port   int
	router *router.Router
}

// Listen 创建非阻塞的 IPv4 监听套接字
func Listen(group vhost.ListenGroup) (*Listener, error) {
	ip := net.ParseIP(group.Address).To4()
	if ip == nil {
		return nil, fmt.Errorf("listen %s: not an IPv4 address", group.Addr())
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	sa := &unix.SockaddrInet4{Port: group.Port}
	copy(sa.Addr[:], ip)
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", group.Addr(), err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", group.Addr(), err)
	}

	// 端口为 0 时取实际分配的端口
	port := group.Port
	if bound, err := unix.Getsockname(fd); err == nil {
		if in4, ok := bound.(*unix.SockaddrInet4); ok {
			port = in4.Port
		}
	}
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
	return &Listener{
		fd:     fd,
		addr:   addr,
		port:   port,
		router: router.NewRouter(addr, group.Hosts),
	}, nil
}

func (l *Listener) Fd() int {
	return l.fd
}

// Addr 实际绑定的 ip:port
func (l *Listener) Addr() string {
	return l.addr
}

func (l *Listener) Port() int {
	return l.port
}

func (l *Listener) Router() *router.Router {
	return l.router
}

// Accept 接受一个连接，返回非阻塞的套接字和对端地址。没有等待中的连接时返回 EAGAIN
func (l *Listener) Accept() (int, string, error) {
	nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, "", err
	}
	return nfd, peerString(sa), nil
}

// Close 关闭监听套接字，可以重复调用
func (l *Listener) Close() error {
	if l.fd < 0 {
		return nil
	}
	err := unix.Close(l.fd)
	l.fd = -1
	return err
}

func peerString(sa unix.Sockaddr) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), strconv.Itoa(v.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), strconv.Itoa(v.Port))
	}
	return "?"
}
