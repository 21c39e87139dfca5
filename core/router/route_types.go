package router

import "github.com/Singert/gowebserv/core/vhost"

// 表示一个路由规则，用于启动日志和 check 命令
type RouteEntry struct {
	Listen      string
	Hosts       []string
	Pattern     string
	Methods     []string
	Description string
}

type RouteEntryJSON struct {
	Listen      string   `json:"listen"`
	Hosts       []string `json:"hosts"`
	Pattern     string   `json:"pattern"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

// Router 一个监听地址上可达的全部虚拟主机，第一个为默认主机
type Router struct {
	listen string
	hosts  []*vhost.VirtualHostConfig
}

func NewRouter(listen string, hosts []*vhost.VirtualHostConfig) *Router {
	return &Router{
		listen: listen,
		hosts:  hosts,
	}
}

// Hosts 返回路由器持有的虚拟主机
func (r *Router) Hosts() []*vhost.VirtualHostConfig {
	return r.hosts
}

func (e RouteEntry) JSON() RouteEntryJSON {
	return RouteEntryJSON(e)
}
