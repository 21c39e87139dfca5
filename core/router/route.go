package router

import (
	"fmt"
	"net"
	"strings"

	"github.com/Singert/gowebserv/core/vhost"
)

// SelectHost 按 Host 头选择虚拟主机：先精确匹配，再去掉端口后匹配，都不中时用默认主机
func (r *Router) SelectHost(hostHeader string) *vhost.VirtualHostConfig {
	if len(r.hosts) == 0 {
		return nil
	}
	for _, h := range r.hosts {
		if h.HasName(hostHeader) {
			return h
		}
	}
	if name, _, err := net.SplitHostPort(hostHeader); err == nil {
		for _, h := range r.hosts {
			if h.HasName(name) {
				return h
			}
		}
	}
	return r.hosts[0]
}

// SelectRule 最长前缀匹配，没有匹配时返回 nil
func SelectRule(h *vhost.VirtualHostConfig, path string) *vhost.PathRule {
	var best *vhost.PathRule
	for _, rule := range h.Rules {
		if !strings.HasPrefix(path, rule.Path) {
			continue
		}
		if best == nil || len(rule.Path) > len(best.Path) {
			best = rule
		}
	}
	return best
}

// MatchRoute 选出虚拟主机和路径规则
func (r *Router) MatchRoute(hostHeader, path string) (*vhost.VirtualHostConfig, *vhost.PathRule) {
	h := r.SelectHost(hostHeader)
	if h == nil {
		return nil, nil
	}
	return h, SelectRule(h, path)
}

// ListRoutes 列出所有主机的规则
func (r *Router) ListRoutes() []RouteEntry {
	var out []RouteEntry
	for _, h := range r.hosts {
		for _, rule := range h.Rules {
			out = append(out, RouteEntry{
				Listen:      r.listen,
				Hosts:       h.Names,
				Pattern:     rule.Path,
				Methods:     rule.AllowedMethods(),
				Description: describe(h, rule),
			})
		}
	}
	return out
}

func describe(h *vhost.VirtualHostConfig, rule *vhost.PathRule) string {
	switch {
	case rule.DenyAll:
		return "deny all"
	case rule.Redirect != "":
		return "redirect -> " + rule.Redirect
	case rule.CGIEnabled && rule.CGIExtension != "":
		return fmt.Sprintf("cgi %s in %s", rule.CGIExtension, rule.RootDir())
	case rule.UploadEnabled:
		return fmt.Sprintf("static %s, upload -> %s", rule.RootDir(), rule.UploadDir)
	case rule.AutoIndex:
		return fmt.Sprintf("static %s (autoindex)", rule.RootDir())
	}
	return "static " + h.EffectiveRoot(rule)
}
