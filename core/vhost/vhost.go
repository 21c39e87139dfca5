// Package vhost holds the virtual host graph built from the directive file:
// hosts, their path rules and the global defaults they inherit from.
package vhost

import (
	"net"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultMethods is the method list of a rule without limit_except.
var DefaultMethods = []string{"GET", "POST", "DELETE"}

// Setting is an optional value. Set distinguishes "inherit" from "set to the zero value".
type Setting[T any] struct {
	Value T
	Set   bool
}

// Some returns a Setting holding v.
func Some[T any](v T) Setting[T] {
	return Setting[T]{Value: v, Set: true}
}

// Resolve returns the first set layer, most specific first.
func Resolve[T any](layers ...Setting[T]) (T, bool) {
	for _, l := range layers {
		if l.Set {
			return l.Value, true
		}
	}
	var zero T
	return zero, false
}

// Globals are the directives found outside any server block.
type Globals struct {
	Root        Setting[string]
	Index       Setting[string]
	MaxBodySize Setting[int64]
	ErrorPages  map[int]string
}

// VirtualHostConfig is one server block.
type VirtualHostConfig struct {
	Address     string
	Port        int
	Names       []string
	Root        Setting[string]
	Index       Setting[string]
	MaxBodySize Setting[int64]
	ErrorPages  map[int]string
	Rules       []*PathRule

	globals *Globals
}

// PathRule is a location block.
type PathRule struct {
	Path        string
	Root        Setting[string]
	Index       Setting[string]
	MaxBodySize Setting[int64]
	ErrorPages  map[int]string

	Methods []string // nil means DefaultMethods
	DenyAll bool

	Redirect string

	CGIEnabled     bool
	CGIExtension   string
	CGIInterpreter string

	UploadEnabled bool
	UploadDir     string

	AutoIndex bool

	host *VirtualHostConfig
}

// NewVirtualHost returns an empty host inheriting from g (which may be nil).
func NewVirtualHost(g *Globals) *VirtualHostConfig {
	if g == nil {
		g = &Globals{}
	}
	return &VirtualHostConfig{
		Address:    "0.0.0.0",
		ErrorPages: map[int]string{},
		globals:    g,
	}
}

// AddRule appends r and binds it to h for the rule's lifetime.
func (h *VirtualHostConfig) AddRule(r *PathRule) {
	if r.ErrorPages == nil {
		r.ErrorPages = map[int]string{}
	}
	r.host = h
	h.Rules = append(h.Rules, r)
}

// Globals returns the defaults h inherits from.
func (h *VirtualHostConfig) Globals() *Globals {
	return h.globals
}

// ListenAddr returns "ip:port".
func (h *VirtualHostConfig) ListenAddr() string {
	return net.JoinHostPort(h.Address, strconv.Itoa(h.Port))
}

// HasName reports whether name is one of the host names.
func (h *VirtualHostConfig) HasName(name string) bool {
	for _, n := range h.Names {
		if n == name {
			return true
		}
	}
	return false
}

// Host returns the owning virtual host.
func (r *PathRule) Host() *VirtualHostConfig {
	return r.host
}

// RootDir is the effective root of the rule.
func (r *PathRule) RootDir() string {
	return r.host.EffectiveRoot(r)
}

// AllowedMethods returns the resolved method list. Nil when DenyAll is set.
func (r *PathRule) AllowedMethods() []string {
	if r == nil || (r.Methods == nil && !r.DenyAll) {
		return DefaultMethods
	}
	if r.DenyAll {
		return nil
	}
	return r.Methods
}

// Allows reports whether method passes the rule's method gate.
func (r *PathRule) Allows(method string) bool {
	for _, m := range r.AllowedMethods() {
		if m == method {
			return true
		}
	}
	return false
}

// MatchesCGI reports whether path should be handed to the gateway.
func (r *PathRule) MatchesCGI(path string) bool {
	return r != nil && r.CGIEnabled && r.CGIExtension != "" && strings.HasSuffix(path, r.CGIExtension)
}

func (r *PathRule) layerRoot() Setting[string] {
	if r == nil {
		return Setting[string]{}
	}
	return r.Root
}

func (r *PathRule) layerIndex() Setting[string] {
	if r == nil {
		return Setting[string]{}
	}
	return r.Index
}

func (r *PathRule) layerMaxBody() Setting[int64] {
	if r == nil {
		return Setting[int64]{}
	}
	return r.MaxBodySize
}

// EffectiveRoot resolves root through rule, host and globals. r may be nil.
func (h *VirtualHostConfig) EffectiveRoot(r *PathRule) string {
	v, _ := Resolve(r.layerRoot(), h.Root, h.globals.Root)
	return v
}

// EffectiveIndex resolves the index file name. r may be nil.
func (h *VirtualHostConfig) EffectiveIndex(r *PathRule) string {
	v, _ := Resolve(r.layerIndex(), h.Index, h.globals.Index)
	return v
}

// EffectiveMaxBodySize resolves the body limit; 0 means unlimited.
func (h *VirtualHostConfig) EffectiveMaxBodySize(r *PathRule) int64 {
	v, _ := Resolve(r.layerMaxBody(), h.MaxBodySize, h.globals.MaxBodySize)
	return v
}

// ErrorPageFiles lists the configured page files for code, most specific first.
// Each page URI is resolved under the root of the layer that declared it.
func (h *VirtualHostConfig) ErrorPageFiles(r *PathRule, code int) []string {
	var files []string
	if r != nil {
		if uri, ok := r.ErrorPages[code]; ok && uri != "" {
			files = append(files, joinUnder(h.EffectiveRoot(r), uri))
		}
	}
	if uri, ok := h.ErrorPages[code]; ok && uri != "" {
		files = append(files, joinUnder(h.EffectiveRoot(nil), uri))
	}
	if uri, ok := h.globals.ErrorPages[code]; ok && uri != "" {
		root, _ := Resolve(h.globals.Root, h.Root)
		files = append(files, joinUnder(root, uri))
	}
	return files
}

func joinUnder(root, uri string) string {
	if root == "" && filepath.IsAbs(uri) {
		return uri
	}
	return filepath.Join(root, filepath.FromSlash("/"+strings.TrimPrefix(uri, "/")))
}
