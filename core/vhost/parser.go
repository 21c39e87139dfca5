package vhost

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"
)

// ErrNoServers is returned when a file declares no server block.
var ErrNoServers = errors.New("no server block defined")

// SyntaxError reports a malformed directive.
type SyntaxError struct {
	File string
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
	}
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}

// Config is the parsed directive file.
type Config struct {
	Globals *Globals
	Hosts   []*VirtualHostConfig
}

// ListenGroup is one distinct address:port with the hosts reachable through it,
// in declaration order. The first host is the default.
type ListenGroup struct {
	Address string
	Port    int
	Hosts   []*VirtualHostConfig
}

// Addr returns "ip:port".
func (g ListenGroup) Addr() string {
	return net.JoinHostPort(g.Address, strconv.Itoa(g.Port))
}

// Groups deduplicates listen addresses.
func (c *Config) Groups() []ListenGroup {
	var groups []ListenGroup
	index := map[string]int{}
	for _, h := range c.Hosts {
		key := h.ListenAddr()
		if i, ok := index[key]; ok {
			groups[i].Hosts = append(groups[i].Hosts, h)
			continue
		}
		index[key] = len(groups)
		groups = append(groups, ListenGroup{Address: h.Address, Port: h.Port, Hosts: []*VirtualHostConfig{h}})
	}
	return groups
}

type token struct {
	text string
	line int
}

// LoadFile parses the directive file at path.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	var se *SyntaxError
	if errors.As(err, &se) {
		se.File = path
	}
	return cfg, err
}

// Parse reads a directive file. Relative paths are made absolute against the
// working directory.
func Parse(r io.Reader) (*Config, error) {
	toks, err := tokenize(r)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, cfg: &Config{Globals: &Globals{ErrorPages: map[int]string{}}}}
	if err := p.parseGlobal(); err != nil {
		return nil, err
	}
	if err := p.cfg.validate(); err != nil {
		return nil, err
	}
	return p.cfg, nil
}

func tokenize(r io.Reader) ([]token, error) {
	var toks []token
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		s := sc.Text()
		var cur strings.Builder
		flush := func() {
			if cur.Len() > 0 {
				toks = append(toks, token{cur.String(), line})
				cur.Reset()
			}
		}
		for i := 0; i < len(s); i++ {
			c := s[i]
			switch {
			case c == '#':
				i = len(s)
			case c == '"' || c == '\'':
				flush()
				end := strings.IndexByte(s[i+1:], c)
				if end < 0 {
					return nil, &SyntaxError{Line: line, Msg: "unterminated quoted string"}
				}
				toks = append(toks, token{s[i+1 : i+1+end], line})
				i += end + 1
			case c == '{' || c == '}' || c == ';':
				flush()
				toks = append(toks, token{string(c), line})
			case unicode.IsSpace(rune(c)):
				flush()
			default:
				cur.WriteByte(c)
			}
		}
		flush()
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
	cfg  *Config
}

func (p *parser) errorf(format string, a ...any) error {
	line := 0
	if p.pos < len(p.toks) {
		line = p.toks[p.pos].line
	} else if len(p.toks) > 0 {
		line = p.toks[len(p.toks)-1].line
	}
	return &SyntaxError{Line: line, Msg: fmt.Sprintf(format, a...)}
}

func (p *parser) next() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	t := p.toks[p.pos]
	p.pos++
	return t, true
}

func (p *parser) expect(s string) error {
	t, ok := p.next()
	if !ok {
		return p.errorf("expected %q, got end of file", s)
	}
	if t.text != s {
		p.pos--
		return p.errorf("expected %q, got %q", s, t.text)
	}
	return nil
}

// args collects the arguments of a directive up to its ';'.
func (p *parser) args(name string) ([]string, error) {
	var out []string
	for {
		t, ok := p.next()
		if !ok {
			return nil, p.errorf("directive %q is missing ';'", name)
		}
		switch t.text {
		case ";":
			return out, nil
		case "{", "}":
			p.pos--
			return nil, p.errorf("directive %q is missing ';'", name)
		}
		out = append(out, t.text)
	}
}

func (p *parser) argsN(name string, n int) ([]string, error) {
	a, err := p.args(name)
	if err != nil {
		return nil, err
	}
	if len(a) != n {
		return nil, p.errorf("directive %q takes %d argument(s), got %d", name, n, len(a))
	}
	return a, nil
}

func (p *parser) parseGlobal() error {
	g := p.cfg.Globals
	for {
		t, ok := p.next()
		if !ok {
			return nil
		}
		switch t.text {
		case "server":
			if err := p.parseServer(); err != nil {
				return err
			}
		case "root":
			a, err := p.argsN(t.text, 1)
			if err != nil {
				return err
			}
			g.Root = Some(absPath(a[0]))
		case "index":
			a, err := p.argsN(t.text, 1)
			if err != nil {
				return err
			}
			g.Index = Some(a[0])
		case "client_max_body_size":
			n, err := p.size(t.text)
			if err != nil {
				return err
			}
			g.MaxBodySize = Some(n)
		case "error_page":
			if err := p.errorPage(g.ErrorPages); err != nil {
				return err
			}
		default:
			p.pos--
			return p.errorf("unknown directive %q", t.text)
		}
	}
}

func (p *parser) parseServer() error {
	if err := p.expect("{"); err != nil {
		return err
	}
	h := NewVirtualHost(p.cfg.Globals)
	listenSet := false
	for {
		t, ok := p.next()
		if !ok {
			return p.errorf("server block is not closed")
		}
		switch t.text {
		case "}":
			if !listenSet {
				h.Port = 80
			}
			p.cfg.Hosts = append(p.cfg.Hosts, h)
			return nil
		case "listen":
			a, err := p.argsN(t.text, 1)
			if err != nil {
				return err
			}
			addr, port, err := parseListen(a[0])
			if err != nil {
				return p.errorf("%v", err)
			}
			h.Address, h.Port, listenSet = addr, port, true
		case "server_name":
			a, err := p.args(t.text)
			if err != nil {
				return err
			}
			h.Names = append(h.Names, a...)
		case "root":
			a, err := p.argsN(t.text, 1)
			if err != nil {
				return err
			}
			h.Root = Some(absPath(a[0]))
		case "index":
			a, err := p.argsN(t.text, 1)
			if err != nil {
				return err
			}
			h.Index = Some(a[0])
		case "client_max_body_size":
			n, err := p.size(t.text)
			if err != nil {
				return err
			}
			h.MaxBodySize = Some(n)
		case "error_page":
			if err := p.errorPage(h.ErrorPages); err != nil {
				return err
			}
		case "location":
			if err := p.parseLocation(h); err != nil {
				return err
			}
		default:
			p.pos--
			return p.errorf("unknown server directive %q", t.text)
		}
	}
}

func (p *parser) parseLocation(h *VirtualHostConfig) error {
	t, ok := p.next()
	if !ok || t.text == "{" {
		return p.errorf("location needs a path")
	}
	if !strings.HasPrefix(t.text, "/") {
		return p.errorf("location path %q must start with '/'", t.text)
	}
	if err := p.expect("{"); err != nil {
		return err
	}
	r := &PathRule{Path: t.text, ErrorPages: map[int]string{}}
	for {
		t, ok := p.next()
		if !ok {
			return p.errorf("location block is not closed")
		}
		if t.text == "}" {
			h.AddRule(r)
			return nil
		}
		if err := p.locationDirective(r, t.text); err != nil {
			return err
		}
	}
}

func (p *parser) locationDirective(r *PathRule, name string) error {
	switch name {
	case "root":
		a, err := p.argsN(name, 1)
		if err != nil {
			return err
		}
		r.Root = Some(absPath(a[0]))
	case "index":
		a, err := p.argsN(name, 1)
		if err != nil {
			return err
		}
		r.Index = Some(a[0])
	case "client_max_body_size":
		n, err := p.size(name)
		if err != nil {
			return err
		}
		r.MaxBodySize = Some(n)
	case "error_page":
		return p.errorPage(r.ErrorPages)
	case "autoindex", "cgi", "upload_enable":
		a, err := p.argsN(name, 1)
		if err != nil {
			return err
		}
		on, err := onOff(a[0])
		if err != nil {
			return p.errorf("%s: %v", name, err)
		}
		switch name {
		case "autoindex":
			r.AutoIndex = on
		case "cgi":
			r.CGIEnabled = on
		default:
			r.UploadEnabled = on
		}
	case "limit_except":
		a, err := p.args(name)
		if err != nil {
			return err
		}
		if len(a) == 0 {
			return p.errorf("limit_except needs at least one method")
		}
		r.Methods = []string{}
		for _, m := range a {
			m = strings.ToUpper(m)
			if m == "DENY" {
				r.DenyAll = true
				continue
			}
			r.Methods = append(r.Methods, m)
		}
	case "return":
		a, err := p.argsN(name, 1)
		if err != nil {
			return err
		}
		r.Redirect = a[0]
	case "cgi_pass":
		a, err := p.argsN(name, 1)
		if err != nil {
			return err
		}
		if !strings.HasPrefix(a[0], ".") {
			return p.errorf("cgi_pass expects an extension such as .py, got %q", a[0])
		}
		r.CGIExtension = a[0]
	case "cgi_interpreter":
		a, err := p.argsN(name, 1)
		if err != nil {
			return err
		}
		r.CGIInterpreter = a[0]
	case "upload_store":
		a, err := p.argsN(name, 1)
		if err != nil {
			return err
		}
		r.UploadDir = absPath(a[0])
	default:
		p.pos--
		return p.errorf("unknown location directive %q", name)
	}
	return nil
}

// error_page 404 500 /errors/50x.html;
func (p *parser) errorPage(pages map[int]string) error {
	a, err := p.args("error_page")
	if err != nil {
		return err
	}
	if len(a) < 2 {
		return p.errorf("error_page needs status codes and a page")
	}
	uri := a[len(a)-1]
	for _, c := range a[:len(a)-1] {
		code, err := strconv.Atoi(c)
		if err != nil || code < 300 || code > 599 {
			return p.errorf("invalid error_page status %q", c)
		}
		pages[code] = uri
	}
	return nil
}

func (p *parser) size(name string) (int64, error) {
	a, err := p.argsN(name, 1)
	if err != nil {
		return 0, err
	}
	n, err := ParseSize(a[0])
	if err != nil {
		return 0, p.errorf("%s: %v", name, err)
	}
	return n, nil
}

// ParseSize parses "512", "10k", "8m" or "1g".
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, errors.New("empty size")
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1 << 10
	case 'm', 'M':
		mult = 1 << 20
	case 'g', 'G':
		mult = 1 << 30
	}
	digits := s
	if mult != 1 {
		digits = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}

func onOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

// parseListen accepts "ip:port", "host:port" or "port".
func parseListen(s string) (string, int, error) {
	host, portStr := "0.0.0.0", s
	if strings.Contains(s, ":") {
		var err error
		host, portStr, err = net.SplitHostPort(s)
		if err != nil {
			return "", 0, fmt.Errorf("invalid listen %q", s)
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid listen port %q", portStr)
	}
	switch host {
	case "", "*":
		host = "0.0.0.0"
	case "localhost":
		host = "127.0.0.1"
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return "", 0, fmt.Errorf("listen address %q is not an IPv4 address", host)
	}
	return ip.To4().String(), port, nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func (c *Config) validate() error {
	if len(c.Hosts) == 0 {
		return ErrNoServers
	}
	for i, h := range c.Hosts {
		if h.EffectiveRoot(nil) == "" {
			return fmt.Errorf("server #%d (%s): root is required", i+1, h.ListenAddr())
		}
		for _, r := range h.Rules {
			if r.UploadEnabled && r.UploadDir == "" {
				return fmt.Errorf("server #%d location %s: upload_enable needs upload_store", i+1, r.Path)
			}
		}
	}
	return nil
}
