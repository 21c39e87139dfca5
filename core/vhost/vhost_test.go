package vhost

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
# global defaults
root /srv/global;
client_max_body_size 1m;
error_page 500 /errors/500.html;

server {
    listen 127.0.0.1:8080;
    server_name example.com www.example.com;
    root /srv/www;
    index index.html;
    error_page 404 403 /errors/404.html;

    location / {
        limit_except GET;
    }

    location /cgi-bin/ {
        cgi on;
        cgi_pass .py;
        client_max_body_size 10k;
        limit_except GET POST;
    }

    location /files/ {
        root /srv/files;
        autoindex on;
        upload_enable on;
        upload_store /srv/uploads;
    }

    location /old {
        return http://example.com/new;
    }

    location /private/ {
        limit_except DENY;
    }
}

server {
    listen 127.0.0.1:8080;
    server_name other.test;
    root "/srv/other site";
}

server {
    listen 9090;
    root /srv/nine;
}
`

func TestParseSample(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, cfg.Hosts, 3)

	h := cfg.Hosts[0]
	assert.Equal(t, "127.0.0.1", h.Address)
	assert.Equal(t, 8080, h.Port)
	assert.Equal(t, []string{"example.com", "www.example.com"}, h.Names)
	assert.Equal(t, "/srv/www", h.EffectiveRoot(nil))
	require.Len(t, h.Rules, 5)

	cgi := h.Rules[1]
	assert.True(t, cgi.CGIEnabled)
	assert.Equal(t, ".py", cgi.CGIExtension)
	assert.Equal(t, []string{"GET", "POST"}, cgi.AllowedMethods())
	assert.Equal(t, int64(10<<10), h.EffectiveMaxBodySize(cgi))
	assert.Same(t, h, cgi.Host())

	files := h.Rules[2]
	assert.Equal(t, "/srv/files", files.RootDir())
	assert.True(t, files.AutoIndex)
	assert.Equal(t, "/srv/uploads", files.UploadDir)
	assert.Equal(t, DefaultMethods, files.AllowedMethods())

	assert.Equal(t, "http://example.com/new", h.Rules[3].Redirect)
	assert.True(t, h.Rules[4].DenyAll)
	assert.Nil(t, h.Rules[4].AllowedMethods())

	assert.Equal(t, "/srv/other site", cfg.Hosts[1].EffectiveRoot(nil))
	assert.Equal(t, "0.0.0.0", cfg.Hosts[2].Address)
	assert.Equal(t, 9090, cfg.Hosts[2].Port)

	groups := cfg.Groups()
	require.Len(t, groups, 2)
	assert.Equal(t, "127.0.0.1:8080", groups[0].Addr())
	assert.Len(t, groups[0].Hosts, 2)
	assert.Same(t, h, groups[0].Hosts[0])
}

func TestRootInheritance(t *testing.T) {
	g := &Globals{Root: Some("/global")}
	h := NewVirtualHost(g)
	h.Root = Some("/host")
	r := &PathRule{Path: "/a/"}
	h.AddRule(r)

	assert.Equal(t, "/host", r.RootDir(), "unset rule root reports the host root")
	h.Root = Some("/host2")
	assert.Equal(t, "/host2", r.RootDir())

	r.Root = Some("/rule")
	assert.Equal(t, "/rule", r.RootDir())
	h.Root = Some("/host3")
	assert.Equal(t, "/rule", r.RootDir(), "a set rule root stays its own")

	h.Root = Setting[string]{}
	r.Root = Setting[string]{}
	assert.Equal(t, "/global", r.RootDir())
}

func TestSetToEmptyIsNotInherit(t *testing.T) {
	h := NewVirtualHost(nil)
	h.Index = Some("index.html")
	r := &PathRule{Path: "/raw/", Index: Some("")}
	h.AddRule(r)
	assert.Equal(t, "", h.EffectiveIndex(r))
	assert.Equal(t, "index.html", h.EffectiveIndex(nil))
}

func TestResolve(t *testing.T) {
	v, ok := Resolve(Setting[int64]{}, Some[int64](0), Some[int64](5))
	assert.True(t, ok)
	assert.Equal(t, int64(0), v)

	_, ok = Resolve[string]()
	assert.False(t, ok)
}

func TestErrorPageFiles(t *testing.T) {
	g := &Globals{Root: Some("/g"), ErrorPages: map[int]string{404: "/g404.html", 500: "/g500.html"}}
	h := NewVirtualHost(g)
	h.Root = Some("/h")
	h.ErrorPages[404] = "/h404.html"
	r := &PathRule{Path: "/x/", Root: Some("/r"), ErrorPages: map[int]string{404: "/r404.html"}}
	h.AddRule(r)

	assert.Equal(t, []string{"/r/r404.html", "/h/h404.html", "/g/g404.html"}, h.ErrorPageFiles(r, 404))
	assert.Equal(t, []string{"/g/g500.html"}, h.ErrorPageFiles(r, 500))
	assert.Empty(t, h.ErrorPageFiles(nil, 403))
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"no servers", "root /x;", ErrNoServers.Error()},
		{"missing root", "server { listen 80; }", "root is required"},
		{"bad port", "server { listen 1.2.3.4:99999; root /x; }", "invalid listen port"},
		{"ipv6", "server { listen [::1]:80; root /x; }", "not an IPv4"},
		{"missing semicolon", "server { root /x }", "missing ';'"},
		{"unknown", "server { root /x; bogus 1; }", "unknown server directive"},
		{"unclosed", "server { root /x;", "not closed"},
		{"bad size", "server { root /x; client_max_body_size 12q; }", "invalid size"},
		{"bad onoff", "server { root /x; location / { autoindex maybe; } }", "expected on or off"},
		{"relative location", "server { root /x; location api { } }", "must start with '/'"},
		{"upload without store", "server { root /x; location /u/ { upload_enable on; } }", "upload_store"},
		{"quote", "server { root \"/x; }", "unterminated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadFileReportsPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "site.conf")
	require.NoError(t, os.WriteFile(path, []byte("server {\n  root /x;\n  nope;\n}\n"), 0644))

	_, err := LoadFile(path)
	var se *SyntaxError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, path, se.File)
	assert.Equal(t, 3, se.Line)
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"0", 0, true},
		{"512", 512, true},
		{"2k", 2048, true},
		{"3M", 3 << 20, true},
		{"1g", 1 << 30, true},
		{"-1", 0, false},
		{"k", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			n, err := ParseSize(tt.in)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}
}
