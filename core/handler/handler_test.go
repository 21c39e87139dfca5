package handler

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/Singert/gowebserv/core/request"
	"github.com/Singert/gowebserv/core/router"
	"github.com/Singert/gowebserv/core/vhost"
)

const siteConf = `
error_page 500 /global500.html;
server {
    listen 127.0.0.1:8080;
    server_name x;
    root %[1]s/www;
    index index.html;
    error_page 404 /errors/404.html;

    location /static/ {
        limit_except GET;
    }
    location /private/ {
        limit_except DENY;
    }
    location /small/ {
        client_max_body_size 4;
    }
    location /old {
        return /new/;
    }
    location /browse/ {
        autoindex on;
    }
    location /cgi-bin/ {
        root %[1]s/scripts;
        cgi on;
        cgi_pass .sh;
        cgi_interpreter /bin/sh;
        error_page 404 /missing.html;
    }
    location /upload/ {
        upload_enable on;
        upload_store %[1]s/uploads;
    }
}
`

type site struct {
	dir string
	rt  *router.Router
	d   *Dispatcher
}

func newSite(t *testing.T) *site {
	t.Helper()
	dir := t.TempDir()
	for _, sub := range []string{"www/static", "www/browse/sub", "www/errors", "scripts", "uploads"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, sub), 0755))
	}
	write := func(rel, content string, mode os.FileMode) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, rel), []byte(content), mode))
	}
	write("www/index.html", "<h1>home</h1>", 0644)
	write("www/static/app.css", "body{}", 0644)
	write("www/browse/a b.txt", "a", 0644)
	write("www/errors/404.html", "host not found page", 0644)
	write("scripts/missing.html", "rule not found page", 0644)
	write("scripts/hello.sh", "echo \"hello $*\"\n", 0755)

	cfg, err := vhost.Parse(strings.NewReader(fmt.Sprintf(siteConf, dir)))
	require.NoError(t, err)
	return &site{
		dir: dir,
		rt:  router.NewRouter("127.0.0.1:8080", cfg.Hosts),
		d:   NewDispatcher(Options{Interpreter: "/bin/sh", CGITimeout: 5 * time.Second}),
	}
}

func parseRequest(t *testing.T, raw string) *request.Request {
	t.Helper()
	req := request.New(0)
	req.Append([]byte(raw))
	require.Equal(t, request.StateComplete, req.Parse(), req.Reason())
	return req
}

func (s *site) do(t *testing.T, raw string) Decision {
	t.Helper()
	return s.d.Dispatch(s.rt, parseRequest(t, raw), Peer{CID: 1, RemoteAddr: "127.0.0.1", ServerPort: 8080})
}

func get(path string, extra ...string) string {
	return "GET " + path + " HTTP/1.1\r\nHost: x\r\n" + strings.Join(extra, "") + "\r\n"
}

func TestStaticFile(t *testing.T) {
	s := newSite(t)
	dec := s.do(t, get("/static/app.css"))
	require.NotNil(t, dec.Response)
	assert.Nil(t, dec.Job)
	assert.Equal(t, 200, dec.Response.Status)
	assert.Equal(t, "body{}", string(dec.Response.Body))
	assert.Contains(t, dec.Response.Header("Content-Type"), "text/css")
	assert.NotEmpty(t, dec.Response.Header("Last-Modified"))

	dec = s.do(t, get("/"))
	assert.Equal(t, 200, dec.Response.Status)
	assert.Equal(t, "<h1>home</h1>", string(dec.Response.Body))
}

func TestStaticNotModified(t *testing.T) {
	s := newSite(t)
	future := time.Now().Add(time.Hour).UTC().Format(time.RFC1123)
	dec := s.do(t, get("/static/app.css", "If-Modified-Since: "+future+"\r\n"))
	assert.Equal(t, 304, dec.Response.Status)
	assert.Empty(t, dec.Response.Body)
}

func TestStaticGzip(t *testing.T) {
	s := newSite(t)
	s.d.opts.Gzip = true
	dec := s.do(t, get("/static/app.css", "Accept-Encoding: gzip, deflate\r\n"))
	require.Equal(t, 200, dec.Response.Status)
	assert.Equal(t, "gzip", dec.Response.Header("Content-Encoding"))
	zr, err := gzip.NewReader(bytes.NewReader(dec.Response.Body))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "body{}", string(plain))
}

func TestDirectoryHandling(t *testing.T) {
	s := newSite(t)

	dec := s.do(t, get("/browse"))
	assert.Equal(t, 301, dec.Response.Status)
	assert.Equal(t, "/browse/", dec.Response.Header("Location"))

	// index.html is missing but the rule lists directories
	dec = s.do(t, get("/browse/"))
	require.Equal(t, 200, dec.Response.Status)
	assert.Equal(t, []string{"a%20b.txt", "sub/"}, hrefs(t, dec.Response.Body)[1:])

	// index.html missing, no autoindex
	dec = s.do(t, get("/static/"))
	assert.Equal(t, 404, dec.Response.Status)
	assert.Equal(t, "host not found page", string(dec.Response.Body))
}

func TestMethodGate(t *testing.T) {
	s := newSite(t)
	dec := s.do(t, "DELETE /static/app.css HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, 405, dec.Response.Status)
	assert.Equal(t, "GET", dec.Response.Header("Allow"))

	dec = s.do(t, get("/private/secret"))
	assert.Equal(t, 405, dec.Response.Status)
	assert.Empty(t, dec.Response.Header("Allow"))

	// POST without upload or CGI falls through
	dec = s.do(t, "POST /index.html HTTP/1.1\r\nHost: x\r\nContent-Type: application/x-www-form-urlencoded\r\nContent-Length: 3\r\n\r\na=1")
	assert.Equal(t, 405, dec.Response.Status)
	assert.Equal(t, "GET, POST, DELETE", dec.Response.Header("Allow"))
}

func TestSizeGate(t *testing.T) {
	s := newSite(t)
	dec := s.do(t, "POST /small/x HTTP/1.1\r\nHost: x\r\nContent-Type: application/x-www-form-urlencoded\r\nContent-Length: 5\r\n\r\nabcde")
	assert.Equal(t, 413, dec.Response.Status)
}

func TestRedirect(t *testing.T) {
	s := newSite(t)
	dec := s.do(t, get("/old/page"))
	assert.Equal(t, 302, dec.Response.Status)
	assert.Equal(t, "/new/", dec.Response.Header("Location"))
	assert.Equal(t, "Redirecting to /new/", string(dec.Response.Body))
}

func TestErrorPageFallback(t *testing.T) {
	s := newSite(t)
	tests := []struct {
		name string
		path string
		want string
	}{
		{"rule page", "/cgi-bin/nope.sh", "rule not found page"},
		{"host page", "/nope.html", "host not found page"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := s.do(t, get(tt.path))
			assert.Equal(t, 404, dec.Response.Status)
			assert.Equal(t, tt.want, string(dec.Response.Body))
		})
	}

	// no page file on any level
	resp := s.d.ErrorResponse(403, s.rt.Hosts()[0], nil)
	assert.Contains(t, string(resp.Body), "Error code: 403")
	assert.Contains(t, string(resp.Body), "Forbidden")

	// a configured page that does not exist falls through to the built-in one
	resp = s.d.ErrorResponse(500, s.rt.Hosts()[0], nil)
	assert.Contains(t, string(resp.Body), "Internal Server Error")
}

func TestProtocolErrorCloses(t *testing.T) {
	s := newSite(t)
	req := request.New(0)
	req.Append([]byte("GET / HTTP/1.1\r\nHost: x\r\nContent-Length: -1\r\n\r\n"))
	require.Equal(t, request.StateError, req.Parse())
	resp := s.d.ProtocolError(s.rt, req)
	assert.Equal(t, 400, resp.Status)
	assert.True(t, resp.Close)
	assert.Contains(t, string(resp.Bytes()), "Connection: close\r\n")
}

func TestDelete(t *testing.T) {
	s := newSite(t)
	www := filepath.Join(s.dir, "www")
	require.NoError(t, os.WriteFile(filepath.Join(www, "data.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(www, "ro.txt"), []byte("x"), 0444))
	outside := filepath.Join(s.dir, "outside.txt")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0644))
	require.NoError(t, os.Symlink(outside, filepath.Join(www, "link.txt")))

	del := func(p string) int {
		return s.do(t, "DELETE "+p+" HTTP/1.1\r\nHost: x\r\n\r\n").Response.Status
	}
	assert.Equal(t, 204, del("/data.txt"))
	assert.NoFileExists(t, filepath.Join(www, "data.txt"))
	assert.Equal(t, 404, del("/data.txt"))
	assert.Equal(t, 403, del("/ro.txt"))
	assert.FileExists(t, filepath.Join(www, "ro.txt"))
	assert.Equal(t, 400, del("/browse/"))
	assert.Equal(t, 403, del("/browse"))
	assert.Equal(t, 403, del("/link.txt"))
	assert.FileExists(t, outside)
}

func TestUpload(t *testing.T) {
	s := newSite(t)
	body := "--XyZ\r\n" +
		"Content-Disposition: form-data; name=\"file\"; filename=\"../note.txt\"\r\n" +
		"Content-Type: text/plain\r\n\r\n" +
		"uploaded\r\n" +
		"--XyZ--\r\n"
	raw := fmt.Sprintf("POST /upload/ HTTP/1.1\r\nHost: x\r\nContent-Type: multipart/form-data; boundary=\"XyZ\"\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	dec := s.do(t, raw)
	require.Equal(t, 201, dec.Response.Status)
	assert.Equal(t, "File upload successful.\n", string(dec.Response.Body))
	data, err := os.ReadFile(filepath.Join(s.dir, "uploads", "note.txt"))
	require.NoError(t, err)
	assert.Equal(t, "uploaded", string(data))

	raw = "POST /upload/ HTTP/1.1\r\nHost: x\r\nContent-Type: application/x-www-form-urlencoded\r\nContent-Length: 3\r\n\r\na=1"
	assert.Equal(t, 415, s.do(t, raw).Response.Status)
}

func TestCGIDispatch(t *testing.T) {
	s := newSite(t)
	dec := s.do(t, get("/cgi-bin/hello.sh?b=2&a=1"))
	require.Nil(t, dec.Response)
	require.NotNil(t, dec.Job)
	defer dec.Job.Close()
	assert.Equal(t, []string{"/bin/sh", "./hello.sh", "--a=1", "--b=2"}, dec.Job.Argv())

	deadline := time.Now().Add(5 * time.Second)
	for !dec.Job.Done() && time.Now().Before(deadline) {
		fds := []unix.PollFd{{Fd: int32(dec.Job.Fd()), Events: unix.POLLIN}}
		if _, err := unix.Poll(fds, 50); err == nil && fds[0].Revents != 0 {
			dec.Job.Drain()
		}
	}
	resp := s.d.CGIResponse(dec.Job, dec.Host, dec.Rule)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "hello --a=1 --b=2\n", string(resp.Body))
	assert.Equal(t, "text/html", resp.Header("Content-Type"))

	dec = s.do(t, "DELETE /cgi-bin/hello.sh HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, 405, dec.Response.Status)
	assert.Equal(t, "GET, POST", dec.Response.Header("Allow"))
}

func TestCGIScriptNotRegular(t *testing.T) {
	s := newSite(t)
	require.NoError(t, os.Mkdir(filepath.Join(s.dir, "scripts", "dir.sh"), 0755))
	dec := s.do(t, get("/cgi-bin/dir.sh"))
	require.NotNil(t, dec.Response)
	assert.Equal(t, 403, dec.Response.Status)
}

func TestResponseBytes(t *testing.T) {
	resp := NewResponse(200)
	resp.SetHeader("Content-Type", "text/plain")
	resp.SetHeader("content-type", "text/html")
	resp.Body = []byte("hi")
	out := string(resp.Bytes())
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"))
	assert.Contains(t, out, "Content-Type: text/html\r\n")
	assert.Contains(t, out, "Content-Length: 2\r\n")
	assert.Contains(t, out, "Connection: keep-alive\r\n")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\nhi"))

	out = string(NewResponse(204).Bytes())
	assert.NotContains(t, out, "Content-Length")
}
