package cgi

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/Singert/gowebserv/core/request"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0755))
	return path
}

// waitDone drives the job the way the event loop does: poll the pipe, read on
// readiness, drain on hang-up.
func waitDone(t *testing.T, j *Job, limit time.Duration) {
	t.Helper()
	deadline := time.Now().Add(limit)
	for !j.Done() {
		require.True(t, time.Now().Before(deadline), "job did not finish")
		if j.Expired(time.Now()) {
			j.Timeout()
			break
		}
		fds := []unix.PollFd{{Fd: int32(j.Fd()), Events: unix.POLLIN}}
		_, err := unix.Poll(fds, 50)
		if err == unix.EINTR {
			continue
		}
		require.NoError(t, err)
		switch {
		case fds[0].Revents&unix.POLLIN != 0:
			j.OnReadable()
		case fds[0].Revents&unix.POLLHUP != 0:
			j.Drain()
		}
	}
}

func TestArgvSortedAndDecoded(t *testing.T) {
	j := New(Spec{
		Interpreter: "/usr/bin/python3",
		Script:      "/srv/cgi-bin/form.py",
		Params:      map[string]string{"b": "2", "a": "1", "name": "John Doe"},
	})
	assert.Equal(t, []string{"/usr/bin/python3", "./form.py", "--a=1", "--b=2", "--name=John Doe"}, j.Argv())
}

func TestRunSuccess(t *testing.T) {
	script := writeScript(t, "echo \"$@\"\necho \"$REQUEST_METHOD ${PWD##*/}\"\n")
	j := New(Spec{
		Interpreter: "/bin/sh",
		Script:      script,
		Params:      map[string]string{"a": "1", "b": "2"},
		Env:         []string{"REQUEST_METHOD=POST", "PATH=" + os.Getenv("PATH")},
	})
	require.NoError(t, j.Start())
	defer j.Close()
	assert.Equal(t, StateRunning, j.State())
	assert.Greater(t, j.Pid(), 0)

	waitDone(t, j, 5*time.Second)
	status, out := j.Result()
	assert.Equal(t, 200, status)
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "--a=1 --b=2", lines[0])
	assert.Equal(t, "POST "+filepath.Base(filepath.Dir(script)), lines[1])
	assert.Equal(t, "exit 0", j.ExitStatus())
}

func TestNonZeroExitIsBadGateway(t *testing.T) {
	script := writeScript(t, "echo partial\nexit 3\n")
	j := New(Spec{Interpreter: "/bin/sh", Script: script})
	require.NoError(t, j.Start())
	defer j.Close()

	waitDone(t, j, 5*time.Second)
	status, _ := j.Result()
	assert.Equal(t, 502, status)
	assert.Equal(t, "exit 3", j.ExitStatus())
}

func TestKilledBySignalIsBadGateway(t *testing.T) {
	script := writeScript(t, "kill -TERM $$\n")
	j := New(Spec{Interpreter: "/bin/sh", Script: script})
	require.NoError(t, j.Start())
	defer j.Close()

	waitDone(t, j, 5*time.Second)
	status, _ := j.Result()
	assert.Equal(t, 502, status)
}

func TestTimeout(t *testing.T) {
	script := writeScript(t, "exec sleep 10\n")
	j := New(Spec{Interpreter: "/bin/sh", Script: script, Timeout: 200 * time.Millisecond})
	require.NoError(t, j.Start())
	defer j.Close()

	start := time.Now()
	waitDone(t, j, 3*time.Second)
	assert.Less(t, time.Since(start), 2*time.Second)
	status, _ := j.Result()
	assert.Equal(t, 504, status)
	assert.Equal(t, StateTimedOut, j.State())
	assert.False(t, j.Running())
	assert.Equal(t, "signal killed", j.ExitStatus())
}

func TestOutputCap(t *testing.T) {
	script := writeScript(t, "head -c 100000 /dev/zero\n")
	j := New(Spec{Interpreter: "/bin/sh", Script: script, MaxOutput: 1000})
	require.NoError(t, j.Start())
	defer j.Close()

	waitDone(t, j, 5*time.Second)
	status, _ := j.Result()
	assert.Equal(t, 502, status)
}

func TestStartFailure(t *testing.T) {
	j := New(Spec{Interpreter: "/nonexistent/interpreter", Script: "/tmp/x.py"})
	err := j.Start()
	var se *StartError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 502, se.Status)
	assert.Equal(t, -1, j.Fd())
	j.Close()
	j.Close()
}

func TestRunningAndIdempotentClose(t *testing.T) {
	script := writeScript(t, "exec sleep 10\n")
	j := New(Spec{Interpreter: "/bin/sh", Script: script})
	require.NoError(t, j.Start())
	assert.True(t, j.Running())

	j.Close()
	assert.Equal(t, StateClosed, j.State())
	assert.False(t, j.Running())
	assert.Equal(t, -1, j.Fd())
	status, _ := j.Result()
	assert.Equal(t, 502, status)

	j.Close()
	assert.True(t, j.Drain())
	assert.True(t, j.OnReadable())
}

func TestExitedChildIsNotWaitedTwice(t *testing.T) {
	script := writeScript(t, "exit 0\n")
	j := New(Spec{Interpreter: "/bin/sh", Script: script})
	require.NoError(t, j.Start())
	defer j.Close()

	require.Eventually(t, func() bool { return !j.Running() }, 3*time.Second, 10*time.Millisecond)
	assert.False(t, j.Running())

	waitDone(t, j, 3*time.Second)
	status, _ := j.Result()
	assert.Equal(t, 200, status)
}

func TestParamsAndEnviron(t *testing.T) {
	get := request.New(0)
	get.Append([]byte("GET /cgi-bin/a.py?x=1&y=hello%20world HTTP/1.1\r\nHost: h\r\nUser-Agent: test\r\n\r\n"))
	require.True(t, get.Parse() == request.StateComplete)
	assert.Equal(t, map[string]string{"x": "1", "y": "hello world"}, Params(get))

	post := request.New(0)
	post.Append([]byte("POST /cgi-bin/a.py HTTP/1.0\r\nHost: h\r\nContent-Type: application/x-www-form-urlencoded\r\nContent-Length: 7\r\n\r\na=1&b=2"))
	require.True(t, post.Parse() == request.StateComplete)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, Params(post))

	env := Environ(post, "/srv/cgi-bin/a.py", ServerInfo{Software: "GoWebserv/0.1", Name: "h", Port: 8080, RemoteAddr: "127.0.0.1"})
	assert.Contains(t, env, "GATEWAY_INTERFACE=CGI/1.1")
	assert.Contains(t, env, "SERVER_PROTOCOL=HTTP/1.0")
	assert.Contains(t, env, "REQUEST_METHOD=POST")
	assert.Contains(t, env, "SCRIPT_FILENAME=/srv/cgi-bin/a.py")
	assert.Contains(t, env, "CONTENT_TYPE=application/x-www-form-urlencoded")
	assert.Contains(t, env, "CONTENT_LENGTH=7")
	assert.Contains(t, env, "QUERY_STRING=")
	assert.Contains(t, env, "REQUEST_BODY=a=1&b=2")
	assert.Contains(t, env, "HTTP_HOST=h")
	assert.Contains(t, env, "SERVER_PORT=8080")

	multipart := request.New(0)
	multipart.Append([]byte("POST /u HTTP/1.1\r\nHost: h\r\nContent-Type: multipart/form-data; boundary=b\r\nContent-Length: 3\r\n\r\na=1"))
	require.True(t, multipart.Parse() == request.StateComplete)
	assert.Empty(t, Params(multipart))
}
