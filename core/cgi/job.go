// Package cgi runs gateway scripts as child processes whose standard output
// is read through a non-blocking pipe by the event loop.
package cgi

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Singert/gowebserv/core/utils"
)

const DefaultTimeout = 11 * time.Second

const readChunk = 16 << 10

// State of a Job.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateDraining
	StateTimedOut
	StateTerminated
	StateClosed
)

func (s State) String() string {
	return [...]string{"created", "running", "draining", "timed-out", "terminated", "closed"}[s]
}

// Spec describes one script invocation.
type Spec struct {
	Interpreter string
	Script      string // absolute path of the script
	Params      map[string]string
	Env         []string
	Timeout     time.Duration
	MaxOutput   int // 0 means unlimited
}

// StartError is returned by Start. Status is the HTTP status to answer with.
type StartError struct {
	Status int
	Op     string
	Err    error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("cgi %s: %v", e.Op, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// Job is one running script. It is owned by a single connection and only
// touched from the event loop goroutine.
type Job struct {
	spec  Spec
	state State

	proc    *os.Process
	pid     int
	fd      int // pipe read end, -1 once closed
	started time.Time

	output []byte
	done   bool
	result int

	reaped bool
	lost   bool // reaped elsewhere, status unknown
	status unix.WaitStatus
}

// New prepares a job. Nothing is started until Start.
func New(spec Spec) *Job {
	if spec.Timeout <= 0 {
		spec.Timeout = DefaultTimeout
	}
	return &Job{spec: spec, fd: -1}
}

// Argv is the child's argument vector: interpreter, script, then --key=value
// sorted by key.
func (j *Job) Argv() []string {
	argv := []string{j.spec.Interpreter, "./" + filepath.Base(j.spec.Script)}
	for _, k := range utils.SortedKeys(j.spec.Params) {
		argv = append(argv, "--"+k+"="+j.spec.Params[k])
	}
	return argv
}

// Start opens the pipe and spawns the child in the script's directory.
func (j *Job) Start() error {
	if j.state != StateCreated {
		return &StartError{Status: int(utils.INTERNAL_SERVER_ERROR), Op: "start", Err: errors.New("job already started")}
	}

	interp := j.spec.Interpreter
	if !filepath.IsAbs(interp) {
		p, err := exec.LookPath(interp)
		if err != nil {
			return &StartError{Status: int(utils.BAD_GATEWAY), Op: "lookup interpreter", Err: err}
		}
		interp = p
	}

	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return &StartError{Status: int(utils.INTERNAL_SERVER_ERROR), Op: "pipe", Err: err}
	}
	if err := unix.SetNonblock(p[0], true); err != nil {
		unix.Close(p[0])
		unix.Close(p[1])
		return &StartError{Status: int(utils.INTERNAL_SERVER_ERROR), Op: "pipe", Err: err}
	}

	w := os.NewFile(uintptr(p[1]), "cgi-stdout")
	cmd := &exec.Cmd{
		Path:   interp,
		Args:   j.Argv(),
		Env:    j.spec.Env,
		Dir:    filepath.Dir(j.spec.Script),
		Stdout: w,
		Stderr: os.Stderr,
	}
	err := cmd.Start()
	// the child holds its own copy of the write end
	w.Close()
	if err != nil {
		unix.Close(p[0])
		return &StartError{Status: int(utils.BAD_GATEWAY), Op: "exec", Err: err}
	}

	j.proc = cmd.Process
	j.pid = cmd.Process.Pid
	j.fd = p[0]
	j.started = time.Now()
	j.state = StateRunning
	return nil
}

// Fd is the pipe read end, or -1 when there is nothing left to watch.
func (j *Job) Fd() int {
	if j.done {
		return -1
	}
	return j.fd
}

func (j *Job) Pid() int {
	return j.pid
}

func (j *Job) State() State {
	return j.state
}

// Done reports whether the job has produced its final status.
func (j *Job) Done() bool {
	return j.done
}

// Result returns the HTTP status and the script output once Done.
func (j *Job) Result() (int, []byte) {
	return j.result, j.output
}

// Deadline is the wall-clock instant after which the job is killed.
func (j *Job) Deadline() time.Time {
	return j.started.Add(j.spec.Timeout)
}

// Expired reports whether a running job is past its deadline.
func (j *Job) Expired(now time.Time) bool {
	return !j.done && j.state == StateRunning && !now.Before(j.Deadline())
}

// OnReadable performs one read from the pipe. It returns true once the job
// has finished, either at end of output or on failure.
func (j *Job) OnReadable() bool {
	if j.done || j.fd < 0 {
		return j.done
	}
	j.readOnce()
	return j.done
}

// Drain reads until end of output or until the pipe would block.
func (j *Job) Drain() bool {
	for !j.done && j.fd >= 0 {
		if !j.readOnce() {
			break
		}
	}
	return j.done
}

// readOnce returns false when the pipe had nothing to offer.
func (j *Job) readOnce() bool {
	var buf [readChunk]byte
	n, err := unix.Read(j.fd, buf[:])
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return false
	case err != nil:
		j.Terminate(int(utils.BAD_GATEWAY))
		return false
	case n == 0:
		j.finish()
		return false
	}
	j.output = append(j.output, buf[:n]...)
	if j.spec.MaxOutput > 0 && len(j.output) > j.spec.MaxOutput {
		j.Terminate(int(utils.BAD_GATEWAY))
		return false
	}
	return true
}

// finish handles end of output: the child closed stdout, so reaping does not
// block for long.
func (j *Job) finish() {
	j.state = StateDraining
	j.closePipe()
	j.reap(0)
	j.state = StateTerminated
	j.done = true
	if !j.lost && j.status.Exited() && j.status.ExitStatus() == 0 {
		j.result = int(utils.OK)
	} else {
		j.result = int(utils.BAD_GATEWAY)
	}
}

// Running performs a non-blocking wait. Once it reports false the process has
// been reaped and is never waited on again.
func (j *Job) Running() bool {
	if j.pid <= 0 || j.reaped {
		return false
	}
	return !j.reap(unix.WNOHANG)
}

// reap waits for the child and reports whether it has been collected.
func (j *Job) reap(options int) bool {
	if j.reaped {
		return true
	}
	for {
		wpid, err := unix.Wait4(j.pid, &j.status, options, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			// ECHILD: nothing left to wait for
			j.reaped, j.lost = true, true
			return true
		}
		if wpid == 0 {
			return false
		}
		j.reaped = true
		return true
	}
}

// Timeout kills a job that passed its deadline and records 504.
func (j *Job) Timeout() {
	j.Terminate(int(utils.GATEWAY_TIMEOUT))
	j.state = StateTimedOut
}

// Terminate kills the child, waits for it and finishes the job with status.
func (j *Job) Terminate(status int) {
	if j.done {
		return
	}
	j.kill()
	j.closePipe()
	j.state = StateTerminated
	j.done = true
	j.result = status
}

func (j *Job) kill() {
	if j.pid <= 0 || j.reaped {
		return
	}
	if err := unix.Kill(j.pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return
	}
	// SIGKILL cannot be caught, so this wait is bounded
	j.reap(0)
}

func (j *Job) closePipe() {
	if j.fd >= 0 {
		unix.Close(j.fd)
		j.fd = -1
	}
}

// Close releases the pipe and the process. It is safe to call more than once.
func (j *Job) Close() {
	if j.state == StateClosed {
		return
	}
	if !j.done && j.state != StateCreated {
		j.Terminate(int(utils.BAD_GATEWAY))
	}
	j.closePipe()
	j.kill()
	if j.proc != nil {
		j.proc.Release()
		j.proc = nil
	}
	j.state = StateClosed
}

// ExitStatus describes how the child ended, for logging.
func (j *Job) ExitStatus() string {
	switch {
	case !j.reaped:
		return "running"
	case j.lost:
		return "unknown"
	case j.status.Signaled():
		return "signal " + j.status.Signal().String()
	default:
		return fmt.Sprintf("exit %d", j.status.ExitStatus())
	}
}
