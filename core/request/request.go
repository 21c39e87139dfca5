// Package request implements the incremental HTTP/1.x request parser.
//
// Bytes are handed over with Append as they arrive and Parse advances the
// state machine as far as the buffered data allows. Parsing resumes at the
// last unresolved line boundary, so the outcome does not depend on how the
// input was split across reads.
package request

import (
	"bytes"
	"strings"

	"github.com/tdewolff/parse/v2"

	"github.com/Singert/gowebserv/core/utils"
)

const (
	MaxRequestLine = 500
	MaxTarget      = 250
	MaxHeaderBytes = 8 << 10
)

// State of the parser. Transitions only move forward.
type State int

const (
	StateRequestLine State = iota
	StateHeaders
	StateBody
	StateComplete
	StateError
)

func (s State) String() string {
	switch s {
	case StateRequestLine:
		return "request-line"
	case StateHeaders:
		return "headers"
	case StateBody:
		return "body"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	}
	return "unknown"
}

var knownMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true, "DELETE": true,
	"CONNECT": true, "OPTIONS": true, "TRACE": true, "PATCH": true,
}

var implementedMethods = map[string]bool{"GET": true, "POST": true, "DELETE": true}

// Request is a request being parsed, and once complete, the parsed request.
type Request struct {
	buf   []byte
	pos   int // start of the next unresolved line
	state State

	status int
	reason string

	maxBody     int64
	headerBytes int
	bodyStart   int

	requestLine string
	method      string
	target      string
	rawPath     string
	path        string
	query       string
	version     string
	headers     map[string]string

	contentLength    int64
	hasContentLength bool
	body             []byte
}

// New returns an empty parser. maxBody caps Content-Length (413 above it); 0 disables the cap.
func New(maxBody int64) *Request {
	return &Request{maxBody: maxBody, headers: map[string]string{}}
}

// Append buffers p without parsing it.
func (r *Request) Append(p []byte) {
	r.buf = append(r.buf, p...)
}

// Buffered is the number of bytes not yet consumed by a request.
func (r *Request) Buffered() int {
	return len(r.buf) - r.pos
}

// Parse advances the state machine over the buffered bytes and returns the
// resulting state. StateComplete and StateError are terminal until Reset.
func (r *Request) Parse() State {
	for {
		switch r.state {
		case StateRequestLine:
			line, ok := r.nextLine()
			if !ok {
				// one trailing '\r' may still belong to a legal line
				if r.Buffered() > MaxRequestLine+1 {
					r.fail(utils.BAD_REQUEST, "request line too long")
				}
				return r.state
			}
			if line == "" {
				continue
			}
			r.parseRequestLine(line)
		case StateHeaders:
			line, ok := r.nextLine()
			if !ok {
				if r.headerBytes+r.Buffered() > MaxHeaderBytes {
					r.fail(utils.REQUEST_HEADER_FIELDS_TOO_LARGE, "header section too large")
				}
				return r.state
			}
			r.headerBytes += len(line) + 2
			if r.headerBytes > MaxHeaderBytes {
				r.fail(utils.REQUEST_HEADER_FIELDS_TOO_LARGE, "header section too large")
				return r.state
			}
			if line == "" {
				r.bodyStart = r.pos
				r.validateHeaders()
				continue
			}
			r.parseHeaderLine(line)
		case StateBody:
			if int64(len(r.buf)-r.bodyStart) < r.contentLength {
				return r.state
			}
			end := r.bodyStart + int(r.contentLength)
			r.body = append([]byte(nil), r.buf[r.bodyStart:end]...)
			r.pos = end
			r.state = StateComplete
		default:
			return r.state
		}
	}
}

// nextLine returns the next LF-terminated line without its line ending.
func (r *Request) nextLine() (string, bool) {
	i := bytes.IndexByte(r.buf[r.pos:], '\n')
	if i < 0 {
		return "", false
	}
	line := r.buf[r.pos : r.pos+i]
	r.pos += i + 1
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return string(line), true
}

func (r *Request) fail(code utils.HTTPStatus, reason string) {
	r.status = int(code)
	r.reason = reason
	r.state = StateError
}

func (r *Request) parseRequestLine(line string) {
	r.requestLine = line
	if len(line) > MaxRequestLine {
		r.fail(utils.BAD_REQUEST, "request line too long")
		return
	}
	words := strings.Fields(line)
	if len(words) != 3 {
		r.fail(utils.BAD_REQUEST, "malformed request line")
		return
	}
	method, target, version := words[0], words[1], words[2]
	if len(target) > MaxTarget {
		r.fail(utils.REQUEST_URI_TOO_LONG, "request target too long")
		return
	}
	if version != "HTTP/1.1" && version != "HTTP/1.0" {
		r.fail(utils.HTTP_VERSION_NOT_SUPPORTED, "unsupported version "+version)
		return
	}
	if !knownMethods[method] {
		r.fail(utils.BAD_REQUEST, "unknown method "+method)
		return
	}
	if !implementedMethods[method] {
		r.fail(utils.NOT_IMPLEMENTED, "method not implemented "+method)
		return
	}

	rawPath, query, _ := strings.Cut(target, "?")
	if !strings.HasPrefix(rawPath, "/") {
		r.fail(utils.BAD_REQUEST, "path must start with '/'")
		return
	}
	r.method, r.target, r.version = method, target, version
	r.rawPath, r.query = rawPath, query
	r.path = collapseSlashes(rawPath)
	r.state = StateHeaders
}

func collapseSlashes(p string) string {
	if !strings.Contains(p, "//") {
		return p
	}
	var b strings.Builder
	b.Grow(len(p))
	for i := 0; i < len(p); i++ {
		if p[i] == '/' && i > 0 && p[i-1] == '/' {
			continue
		}
		b.WriteByte(p[i])
	}
	return b.String()
}

func (r *Request) parseHeaderLine(line string) {
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return
	}
	r.headers[name] = strings.TrimSpace(value)
}

func (r *Request) validateHeaders() {
	if _, ok := r.headers["host"]; !ok {
		r.fail(utils.BAD_REQUEST, "missing Host header")
		return
	}

	cl, hasCL := r.headers["content-length"]
	_, hasTE := r.headers["transfer-encoding"]
	if hasTE && hasCL {
		r.fail(utils.BAD_REQUEST, "both Content-Length and Transfer-Encoding")
		return
	}
	if hasTE {
		r.fail(utils.NOT_IMPLEMENTED, "transfer encodings are not supported")
		return
	}
	if hasCL {
		n, ok := parseContentLength(cl)
		if !ok {
			r.fail(utils.BAD_REQUEST, "invalid Content-Length")
			return
		}
		if r.maxBody > 0 && n > r.maxBody {
			r.fail(utils.PAYLOAD_TOO_LARGE, "body exceeds server limit")
			return
		}
		r.contentLength, r.hasContentLength = n, true
	}

	if r.method == "POST" {
		ct, ok := r.headers["content-type"]
		if !ok {
			r.fail(utils.BAD_REQUEST, "missing Content-Type")
			return
		}
		mt, _ := MediaType(ct)
		if mt != "application/x-www-form-urlencoded" && mt != "multipart/form-data" {
			r.fail(utils.UNSUPPORTED_MEDIA_TYPE, "unsupported Content-Type "+mt)
			return
		}
		if !hasCL {
			r.fail(utils.LENGTH_REQUIRED, "missing Content-Length")
			return
		}
	}
	r.state = StateBody
}

// parseContentLength accepts only plain decimal digits.
func parseContentLength(s string) (int64, bool) {
	if s == "" || len(s) > 18 {
		return 0, false
	}
	var n int64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}

// MediaType returns the lower-cased media type of a Content-Type value and
// its parameters with surrounding quotes removed.
func MediaType(ct string) (string, map[string]string) {
	mt, params := parse.Mediatype([]byte(ct))
	mt = parse.ToLower(append([]byte(nil), mt...))
	for k, v := range params {
		params[k] = strings.Trim(v, `"`)
	}
	return string(parse.TrimWhitespace(mt)), params
}

// Reset prepares the parser for the next request on the same connection.
// Bytes after the consumed request are kept.
func (r *Request) Reset() {
	rest := append([]byte(nil), r.buf[r.pos:]...)
	*r = Request{buf: rest, maxBody: r.maxBody, headers: map[string]string{}}
}

func (r *Request) State() State {
	return r.state
}

func (r *Request) Complete() bool {
	return r.state == StateComplete
}

func (r *Request) Failed() bool {
	return r.state == StateError
}

func (r *Request) Status() int {
	return r.status
}

func (r *Request) Reason() string {
	return r.reason
}

func (r *Request) Method() string {
	return r.method
}

func (r *Request) Target() string {
	return r.target
}

func (r *Request) RawPath() string {
	return r.rawPath
}

func (r *Request) Path() string {
	return r.path
}

func (r *Request) Query() string {
	return r.query
}

func (r *Request) Version() string {
	return r.version
}

func (r *Request) Body() []byte {
	return r.body
}

func (r *Request) RequestLine() string {
	return r.requestLine
}

// Header looks a header up case-insensitively.
func (r *Request) Header(name string) string {
	return r.headers[strings.ToLower(name)]
}

// HasHeader reports whether the header was sent.
func (r *Request) HasHeader(name string) bool {
	_, ok := r.headers[strings.ToLower(name)]
	return ok
}

// Headers returns a copy of the header map, keys lower-cased.
func (r *Request) Headers() map[string]string {
	out := make(map[string]string, len(r.headers))
	for k, v := range r.headers {
		out[k] = v
	}
	return out
}

// ContentLength returns the declared body length and whether one was sent.
func (r *Request) ContentLength() (int64, bool) {
	return r.contentLength, r.hasContentLength
}

// KeepAlive reports whether the peer expects the connection to stay open.
func (r *Request) KeepAlive() bool {
	conn := strings.ToLower(r.headers["connection"])
	if r.version == "HTTP/1.0" {
		return conn == "keep-alive"
	}
	return conn != "close"
}
