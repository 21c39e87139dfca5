package cgi

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Singert/gowebserv/core/request"
	"github.com/Singert/gowebserv/core/utils"
)

// ServerInfo is what the script learns about the server and the peer.
type ServerInfo struct {
	Software   string
	Name       string
	Port       int
	RemoteAddr string
}

// Params returns the script parameters: the query string for GET, the body
// for urlencoded POST, nothing otherwise.
func Params(r *request.Request) map[string]string {
	switch r.Method() {
	case "GET":
		return utils.ParseQuery(r.Query())
	case "POST":
		if mt, _ := request.MediaType(r.Header("content-type")); mt == "application/x-www-form-urlencoded" {
			return utils.ParseQuery(string(r.Body()))
		}
	}
	return map[string]string{}
}

// Environ builds the child environment.
func Environ(r *request.Request, script string, info ServerInfo) []string {
	contentLength := "0"
	if n, ok := r.ContentLength(); ok {
		contentLength = strconv.FormatInt(n, 10)
	}
	env := []string{
		"GATEWAY_INTERFACE=CGI/1.1",
		"SERVER_PROTOCOL=" + r.Version(),
		"SERVER_SOFTWARE=" + info.Software,
		"SERVER_NAME=" + info.Name,
		"SERVER_PORT=" + strconv.Itoa(info.Port),
		"REQUEST_METHOD=" + r.Method(),
		"SCRIPT_FILENAME=" + script,
		"CONTENT_TYPE=" + r.Header("content-type"),
		"CONTENT_LENGTH=" + contentLength,
		"QUERY_STRING=" + r.Query(),
		"REQUEST_BODY=" + string(r.Body()),
		"REMOTE_ADDR=" + info.RemoteAddr,
	}

	// 添加HTTP头作为环境变量
	for k, v := range r.Headers() {
		if k == "content-type" || k == "content-length" {
			continue
		}
		k = strings.ReplaceAll(strings.ToUpper(k), "-", "_")
		env = append(env, fmt.Sprintf("HTTP_%s=%s", k, v))
	}

	// 只继承 PATH，方便脚本调用其它程序
	if path := os.Getenv("PATH"); path != "" {
		env = append(env, "PATH="+path)
	}
	return env
}
