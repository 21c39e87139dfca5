package handler

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Singert/gowebserv/core/config"
	"github.com/Singert/gowebserv/core/utils"
)

// Response 一个待发送的完整响应
type Response struct {
	Status  int
	Reason  string
	Body    []byte
	Close   bool // 发送完后关闭连接
	headers [][2]string
}

// NewResponse 创建响应，Reason 取状态码的短消息
func NewResponse(status int) *Response {
	return &Response{Status: status, Reason: utils.Reason(status)}
}

// SetHeader 设置响应头，同名的会被替换
func (r *Response) SetHeader(keyword, value string) {
	for i, h := range r.headers {
		if strings.EqualFold(h[0], keyword) {
			r.headers[i][1] = value
			return
		}
	}
	r.headers = append(r.headers, [2]string{keyword, value})
}

// Header 读取响应头
func (r *Response) Header(keyword string) string {
	for _, h := range r.headers {
		if strings.EqualFold(h[0], keyword) {
			return h[1]
		}
	}
	return ""
}

// Bytes 序列化为 status-line CRLF *(header CRLF) CRLF body
func (r *Response) Bytes() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", r.Status, r.Reason)
	writeHeader(&buf, "Server", VersionString())
	writeHeader(&buf, "Date", DateTimeString())
	for _, h := range r.headers {
		if strings.EqualFold(h[0], "Content-Length") || strings.EqualFold(h[0], "Connection") {
			continue
		}
		writeHeader(&buf, h[0], h[1])
	}
	body := r.Body
	if utils.IsBodyless(r.Status) {
		body = nil
	} else {
		writeHeader(&buf, "Content-Length", strconv.Itoa(len(body)))
	}
	if r.Close {
		writeHeader(&buf, "Connection", "close")
	} else {
		writeHeader(&buf, "Connection", "keep-alive")
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}

func writeHeader(buf *bytes.Buffer, keyword, value string) {
	buf.WriteString(keyword)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

// VersionString 返回服务器版本字符串
func VersionString() string {
	return config.ServerVersion()
}

// DateTimeString 返回HTTP日期时间字符串
func DateTimeString() string {
	return time.Now().UTC().Format(httpTimeFormat)
}

const httpTimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"
