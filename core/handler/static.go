package handler

import (
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Singert/gowebserv/core/request"
	"github.com/Singert/gowebserv/core/utils"
	"github.com/Singert/gowebserv/core/vhost"
)

// serveStatic 处理GET请求：文件、目录索引或目录列表
func (d *Dispatcher) serveStatic(host *vhost.VirtualHostConfig, rule *vhost.PathRule, req *request.Request) (*Response, error) {
	fsPath, err := TranslatePath(host, rule, req.Path())
	if err != nil {
		return nil, err
	}

	// 第一阶段：路径检查
	info, err := os.Stat(fsPath)
	if err != nil {
		return nil, err
	}

	// 第二阶段：目录请求
	if info.IsDir() {
		if !strings.HasSuffix(req.Path(), "/") {
			location := req.Path() + "/"
			if req.Query() != "" {
				location += "?" + req.Query()
			}
			resp := NewResponse(int(utils.MOVED_PERMANENTLY))
			resp.SetHeader("Location", location)
			return resp, nil
		}

		index := host.EffectiveIndex(rule)
		if index != "" {
			indexPath := filepath.Join(fsPath, index)
			if fi, err := os.Stat(indexPath); err == nil && fi.Mode().IsRegular() {
				fsPath, info = indexPath, fi
			} else if rule == nil || !rule.AutoIndex {
				return nil, fsErr(utils.NOT_FOUND, "index file not found")
			}
		}
		if info.IsDir() {
			if rule == nil || !rule.AutoIndex {
				return nil, fsErr(utils.FORBIDDEN, "directory listing disabled")
			}
			listing, err := ListDirectory(fsPath, req.Path())
			if err != nil {
				return nil, err
			}
			resp := NewResponse(int(utils.OK))
			resp.SetHeader("Content-Type", "text/html; charset=utf-8")
			resp.Body = listing
			return resp, nil
		}
	}

	if !info.Mode().IsRegular() {
		return nil, fsErr(utils.FORBIDDEN, "not a regular file")
	}

	// 第三阶段：缓存验证
	modTime := info.ModTime().UTC().Truncate(time.Second)
	if ims := req.Header("if-modified-since"); ims != "" {
		if t, err := time.Parse(time.RFC1123, ims); err == nil && !modTime.After(t.UTC()) {
			resp := NewResponse(int(utils.NOT_MODIFIED))
			resp.SetHeader("Last-Modified", modTime.Format(httpTimeFormat))
			return resp, nil
		}
	}

	// 第四阶段：读取文件
	data, _, err := ReadFile(fsPath)
	if err != nil {
		return nil, err
	}
	resp := NewResponse(int(utils.OK))
	resp.SetHeader("Content-Type", GuessType(fsPath))
	resp.SetHeader("Last-Modified", modTime.Format(httpTimeFormat))
	resp.Body = data

	// 第五阶段：gzip
	if d.opts.Gzip && strings.Contains(req.Header("accept-encoding"), "gzip") && len(data) > 0 {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		_, werr := gw.Write(data)
		if cerr := gw.Close(); werr == nil && cerr == nil {
			resp.SetHeader("Content-Encoding", "gzip")
			resp.SetHeader("Vary", "Accept-Encoding")
			resp.Body = buf.Bytes()
		}
	}
	return resp, nil
}

// upload 保存 multipart 请求中的文件
func (d *Dispatcher) upload(rule *vhost.PathRule, req *request.Request) (*Response, error) {
	mt, params := request.MediaType(req.Header("content-type"))
	if mt != "multipart/form-data" {
		return nil, fsErr(utils.UNSUPPORTED_MEDIA_TYPE, "upload requires multipart/form-data")
	}
	if _, err := SaveUploads(rule.UploadDir, req.Body(), params["boundary"]); err != nil {
		return nil, err
	}
	resp := NewResponse(int(utils.CREATED))
	resp.SetHeader("Content-Type", "text/plain")
	resp.Body = []byte("File upload successful.\n")
	return resp, nil
}

// remove 删除根目录下的文件
func (d *Dispatcher) remove(host *vhost.VirtualHostConfig, rule *vhost.PathRule, req *request.Request) (*Response, error) {
	if strings.HasSuffix(req.Path(), "/") {
		return nil, fsErr(utils.BAD_REQUEST, "cannot delete a directory")
	}
	target, err := TranslatePath(host, rule, req.Path())
	if err != nil {
		return nil, err
	}
	if err := DeleteFile(target, host.EffectiveRoot(rule)); err != nil {
		return nil, err
	}
	return NewResponse(int(utils.NO_CONTENT)), nil
}
