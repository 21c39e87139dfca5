package handler

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"mime"
	"mime/multipart"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/Singert/gowebserv/core/utils"
	"github.com/Singert/gowebserv/core/vhost"
)

// FSError 文件系统操作失败时的状态码和原因
type FSError struct {
	Status int
	Reason string
}

func (e *FSError) Error() string {
	return e.Reason
}

func fsErr(code utils.HTTPStatus, reason string) *FSError {
	return &FSError{Status: int(code), Reason: reason}
}

// statusOf 把系统错误映射为状态码
func statusOf(err error) int {
	var fe *FSError
	if errors.As(err, &fe) {
		return fe.Status
	}
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
		return int(utils.NOT_FOUND)
	case errors.Is(err, fs.ErrPermission):
		return int(utils.FORBIDDEN)
	}
	return int(utils.INTERNAL_SERVER_ERROR)
}

// TranslatePath 将URL路径转换为文件系统路径。
// 规则自己设置了 root 时去掉规则前缀（alias 语义）。
func TranslatePath(host *vhost.VirtualHostConfig, rule *vhost.PathRule, urlPath string) (string, error) {
	decoded, err := url.PathUnescape(urlPath)
	if err != nil {
		return "", fsErr(utils.BAD_REQUEST, "bad percent-encoding in path")
	}
	if strings.IndexByte(decoded, 0) >= 0 {
		return "", fsErr(utils.BAD_REQUEST, "NUL byte in path")
	}
	if rule != nil && rule.Root.Set {
		decoded = strings.TrimPrefix(decoded, rule.Path)
	}
	// 规范化路径，".." 不会越过根目录
	cleaned := path.Clean("/" + decoded)
	return filepath.Join(host.EffectiveRoot(rule), filepath.FromSlash(cleaned)), nil
}

// GuessType 猜测文件的MIME类型
func GuessType(p string) string {
	ext := strings.ToLower(filepath.Ext(p))
	if ext == "" {
		return "application/octet-stream"
	}
	if mimeType := mime.TypeByExtension(ext); mimeType != "" {
		return mimeType
	}
	return "application/octet-stream"
}

// VerifyFile 检查脚本存在、是普通文件并且可以打开
func VerifyFile(p string) error {
	info, err := os.Stat(p)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrPermission):
			return fsErr(utils.FORBIDDEN, "permission denied")
		case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
			return fsErr(utils.NOT_FOUND, "no such file")
		}
		return fsErr(utils.INTERNAL_SERVER_ERROR, err.Error())
	}
	if !info.Mode().IsRegular() {
		return fsErr(utils.FORBIDDEN, "not a regular file")
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return fsErr(utils.FORBIDDEN, "permission denied")
		}
		return fsErr(utils.NOT_FOUND, "cannot open file")
	}
	f.Close()
	return nil
}

// ReadFile 读取普通文件的内容
func ReadFile(p string) ([]byte, fs.FileInfo, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, nil, fsErr(utils.FORBIDDEN, "not a regular file")
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, nil, err
	}
	return data, info, nil
}

// SaveUploads 把 multipart 请求体中带文件名的部分保存到 dir，返回保存的文件数
func SaveUploads(dir string, body []byte, boundary string) (int, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return 0, fsErr(utils.INTERNAL_SERVER_ERROR, "upload directory unavailable")
	}
	if boundary == "" {
		return 0, fsErr(utils.BAD_REQUEST, "missing multipart boundary")
	}

	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	saved := 0
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return saved, fsErr(utils.BAD_REQUEST, "malformed multipart body")
		}
		filename := filepath.Base(part.FileName())
		if filename == "" || filename == "." || filename == ".." || filename == "/" {
			part.Close()
			continue
		}
		dst, err := os.Create(filepath.Join(dir, filename))
		if err != nil {
			part.Close()
			return saved, fsErr(utils.INTERNAL_SERVER_ERROR, "cannot create file")
		}
		_, err = io.Copy(dst, part)
		dst.Close()
		part.Close()
		if err != nil {
			return saved, fsErr(utils.INTERNAL_SERVER_ERROR, "error saving file")
		}
		saved++
	}
	return saved, nil
}

// IsPathSecure 目标的真实路径必须位于根目录的真实路径之下
func IsPathSecure(target, root string) bool {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return false
	}
	realTarget, err := filepath.EvalSymlinks(target)
	if err != nil {
		// 不存在的目标按字面路径判断，交给后面的 stat 报 404
		realTarget = filepath.Clean(target)
		if parent, perr := filepath.EvalSymlinks(filepath.Dir(target)); perr == nil {
			realTarget = filepath.Join(parent, filepath.Base(target))
		}
	}
	return realTarget == realRoot || strings.HasPrefix(realTarget, realRoot+string(filepath.Separator))
}

// DeleteFile 删除 root 之下的普通文件
func DeleteFile(target, root string) error {
	if !IsPathSecure(target, root) {
		return fsErr(utils.FORBIDDEN, "path escapes root")
	}
	info, err := os.Lstat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return fsErr(utils.NOT_FOUND, "no such file")
		}
		return fsErr(utils.FORBIDDEN, "cannot stat file")
	}
	if !info.Mode().IsRegular() {
		return fsErr(utils.FORBIDDEN, "not a regular file")
	}
	if info.Mode().Perm()&0o200 == 0 || unix.Access(target, unix.W_OK) != nil {
		return fsErr(utils.FORBIDDEN, "file is not writable")
	}
	if err := os.Remove(target); err != nil {
		return fsErr(utils.INTERNAL_SERVER_ERROR, "cannot delete file")
	}
	return nil
}
