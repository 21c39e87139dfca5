package talklog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Singert/gowebserv/core/utils"
)

// 日志的第一个参数是连接编号 cid，0 表示服务器本身

var (
	logConfig  LogConfig
	fileHandle *os.File
	console    io.Writer = os.Stdout
	logLock    sync.Mutex
)
var (
	prefixLock sync.RWMutex
	logPrefix  = make(map[uint64]string)
)

// 匹配 ANSI 转义序列
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// InitLogConfig 应用日志配置，需要时打开日志文件
func InitLogConfig(lgcfg *LogConfig) error {
	logLock.Lock()
	defer logLock.Unlock()

	logConfig = *lgcfg
	if fileHandle != nil {
		fileHandle.Close()
		fileHandle = nil
	}
	if logConfig.LogToFile {
		if err := os.MkdirAll(filepath.Dir(logConfig.FilePath), 0755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(logConfig.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		fileHandle = f
	}
	return nil
}

// Close 关闭日志文件
func Close() {
	logLock.Lock()
	defer logLock.Unlock()
	if fileHandle != nil {
		fileHandle.Close()
		fileHandle = nil
	}
}

// SetPrefix 为某个连接设置模块前缀，例如 "CGI"
func SetPrefix(cid uint64, prefix string) {
	prefixLock.Lock()
	defer prefixLock.Unlock()
	logPrefix[cid] = prefix
}

// ClearPrefix 连接关闭时清理前缀
func ClearPrefix(cid uint64) {
	prefixLock.Lock()
	defer prefixLock.Unlock()
	delete(logPrefix, cid)
}

func logLine(color, level string, cid uint64, format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	prefix := ""
	if logConfig.WithTime {
		prefix = fmt.Sprintf("[%s] ", time.Now().Format("2006-01-02 15:04:05"))
	}
	// 只为等级上色
	coloredLevel := fmt.Sprintf("%s[%s]%s", color, level, ColorReset)

	prefixLock.RLock()
	p := logPrefix[cid]
	prefixLock.RUnlock()
	modPrefix := ""
	if p != "" {
		modPrefix = fmt.Sprintf("[%s] ", p)
	}

	// 时间戳 + 彩色等级 + 模块 + CID + 正文
	line := fmt.Sprintf("%s%s %s[CID:%d] %s", prefix, coloredLevel, modPrefix, cid, msg)

	logLock.Lock()
	defer logLock.Unlock()

	if !logConfig.Quiet {
		fmt.Fprintln(console, line)
	}
	if logConfig.LogToFile && fileHandle != nil {
		fileHandle.WriteString(stripANSI(line) + "\n")
	}
}

// stripANSI removes ANSI color escape codes from a string.
func stripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

func Boot(cid uint64, format string, a ...any) {
	logLine(ColorCyan, "BOOT", cid, format, a...)
}

// BootDone 记录启动耗时
func BootDone(duration time.Duration) {
	secs := float64(duration.Microseconds()) / 1e6
	logLine(ColorCyan, "BOOT", 0, "服务器启动完成，用时 %.6f 秒", secs)
}

func Info(cid uint64, format string, a ...any) {
	logLine(ColorGreen, "INFO", cid, format, a...)
}

func Warn(cid uint64, format string, a ...any) {
	logLine(ColorYellow, "WARN", cid, format, a...)
}

func Error(cid uint64, format string, a ...any) {
	logLine(ColorRed, "ERROR", cid, format, a...)
}

func Req(cid uint64, method, uri, proto string) {
	logLine(ColorCyan, "REQ", cid, "%s %s %s", method, uri, proto)
}

func Resp(cid uint64, status int) {
	logLine(ColorCyan, "RESP", cid, "%d %s", status, utils.Reason(status))
}

// Access 输出 apache 风格的访问日志
func Access(cid uint64, client, requestLine string, status, size int) {
	logLine(ColorPurple, "ACCESS", cid, "%s - - [%s] \"%s\" %d %d",
		client,
		time.Now().Format("02/Jan/2006:15:04:05 -0700"),
		strings.TrimSpace(requestLine),
		status,
		size,
	)
}
