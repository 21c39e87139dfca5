package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 服务器运行参数（与虚拟主机配置文件分开）
type Config struct {
	Server struct {
		ConfigFile     string        `mapstructure:"config_file"`
		PollTimeout    time.Duration `mapstructure:"poll_timeout"`
		IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
		RecvBuffer     int           `mapstructure:"recv_buffer"`
		MaxRequestBody int64         `mapstructure:"max_request_body"`
		Gzip           bool          `mapstructure:"gzip"`
		AcceptRate     float64       `mapstructure:"accept_rate"`
		AcceptBurst    int           `mapstructure:"accept_burst"`
	} `mapstructure:"server"`

	CGI struct {
		Interpreter string        `mapstructure:"interpreter"`
		Timeout     time.Duration `mapstructure:"timeout"`
		MaxOutput   int           `mapstructure:"max_output"`
	} `mapstructure:"cgi"`

	Logger struct {
		LogToFile bool   `mapstructure:"log_to_file"`
		FilePath  string `mapstructure:"file_path"`
		WithTime  bool   `mapstructure:"with_time"`
	} `mapstructure:"logger"`

	StartTime time.Time `mapstructure:"-"`
}

var Cfg Config

const envPrefix = "WEBSERV"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.config_file", "./app/webserv.conf")
	v.SetDefault("server.poll_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 45*time.Second)
	v.SetDefault("server.recv_buffer", 4096)
	v.SetDefault("server.max_request_body", int64(100<<20))
	v.SetDefault("server.gzip", false)
	v.SetDefault("server.accept_rate", 200.0)
	v.SetDefault("server.accept_burst", 50)

	v.SetDefault("cgi.interpreter", "/usr/bin/python3")
	v.SetDefault("cgi.timeout", 11*time.Second)
	v.SetDefault("cgi.max_output", 16<<20)

	v.SetDefault("logger.log_to_file", false)
	v.SetDefault("logger.file_path", "./logs/webserv.log")
	v.SetDefault("logger.with_time", true)
}

// Load 读取 config.yml（找不到时只用默认值），再叠加 .env 和 WEBSERV_* 环境变量
func Load(dirs ...string) (Config, error) {
	// .env 不存在不算错误
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yml")
	for _, d := range dirs {
		if d != "" {
			v.AddConfigPath(d)
		}
	}
	v.AddConfigPath("./core/config")
	v.AddConfigPath(".")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return c, nil
}

// InitConfig 加载配置到全局 Cfg
func InitConfig(dirs ...string) error {
	c, err := Load(dirs...)
	if err != nil {
		return err
	}
	c.StartTime = Cfg.StartTime
	Cfg = c
	return nil
}

// GoVersion 返回Go版本
func GoVersion() string {
	go_v := runtime.Version()
	go_v = strings.TrimPrefix(go_v, "go")
	return go_v
}

var __VERSION__ = "0.1"
var __SERVER_NAME__ = "GoWebserv"

func GoHTTPServerVersion() string {
	return __VERSION__
}

func GoHTTPServerName() string {
	return __SERVER_NAME__
}

// ServerVersion 用于 Server 响应头和 SERVER_SOFTWARE
func ServerVersion() string {
	return GoHTTPServerName() + "/" + GoHTTPServerVersion() + " Go/" + GoVersion()
}
