package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"natpmp-renewer/internal/types"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 配置结构体，加载并校验后在进程生命周期内不再修改
type Config struct {
	Service                string `mapstructure:"natpmp_service" yaml:"natpmp_service"`
	InternalPort           int    `mapstructure:"internal_port" yaml:"internal_port"`
	APIToken               string `mapstructure:"api_token" yaml:"api_token"`
	EnableTCP              bool   `mapstructure:"enable_tcp" yaml:"enable_tcp"`
	EnableUDP              bool   `mapstructure:"enable_udp" yaml:"enable_udp"`
	Duration               int    `mapstructure:"duration" yaml:"duration"`
	RefreshInterval        int    `mapstructure:"refresh_interval" yaml:"refresh_interval"`
	MaxRetries             int    `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay             int    `mapstructure:"retry_delay" yaml:"retry_delay"`
	MaxConsecutiveFailures int    `mapstructure:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	HTTPTimeout            int    `mapstructure:"http_timeout" yaml:"http_timeout"`
	StatusAddr             string `mapstructure:"status_addr" yaml:"status_addr"`
	STUNServers            string `mapstructure:"stun_servers" yaml:"stun_servers"`

	Log LogConfig `mapstructure:",squash" yaml:",inline"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"log_level" yaml:"log_level"`
	Format string `mapstructure:"log_format" yaml:"log_format"`
	File   string `mapstructure:"log_file" yaml:"log_file"`
}

// 环境变量名与配置文件键一一对应（键名小写）
var keys = []string{
	"natpmp_service",
	"internal_port",
	"api_token",
	"enable_tcp",
	"enable_udp",
	"duration",
	"refresh_interval",
	"max_retries",
	"retry_delay",
	"max_consecutive_failures",
	"http_timeout",
	"status_addr",
	"stun_servers",
	"log_level",
	"log_format",
	"log_file",
}

// LoadConfig 加载配置
//
// 顺序：envFile（不存在则忽略）写入进程环境，随后读取可选的 YAML
// 配置文件，环境变量优先级高于配置文件。返回的配置尚未校验。
func LoadConfig(configPath, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("加载环境文件 %s 失败: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	for _, key := range keys {
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return nil, fmt.Errorf("绑定环境变量 %s 失败: %w", key, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	config.Service = strings.TrimSpace(config.Service)
	return &config, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	v.SetDefault("enable_tcp", true)
	v.SetDefault("enable_udp", true)
	v.SetDefault("duration", 60)
	v.SetDefault("refresh_interval", 45)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_delay", 5)
	v.SetDefault("max_consecutive_failures", 10)
	v.SetDefault("http_timeout", 30)

	// 日志默认值
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
}

// Validate 校验配置，返回所有不合法项
func (c *Config) Validate() error {
	var errs []error

	if c.Service == "" {
		errs = append(errs, errors.New("NATPMP_SERVICE 不能为空"))
	} else if strings.Contains(c.Service, "://") || strings.ContainsAny(c.Service, " /") {
		errs = append(errs, fmt.Errorf("NATPMP_SERVICE 必须是 host[:port] 形式: %q", c.Service))
	}
	if c.InternalPort < 1 || c.InternalPort > 65535 {
		errs = append(errs, fmt.Errorf("INTERNAL_PORT 必须在 1-65535 之间: %d", c.InternalPort))
	}
	if !c.EnableTCP && !c.EnableUDP {
		errs = append(errs, errors.New("ENABLE_TCP 与 ENABLE_UDP 至少启用一个"))
	}
	if c.Duration <= 0 {
		errs = append(errs, fmt.Errorf("DURATION 必须大于 0: %d", c.Duration))
	}
	if c.RefreshInterval <= 0 {
		errs = append(errs, fmt.Errorf("REFRESH_INTERVAL 必须大于 0: %d", c.RefreshInterval))
	} else if c.Duration > 0 && c.RefreshInterval >= c.Duration {
		errs = append(errs, fmt.Errorf("REFRESH_INTERVAL (%d) 必须小于 DURATION (%d)", c.RefreshInterval, c.Duration))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("MAX_RETRIES 不能为负数: %d", c.MaxRetries))
	}
	if c.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("RETRY_DELAY 不能为负数: %d", c.RetryDelay))
	}
	if c.MaxConsecutiveFailures <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CONSECUTIVE_FAILURES 必须大于 0: %d", c.MaxConsecutiveFailures))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, fmt.Errorf("HTTP_TIMEOUT 必须大于 0: %d", c.HTTPTimeout))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT 只支持 json 或 text: %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// Protocols 按固定顺序（tcp 在前）返回启用的协议
func (c *Config) Protocols() []types.Protocol {
	var protocols []types.Protocol
	if c.EnableTCP {
		protocols = append(protocols, types.ProtocolTCP)
	}
	if c.EnableUDP {
		protocols = append(protocols, types.ProtocolUDP)
	}
	return protocols
}

// ForwardURL 续期接口地址
func (c *Config) ForwardURL() string {
	return fmt.Sprintf("http://%s/forward", c.Service)
}

// GetSTUNServers 解析逗号分隔的STUN服务器列表
func (c *Config) GetSTUNServers() []string {
	var servers []string
	for _, s := range strings.Split(c.STUNServers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	return servers
}

func (c *Config) RefreshIntervalDuration() time.Duration {
	return time.Duration(c.RefreshInterval) * time.Second
}

func (c *Config) RetryDelayDuration() time.Duration {
	return time.Duration(c.RetryDelay) * time.Second
}

func (c *Config) HTTPTimeoutDuration() time.Duration {
	return time.Duration(c.HTTPTimeout) * time.Second
}

// Redacted 返回隐藏令牌后的配置副本，用于日志与 check 命令输出
func (c *Config) Redacted() Config {
	copied := *c
	if copied.APIToken != "" {
		copied.APIToken = "********"
	}
	return copied
}
