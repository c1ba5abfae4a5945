package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/hewenyu/announced/internal/model"
)

// Config 应用程序配置结构
type Config struct {
	// HTTPS服务配置
	Server struct {
		ListenAddress   string        `mapstructure:"listen_address"`
		Port            int           `mapstructure:"port"`
		CertFile        string        `mapstructure:"cert_file"`
		KeyFile         string        `mapstructure:"key_file"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`

	// mDNS服务公告配置
	MDNS struct {
		ServiceType string            `mapstructure:"service_type"`
		Instance    string            `mapstructure:"instance"`
		Host        string            `mapstructure:"host"`
		Addresses   []string          `mapstructure:"addresses"`
		Port        int               `mapstructure:"port"`
		Properties  map[string]string `mapstructure:"properties"`
		TTL         time.Duration     `mapstructure:"ttl"`
		Interfaces  []string          `mapstructure:"interfaces"`
	} `mapstructure:"mdns"`

	// 注册中心镜像配置
	Registry struct {
		Etcd struct {
			Enabled     bool          `mapstructure:"enabled"`
			Endpoints   []string      `mapstructure:"endpoints"`
			Username    string        `mapstructure:"username"`
			Password    string        `mapstructure:"password"`
			DialTimeout time.Duration `mapstructure:"dial_timeout"`
			Prefix      string        `mapstructure:"prefix"`
			TTL         time.Duration `mapstructure:"ttl"`
		} `mapstructure:"etcd"`
	} `mapstructure:"registry"`

	// 日志配置
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	return load(viper.New(), configPath)
}

// LoadConfigWithFlags 从命令行参数、文件和环境变量加载配置
// 命令行中的 --config 指定配置文件，其余已定义的参数覆盖同名配置项
func LoadConfigWithFlags(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	configPath, err := fs.GetString("config")
	if err != nil {
		return nil, fmt.Errorf("读取config参数失败: %w", err)
	}

	// 仅绑定显式设置过的参数，避免参数默认值覆盖配置文件
	var bindErr error
	fs.Visit(func(f *pflag.Flag) {
		if f.Name == "config" || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(f.Name, f)
	})
	if bindErr != nil {
		return nil, fmt.Errorf("绑定命令行参数失败: %w", bindErr)
	}

	return load(v, configPath)
}

// NewFlagSet 创建命令行参数集合
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "配置文件路径")
	fs.String("log.level", "info", "日志级别")
	fs.Bool("log.development", true, "是否使用开发模式日志")
	return fs
}

func load(v *viper.Viper, configPath string) (*Config, error) {
	// 设置默认值
	setDefaults(v)

	// 如果指定了配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.announced")
		v.AddConfigPath("/etc/announced")
	}

	v.SetConfigType("yaml")

	// 找不到配置文件时使用默认值；其他错误则返回
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	// 绑定环境变量
	v.SetEnvPrefix("ANNOUNCED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVariables(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	// HTTPS服务默认配置
	v.SetDefault("server.listen_address", "0.0.0.0")
	v.SetDefault("server.port", 80)
	v.SetDefault("server.cert_file", "example.local.pem")
	v.SetDefault("server.key_file", "example.local-key.pem")
	v.SetDefault("server.shutdown_timeout", "5s")

	// mDNS默认配置
	v.SetDefault("mdns.service_type", "_http._tcp.local.")
	v.SetDefault("mdns.instance", "example.local._http._tcp.local.")
	v.SetDefault("mdns.host", "")
	v.SetDefault("mdns.addresses", []string{"127.0.0.1"})
	v.SetDefault("mdns.port", 80)
	v.SetDefault("mdns.properties", map[string]string{"path": "/"})
	v.SetDefault("mdns.ttl", model.DefaultTTL.String())
	v.SetDefault("mdns.interfaces", []string{})

	// etcd镜像默认配置
	v.SetDefault("registry.etcd.enabled", false)
	v.SetDefault("registry.etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("registry.etcd.username", "")
	v.SetDefault("registry.etcd.password", "")
	v.SetDefault("registry.etcd.dial_timeout", "5s")
	v.SetDefault("registry.etcd.prefix", "/announced/services/")
	v.SetDefault("registry.etcd.ttl", "30s")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)
}

// bindEnvVariables 绑定特定的环境变量
func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("server.port", "ANNOUNCED_SERVER_PORT")
	v.BindEnv("mdns.port", "ANNOUNCED_MDNS_PORT")
	v.BindEnv("mdns.addresses", "ANNOUNCED_MDNS_ADDRESSES")
	v.BindEnv("registry.etcd.endpoints", "ANNOUNCED_ETCD_ENDPOINTS")
}

// Validate 校验配置有效性
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("HTTPS端口配置无效: %d", c.Server.Port)
	}
	if c.Server.CertFile == "" || c.Server.KeyFile == "" {
		return fmt.Errorf("证书文件和私钥文件不能为空")
	}
	if c.MDNS.Port <= 0 || c.MDNS.Port > 65535 {
		return fmt.Errorf("mDNS公告端口配置无效: %d", c.MDNS.Port)
	}
	if c.Registry.Etcd.Enabled && len(c.Registry.Etcd.Endpoints) == 0 {
		return fmt.Errorf("启用etcd镜像时etcd端点不能为空")
	}
	return nil
}

// ServerAddress 返回HTTPS服务监听地址
func (c *Config) ServerAddress() string {
	return net.JoinHostPort(c.Server.ListenAddress, fmt.Sprintf("%d", c.Server.Port))
}

// ServiceAnnouncement 根据mDNS配置构造服务公告
func (c *Config) ServiceAnnouncement() (*model.ServiceAnnouncement, error) {
	addrs := make([]net.IP, 0, len(c.MDNS.Addresses))
	for _, raw := range c.MDNS.Addresses {
		// 环境变量中的列表可能以逗号分隔
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			ip := net.ParseIP(s)
			if ip == nil {
				return nil, fmt.Errorf("%w: 无效的地址 %q", model.ErrInvalidAnnouncement, s)
			}
			addrs = append(addrs, ip)
		}
	}

	return model.NewServiceAnnouncement(model.ServiceAnnouncement{
		ServiceType: c.MDNS.ServiceType,
		Instance:    c.MDNS.Instance,
		Host:        c.MDNS.Host,
		Addresses:   addrs,
		Port:        uint16(c.MDNS.Port),
		Properties:  c.MDNS.Properties,
		TTL:         c.MDNS.TTL,
	})
}
