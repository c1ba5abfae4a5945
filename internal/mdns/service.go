package mdns

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/hewenyu/announced/internal/model"
)

var (
	// ErrAlreadyRegistered 表示同名实例已经注册
	ErrAlreadyRegistered = errors.New("服务实例已注册")
	// ErrNotRegistered 表示注销的实例不存在
	ErrNotRegistered = errors.New("服务实例未注册")
	// ErrClosed 表示响应器已关闭
	ErrClosed = errors.New("mDNS响应器已关闭")
)

// Announcer 定义服务公告的发布接口
type Announcer interface {
	// Register 发布服务公告
	Register(ctx context.Context, ann *model.ServiceAnnouncement) error

	// Unregister 撤销服务公告
	Unregister(ctx context.Context, ann *model.ServiceAnnouncement) error
}

// Config 定义mDNS响应器的配置项
type Config struct {
	// Interfaces 是发布公告的网卡名，为空时使用所有支持组播的网卡
	Interfaces []string

	// ShutdownTimeout 是关闭时等待告别报文发送完成的最长时间
	ShutdownTimeout time.Duration
}

// DefaultConfig 返回默认的mDNS响应器配置
func DefaultConfig() *Config {
	return &Config{
		ShutdownTimeout: 2 * time.Second,
	}
}

// proxyParams 是发布一条公告所需的参数，服务器地址和主机名由公告直接给出
type proxyParams struct {
	instance string   // 实例标签，例如 example.local
	service  string   // 不含域的服务类型，例如 _http._tcp
	domain   string   // 例如 local.
	host     string   // SRV目标主机名
	port     int      // 服务端口
	ips      []string // A/AAAA地址
	text     []string // TXT记录
	ttl      uint32   // 记录TTL(秒)
}

// newProxyParams 把服务公告拆分为实例、服务类型和域
func newProxyParams(ann *model.ServiceAnnouncement) (proxyParams, error) {
	labels := dns.SplitDomainName(ann.ServiceType)
	if len(labels) < 3 {
		return proxyParams{}, fmt.Errorf("%w: 服务类型 %q 缺少域", model.ErrInvalidAnnouncement, ann.ServiceType)
	}

	// TXT记录至少包含一个字符串
	text := ann.TXT()
	if len(text) == 0 {
		text = []string{""}
	}

	ips := make([]string, 0, len(ann.Addresses))
	for _, ip := range ann.Addresses {
		ips = append(ips, ip.String())
	}

	return proxyParams{
		instance: ann.InstanceLabel(),
		service:  strings.Join(labels[:2], "."),
		domain:   dns.Fqdn(strings.Join(labels[2:], ".")),
		host:     ann.HostName(),
		port:     int(ann.Port),
		ips:      ips,
		text:     text,
		ttl:      uint32(ann.TTL / time.Second),
	}, nil
}
