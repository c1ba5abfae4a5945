package model

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// DefaultTTL 是公告记录的默认TTL
const DefaultTTL = 120 * time.Second

// ErrInvalidAnnouncement 表示服务公告内容无效
var ErrInvalidAnnouncement = errors.New("无效的服务公告")

// ServiceAnnouncement 表示在本地网络上广播的一条服务公告
//
// 公告通过 NewServiceAnnouncement 构造后不再修改，持有方只读取其字段。
type ServiceAnnouncement struct {
	ServiceType string            `json:"service_type"`         // 服务类型，例如 _http._tcp.local.
	Instance    string            `json:"instance"`             // 完整实例名，以服务类型结尾
	Host        string            `json:"host,omitempty"`       // SRV目标主机名，为空时使用实例名
	Addresses   []net.IP          `json:"addresses"`            // 主机地址
	Port        uint16            `json:"port"`                 // 服务端口
	Properties  map[string]string `json:"properties,omitempty"` // TXT属性
	TTL         time.Duration     `json:"ttl"`                  // 记录TTL
}

// NewServiceAnnouncement 校验并复制公告内容，返回规范化后的公告
func NewServiceAnnouncement(a ServiceAnnouncement) (*ServiceAnnouncement, error) {
	ann := &ServiceAnnouncement{
		ServiceType: fqdn(a.ServiceType),
		Instance:    fqdn(a.Instance),
		Port:        a.Port,
		TTL:         a.TTL,
	}
	if a.Host != "" {
		ann.Host = fqdn(a.Host)
	}
	for _, ip := range a.Addresses {
		ann.Addresses = append(ann.Addresses, append(net.IP(nil), ip...))
	}
	if len(a.Properties) > 0 {
		ann.Properties = make(map[string]string, len(a.Properties))
		for k, v := range a.Properties {
			ann.Properties[k] = v
		}
	}
	if ann.TTL <= 0 {
		ann.TTL = DefaultTTL
	}

	if err := ann.Validate(); err != nil {
		return nil, err
	}
	return ann, nil
}

// Validate 校验公告内容
func (a *ServiceAnnouncement) Validate() error {
	st := strings.ToLower(a.ServiceType)
	if !strings.HasPrefix(st, "_") ||
		!(strings.HasSuffix(st, "._tcp.local.") || strings.HasSuffix(st, "._udp.local.")) {
		return fmt.Errorf("%w: 服务类型 %q 必须形如 _name._tcp.local.", ErrInvalidAnnouncement, a.ServiceType)
	}
	if _, ok := dns.IsDomainName(a.Instance); !ok {
		return fmt.Errorf("%w: 实例名 %q 不是合法的域名", ErrInvalidAnnouncement, a.Instance)
	}
	if a.Host != "" {
		if _, ok := dns.IsDomainName(a.Host); !ok {
			return fmt.Errorf("%w: 主机名 %q 不是合法的域名", ErrInvalidAnnouncement, a.Host)
		}
	}
	if a.InstanceLabel() == "" {
		return fmt.Errorf("%w: 实例名 %q 必须以服务类型 %q 结尾", ErrInvalidAnnouncement, a.Instance, a.ServiceType)
	}
	if len(a.Addresses) == 0 {
		return fmt.Errorf("%w: 至少需要一个地址", ErrInvalidAnnouncement)
	}
	for _, ip := range a.Addresses {
		if ip.To16() == nil {
			return fmt.Errorf("%w: 无效的地址 %v", ErrInvalidAnnouncement, ip)
		}
	}
	if a.Port == 0 {
		return fmt.Errorf("%w: 端口不能为0", ErrInvalidAnnouncement)
	}
	if a.TTL < time.Second {
		return fmt.Errorf("%w: TTL %v 不足1秒", ErrInvalidAnnouncement, a.TTL)
	}
	for k := range a.Properties {
		if k == "" || strings.Contains(k, "=") {
			return fmt.Errorf("%w: 无效的属性名 %q", ErrInvalidAnnouncement, k)
		}
	}
	return nil
}

// InstanceLabel 返回实例名中服务类型之前的部分，不匹配时返回空串
func (a *ServiceAnnouncement) InstanceLabel() string {
	instance := strings.ToLower(a.Instance)
	suffix := "." + strings.ToLower(a.ServiceType)
	if !strings.HasSuffix(instance, suffix) || len(instance) == len(suffix) {
		return ""
	}
	return a.Instance[:len(a.Instance)-len(suffix)]
}

// HostName 返回SRV记录的目标主机名
func (a *ServiceAnnouncement) HostName() string {
	if a.Host != "" {
		return a.Host
	}
	return a.Instance
}

// TXT 返回按键排序的 key=value 列表
func (a *ServiceAnnouncement) TXT() []string {
	keys := make([]string, 0, len(a.Properties))
	for k := range a.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	txt := make([]string, 0, len(keys))
	for _, k := range keys {
		txt = append(txt, k+"="+a.Properties[k])
	}
	return txt
}

// Key 返回公告的唯一标识（实例名小写形式）
func (a *ServiceAnnouncement) Key() string {
	return strings.ToLower(a.Instance)
}

func fqdn(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}
