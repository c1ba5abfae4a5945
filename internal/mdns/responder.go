package mdns

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/libp2p/zeroconf/v2"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/hewenyu/announced/internal/config"
	"github.com/hewenyu/announced/internal/model"
)

// server 是一条已发布的公告，Shutdown 发送告别报文并关闭套接字
type server interface {
	Shutdown()
}

// registerFunc 发布一条公告，默认由 zeroconf.RegisterProxy 实现
type registerFunc func(p proxyParams, ifaces []net.Interface) (server, error)

// registerProxy 通过zeroconf发布公告，zeroconf负责探测、公告和应答查询
func registerProxy(p proxyParams, ifaces []net.Interface) (server, error) {
	s, err := zeroconf.RegisterProxy(p.instance, p.service, p.domain, p.port, p.host, p.ips, p.text, ifaces, zeroconf.TTL(p.ttl))
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Responder 在本地网络上发布服务公告
type Responder struct {
	config   *Config
	logger   config.Logger
	ifaces   []net.Interface
	register registerFunc

	mu       sync.Mutex
	services map[string]server

	closed atomic.Bool
}

// NewResponder 创建mDNS响应器
func NewResponder(cfg *Config, logger config.Logger) (*Responder, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	ifaces := make([]net.Interface, 0, len(cfg.Interfaces))
	for _, name := range cfg.Interfaces {
		ifi, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("查找网卡失败 [%s]: %w", name, err)
		}
		ifaces = append(ifaces, *ifi)
	}

	logger.Info("mDNS响应器已创建", zap.Strings("interfaces", cfg.Interfaces))

	return &Responder{
		config:   cfg,
		logger:   logger,
		ifaces:   ifaces,
		register: registerProxy,
		services: make(map[string]server),
	}, nil
}

// Register 发布服务公告
// 返回错误时网络上不会留下公告，返回nil后由 Unregister 或 Close 撤销
func (r *Responder) Register(ctx context.Context, ann *model.ServiceAnnouncement) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ann.Validate(); err != nil {
		return err
	}

	params, err := newProxyParams(ann)
	if err != nil {
		return err
	}

	key := ann.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.services[key]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, ann.Instance)
	}

	s, err := r.register(params, r.ifaces)
	if err != nil {
		return fmt.Errorf("发布服务公告失败: %w", err)
	}
	r.services[key] = s

	r.logger.Info("服务公告已发布",
		zap.String("instance", ann.Instance),
		zap.String("service_type", ann.ServiceType),
		zap.Strings("addresses", params.ips),
		zap.Uint16("port", ann.Port))

	return nil
}

// Unregister 撤销服务公告并发送告别报文
// ctx结束时不再等待，告别报文仍在后台发送
func (r *Responder) Unregister(ctx context.Context, ann *model.ServiceAnnouncement) error {
	key := ann.Key()

	r.mu.Lock()
	s, exists := r.services[key]
	delete(r.services, key)
	r.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrNotRegistered, ann.Instance)
	}

	if err := shutdown(ctx, s); err != nil {
		return fmt.Errorf("等待告别报文发送失败: %w", err)
	}

	r.logger.Info("服务公告已撤销", zap.String("instance", ann.Instance))
	return nil
}

// Close 撤销所有公告，重复调用无副作用
func (r *Responder) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	r.mu.Lock()
	remaining := make([]server, 0, len(r.services))
	for key, s := range r.services {
		remaining = append(remaining, s)
		delete(r.services, key)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout())
	defer cancel()

	var wg sync.WaitGroup
	for _, s := range remaining {
		wg.Add(1)
		go func(s server) {
			defer wg.Done()
			if err := shutdown(ctx, s); err != nil {
				r.logger.Warn("等待告别报文发送超时", zap.Error(err))
			}
		}(s)
	}
	wg.Wait()

	r.logger.Info("mDNS响应器已关闭", zap.Int("withdrawn", len(remaining)))
	return nil
}

func (r *Responder) shutdownTimeout() time.Duration {
	if r.config.ShutdownTimeout <= 0 {
		return 2 * time.Second
	}
	return r.config.ShutdownTimeout
}

// shutdown 在后台关闭公告，等待完成或ctx结束
func shutdown(ctx context.Context, s server) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Shutdown()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
