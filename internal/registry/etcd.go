package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/hewenyu/announced/internal/config"
	"github.com/hewenyu/announced/internal/model"
)

// etcdTimeout 是单次etcd操作的超时时间
const etcdTimeout = 5 * time.Second

// ErrNotRegistered 表示实例未在etcd中登记
var ErrNotRegistered = errors.New("服务实例未在etcd中登记")

// EtcdConfig 定义etcd镜像的配置项
type EtcdConfig struct {
	Endpoints   []string
	Username    string
	Password    string
	DialTimeout time.Duration
	Prefix      string
	TTL         time.Duration
}

// Record 是写入etcd的服务公告
type Record struct {
	*model.ServiceAnnouncement
	RegisteredAt time.Time `json:"registered_at"`
}

// lease 保存一次登记的租约及保活协程
type lease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc
	done   chan struct{}
}

// EtcdAnnouncer 把服务公告以带租约的键写入etcd，进程异常退出时键随租约过期
type EtcdAnnouncer struct {
	client *clientv3.Client
	cfg    EtcdConfig
	logger config.Logger

	mu     sync.Mutex
	leases map[string]*lease
}

// NewEtcdAnnouncer 连接etcd并创建公告镜像
func NewEtcdAnnouncer(cfg EtcdConfig, logger config.Logger) (*EtcdAnnouncer, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.TTL < time.Second {
		cfg.TTL = 30 * time.Second
	}

	logger.Info("连接到etcd集群", zap.Strings("endpoints", cfg.Endpoints))

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		logger.Error("连接etcd失败", zap.Error(err))
		return nil, fmt.Errorf("连接etcd失败: %w", err)
	}

	return &EtcdAnnouncer{
		client: client,
		cfg:    cfg,
		logger: logger,
		leases: make(map[string]*lease),
	}, nil
}

// Key 返回公告在etcd中的键
func (a *EtcdAnnouncer) Key(ann *model.ServiceAnnouncement) string {
	return strings.TrimSuffix(a.cfg.Prefix, "/") + "/" + ann.Key()
}

// Register 把公告写入etcd并保持租约
func (a *EtcdAnnouncer) Register(ctx context.Context, ann *model.ServiceAnnouncement) error {
	key := a.Key(ann)

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.leases[key]; exists {
		return fmt.Errorf("服务实例已在etcd中登记: %s", key)
	}

	data, err := json.Marshal(Record{ServiceAnnouncement: ann, RegisteredAt: time.Now()})
	if err != nil {
		return fmt.Errorf("序列化服务公告失败: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	grant, err := a.client.Grant(opCtx, int64(a.cfg.TTL/time.Second))
	if err != nil {
		return fmt.Errorf("创建etcd租约失败: %w", err)
	}

	if _, err := a.client.Put(opCtx, key, string(data), clientv3.WithLease(grant.ID)); err != nil {
		a.revoke(grant.ID)
		return fmt.Errorf("写入etcd失败: %w", err)
	}

	// 保活协程的生命周期跟随登记，而不是Register的调用上下文
	keepAliveCtx, stop := context.WithCancel(context.Background())
	ch, err := a.client.KeepAlive(keepAliveCtx, grant.ID)
	if err != nil {
		stop()
		a.revoke(grant.ID)
		return fmt.Errorf("启动租约保活失败: %w", err)
	}

	l := &lease{id: grant.ID, cancel: stop, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		for range ch {
		}
		a.logger.Debug("租约保活已结束", zap.String("key", key))
	}()
	a.leases[key] = l

	a.logger.Info("服务公告已写入etcd",
		zap.String("key", key),
		zap.Int64("lease", int64(grant.ID)),
		zap.Duration("ttl", a.cfg.TTL))

	return nil
}

// Unregister 撤销租约，etcd随之删除公告键
func (a *EtcdAnnouncer) Unregister(ctx context.Context, ann *model.ServiceAnnouncement) error {
	key := a.Key(ann)

	a.mu.Lock()
	l, exists := a.leases[key]
	delete(a.leases, key)
	a.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrNotRegistered, key)
	}

	l.cancel()
	<-l.done

	opCtx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	if _, err := a.client.Revoke(opCtx, l.id); err != nil {
		return fmt.Errorf("撤销etcd租约失败: %w", err)
	}

	a.logger.Info("服务公告已从etcd删除", zap.String("key", key))
	return nil
}

// Get 读取etcd中的公告，不存在时返回 ErrNotRegistered
func (a *EtcdAnnouncer) Get(ctx context.Context, ann *model.ServiceAnnouncement) (*Record, error) {
	key := a.Key(ann)

	opCtx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	resp, err := a.client.Get(opCtx, key)
	if err != nil {
		return nil, fmt.Errorf("读取etcd失败: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, key)
	}

	record := &Record{}
	if err := json.Unmarshal(resp.Kvs[0].Value, record); err != nil {
		return nil, fmt.Errorf("解析服务公告失败: %w", err)
	}
	return record, nil
}

// Close 停止所有保活并关闭连接，未撤销的键随租约过期
func (a *EtcdAnnouncer) Close() error {
	a.mu.Lock()
	for key, l := range a.leases {
		l.cancel()
		<-l.done
		delete(a.leases, key)
	}
	a.mu.Unlock()

	a.logger.Info("关闭etcd连接")
	return a.client.Close()
}

func (a *EtcdAnnouncer) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), etcdTimeout)
	defer cancel()
	if _, err := a.client.Revoke(ctx, id); err != nil {
		a.logger.Warn("撤销etcd租约失败", zap.Error(err))
	}
}
