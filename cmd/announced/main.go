package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/hewenyu/announced/internal/app"
	"github.com/hewenyu/announced/internal/config"
	"github.com/hewenyu/announced/internal/mdns"
	"github.com/hewenyu/announced/internal/registry"
	"github.com/hewenyu/announced/internal/web"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// 命令行参数
	fs := config.NewFlagSet("announced")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "解析命令行参数失败: %v\n", err)
		return 1
	}

	// 加载配置
	cfg, err := config.LoadConfigWithFlags(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		return 1
	}

	// 初始化日志
	logger, err := config.NewLoggerWithLevel(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ann, err := cfg.ServiceAnnouncement()
	if err != nil {
		logger.Error("服务公告配置无效", zap.Error(err))
		return 1
	}

	// 启动mDNS响应器
	mdnsCfg := mdns.DefaultConfig()
	mdnsCfg.Interfaces = cfg.MDNS.Interfaces

	responder, err := mdns.NewResponder(mdnsCfg, logger.Named("mdns"))
	if err != nil {
		logger.Error("启动mDNS响应器失败", zap.Error(err))
		return 1
	}
	defer func() {
		if err := responder.Close(); err != nil {
			logger.Warn("关闭mDNS响应器失败", zap.Error(err))
		}
	}()

	announcers := []mdns.Announcer{responder}

	// 可选的etcd镜像
	if cfg.Registry.Etcd.Enabled {
		etcdAnnouncer, err := registry.NewEtcdAnnouncer(registry.EtcdConfig{
			Endpoints:   cfg.Registry.Etcd.Endpoints,
			Username:    cfg.Registry.Etcd.Username,
			Password:    cfg.Registry.Etcd.Password,
			DialTimeout: cfg.Registry.Etcd.DialTimeout,
			Prefix:      cfg.Registry.Etcd.Prefix,
			TTL:         cfg.Registry.Etcd.TTL,
		}, logger.Named("etcd"))
		if err != nil {
			logger.Error("初始化etcd镜像失败", zap.Error(err))
			return 1
		}
		defer func() {
			if err := etcdAnnouncer.Close(); err != nil {
				logger.Warn("关闭etcd连接失败", zap.Error(err))
			}
		}()
		announcers = append(announcers, etcdAnnouncer)
	}

	server := web.NewServer(web.Config{
		ListenAddress:   cfg.Server.ListenAddress,
		Port:            cfg.Server.Port,
		CertFile:        cfg.Server.CertFile,
		KeyFile:         cfg.Server.KeyFile,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger.Named("web"))

	// 设置信号处理，以便优雅关闭
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("启动服务",
		zap.String("address", cfg.ServerAddress()),
		zap.String("instance", ann.Instance),
		zap.String("service_type", ann.ServiceType))

	if err := app.New(registry.Multi(announcers...), server, ann, logger).Run(ctx); err != nil {
		logger.Error("服务运行失败", zap.Error(err))
		return 1
	}

	logger.Info("服务已退出")
	return 0
}
