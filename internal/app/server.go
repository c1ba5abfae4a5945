package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hewenyu/announced/internal/config"
	"github.com/hewenyu/announced/internal/mdns"
	"github.com/hewenyu/announced/internal/model"
)

// unregisterTimeout 是撤销公告的最长时间
const unregisterTimeout = 5 * time.Second

// ErrAlreadyStarted 表示 Run 已被调用过
var ErrAlreadyStarted = errors.New("服务已启动过")

// Server 定义被公告的服务
type Server interface {
	// Serve 阻塞运行服务，直到ctx结束或出错
	Serve(ctx context.Context) error
}

// AnnouncedServer 在服务运行期间保持一条服务公告
type AnnouncedServer struct {
	announcer mdns.Announcer
	server    Server
	ann       *model.ServiceAnnouncement
	logger    config.Logger

	started atomic.Bool
}

// New 创建 AnnouncedServer
func New(announcer mdns.Announcer, server Server, ann *model.ServiceAnnouncement, logger config.Logger) *AnnouncedServer {
	return &AnnouncedServer{
		announcer: announcer,
		server:    server,
		ann:       ann,
		logger:    logger,
	}
}

// Run 发布服务公告后运行服务，服务退出时无论原因都会撤销公告
func (s *AnnouncedServer) Run(ctx context.Context) (err error) {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if err := s.announcer.Register(ctx, s.ann); err != nil {
		return fmt.Errorf("发布服务公告失败: %w", err)
	}

	s.logger.Info("服务公告已发布，开始运行服务",
		zap.String("instance", s.ann.Instance),
		zap.Uint16("port", s.ann.Port))

	// 服务异常或panic时同样撤销公告；ctx可能已取消，使用独立的超时上下文
	defer func() {
		unregisterCtx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
		defer cancel()

		if uerr := s.announcer.Unregister(unregisterCtx, s.ann); uerr != nil {
			s.logger.Error("撤销服务公告失败", zap.Error(uerr))
			err = multierr.Append(err, fmt.Errorf("撤销服务公告失败: %w", uerr))
			return
		}
		s.logger.Info("服务公告已撤销", zap.String("instance", s.ann.Instance))
	}()

	if err := s.server.Serve(ctx); err != nil {
		s.logger.Error("服务异常退出", zap.Error(err))
		return err
	}

	s.logger.Info("服务已停止")
	return nil
}
