package web

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/hewenyu/announced/internal/config"
)

// Greeting 是对所有请求的固定应答
const Greeting = "Hello, World!"

var (
	// ErrCertificate 表示证书或私钥无法加载
	ErrCertificate = errors.New("加载TLS证书失败")
	// ErrListen 表示无法绑定监听地址
	ErrListen = errors.New("绑定监听地址失败")
	// ErrAlreadyServing 表示服务已经启动过
	ErrAlreadyServing = errors.New("HTTPS服务已启动")
)

// Config 定义HTTPS服务的配置项
type Config struct {
	ListenAddress   string
	Port            int
	CertFile        string
	KeyFile         string
	ShutdownTimeout time.Duration
}

// Address 返回 host:port 形式的监听地址
func (c Config) Address() string {
	return net.JoinHostPort(c.ListenAddress, fmt.Sprintf("%d", c.Port))
}

// Server 是基于echo的HTTPS问候服务
type Server struct {
	e      *echo.Echo
	cfg    Config
	logger config.Logger

	serving atomic.Bool

	mu   sync.RWMutex
	addr net.Addr
}

// NewServer 创建HTTPS问候服务
func NewServer(cfg Config, logger config.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		e:      e,
		cfg:    cfg,
		logger: logger,
	}

	// 添加中间件
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.New().String() },
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:     true,
		LogURI:        true,
		LogStatus:     true,
		LogLatency:    true,
		LogRemoteIP:   true,
		LogRequestID:  true,
		LogValuesFunc: s.logRequest,
	}))

	// 任何方法的未知方法请求也返回问候
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		if errors.Is(err, echo.ErrMethodNotAllowed) {
			c.Response().Header().Del(echo.HeaderAllow)
			if herr := Hello(c); herr == nil {
				return
			}
		}
		e.DefaultHTTPErrorHandler(err, c)
	}

	s.registerRoutes()

	return s
}

// registerRoutes 注册路由，所有路径都由 Hello 处理
func (s *Server) registerRoutes() {
	s.e.Any("/", Hello)
	s.e.Any("/*", Hello)
	s.e.RouteNotFound("/*", Hello)
}

// Hello 返回固定的问候文本
func Hello(c echo.Context) error {
	return c.String(http.StatusOK, Greeting)
}

// Handler 返回处理请求的 http.Handler
func (s *Server) Handler() http.Handler {
	return s.e
}

// Addr 返回实际监听的地址，尚未监听时返回nil
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Serve 加载证书并启动HTTPS服务，阻塞直到ctx结束或服务出错
func (s *Server) Serve(ctx context.Context) error {
	if !s.serving.CompareAndSwap(false, true) {
		return ErrAlreadyServing
	}

	// 证书在监听前加载，配置错误时不占用端口
	cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("%w [%s, %s]: %v", ErrCertificate, s.cfg.CertFile, s.cfg.KeyFile, err)
	}

	addr := s.cfg.Address()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w [%s]: %v", ErrListen, addr, err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	s.e.TLSServer.TLSConfig = tlsConfig
	s.e.TLSListener = tls.NewListener(ln, tlsConfig)

	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.logger.Info("HTTPS服务已启动", zap.Stringer("address", ln.Addr()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.e.StartServer(s.e.TLSServer)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTPS服务异常退出: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("正在关闭HTTPS服务")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()

	if err := s.e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("关闭HTTPS服务失败: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTPS服务异常退出: %w", err)
	}

	s.logger.Info("HTTPS服务已关闭")
	return nil
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.cfg.ShutdownTimeout <= 0 {
		return 5 * time.Second
	}
	return s.cfg.ShutdownTimeout
}

// logRequest 以结构化日志记录每个请求
func (s *Server) logRequest(c echo.Context, v middleware.RequestLoggerValues) error {
	fields := []zap.Field{
		zap.String("method", v.Method),
		zap.String("uri", v.URI),
		zap.Int("status", v.Status),
		zap.Duration("latency", v.Latency),
		zap.String("remote_ip", v.RemoteIP),
		zap.String("request_id", v.RequestID),
	}
	if v.Error != nil {
		fields = append(fields, zap.Error(v.Error))
	}
	s.logger.Debug("处理HTTP请求", fields...)
	return nil
}
