package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/AliAkbar852/ScentSymphony/internal/api/middleware"
	"github.com/AliAkbar852/ScentSymphony/internal/crawler"
	"github.com/AliAkbar852/ScentSymphony/internal/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	healthCheckTimeout = 2 * time.Second
	readHeaderTimeout  = 5 * time.Second
)

// ProgressSource 提供调度进度，由 *scheduler.Scheduler 实现。
type ProgressSource interface {
	Stats() scheduler.Progress
	Failures() []scheduler.Failure
}

// FetchStatsSource 提供抓取统计，由 *crawler.Service 实现。
type FetchStatsSource interface {
	Stats() crawler.CrawlerStats
}

// Server 运维 HTTP 服务，只读暴露健康检查、进度与指标。
//
// 爬虫进程内嵌运行，不提供任何写操作。
type Server struct {
	addr     string
	logger   *slog.Logger
	db       *gorm.DB
	rdb      *redis.Client
	progress ProgressSource
	fetch    FetchStatsSource
	router   *gin.Engine
	httpSrv  *http.Server
}

// Option 配置 Server 的可选依赖。
type Option func(*Server)

// WithRedis 在健康检查中加入 Redis 连通性。
func WithRedis(rdb *redis.Client) Option {
	return func(s *Server) { s.rdb = rdb }
}

// WithFetchStats 在 /progress 中附带抓取统计。
func WithFetchStats(src FetchStatsSource) Option {
	return func(s *Server) { s.fetch = src }
}

// NewServer 初始化运维服务器。
//
// 参数:
//
//	addr: 监听地址
//	logger: 日志记录器
//	db: 目录数据库连接，用于健康检查
//	progress: 调度进度来源
//
// 返回值:
//
//	*Server: 服务器实例
func NewServer(addr string, logger *slog.Logger, db *gorm.DB, progress ProgressSource, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(logger))

	s := &Server{
		addr:     addr,
		logger:   logger,
		db:       db,
		progress: progress,
		router:   router,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// Start 在后台开始监听，监听失败记录日志。
func (s *Server) Start() {
	go func() {
		s.logger.Info("ops server listening", slog.String("addr", s.addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ops server stopped", slog.String("error", err.Error()))
		}
	}()
}

// Shutdown 优雅关闭 HTTP 服务。
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/progress", s.handleProgress)
	s.router.GET("/failures", s.handleFailures)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	if s.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "database"})
		return
	}
	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		s.logger.Warn("health check failed", slog.String("component", "database"), slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "database"})
		return
	}
	// Redis 只服务限流，不可达时限流已降级放行，这里仅报告状态
	redisStatus := "disabled"
	if s.rdb != nil {
		redisStatus = "ok"
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			redisStatus = "unreachable"
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "redis": redisStatus})
}

type progressResponse struct {
	Scheduler scheduler.Progress    `json:"scheduler"`
	Crawler   *crawler.CrawlerStats `json:"crawler,omitempty"`
}

func (s *Server) handleProgress(c *gin.Context) {
	if s.progress == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler not running"})
		return
	}
	resp := progressResponse{Scheduler: s.progress.Stats()}
	if s.fetch != nil {
		st := s.fetch.Stats()
		resp.Crawler = &st
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleFailures(c *gin.Context) {
	if s.progress == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler not running"})
		return
	}
	failures := s.progress.Failures()
	if failures == nil {
		failures = []scheduler.Failure{}
	}
	c.JSON(http.StatusOK, gin.H{"failures": failures, "count": len(failures)})
}
