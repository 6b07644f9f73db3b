package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"CoWatch/cache"
	"CoWatch/config"
	"CoWatch/core/room"
	"CoWatch/db"
	"CoWatch/logger"
	"CoWatch/repository"
	"CoWatch/storage"

	"github.com/gorilla/mux"
)

// Services 路由依赖的组件
type Services struct {
	Manager *room.RoomManager
	Hub     *room.RoomHub
	Avatars AvatarStorage // 未启用 MinIO 时为 nil
}

// corsMiddleware 允许任意来源访问
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, HEAD")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+ManageKeyHeader)
		w.Header().Set("Access-Control-Expose-Headers", "Content-Length")
		w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter 创建路由器并注册全部端点
func NewRouter(s *Services) *mux.Router {
	router := mux.NewRouter()
	router.Use(corsMiddleware)

	RegisterRoomRoutes(router, NewRoomHandler(s.Manager, s.Hub))
	if s.Avatars != nil {
		RegisterAvatarRoutes(router, NewAvatarHandler(s.Avatars))
	}

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "ok rooms=%d conns=%d\n", s.Manager.LiveRoomCount(), s.Hub.ClientCount())
	}).Methods(http.MethodGet)

	// 预检请求：放在最后，只在其他路由方法不匹配时命中
	router.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	return router
}

// Start 连接依赖、启动 HTTP 服务，收到退出信号后优雅关闭
func Start(cfg *config.Config) error {
	gdb, err := db.ConnectGormDB(cfg)
	if err != nil {
		return err
	}
	defer db.CloseGormDB(gdb)

	if err := db.AutoMigrate(gdb); err != nil {
		return err
	}

	hub := room.NewRoomHub()
	go hub.Run()

	opts := []room.Option{room.WithEvictionGrace(cfg.RoomEvictionGrace)}
	if cfg.RedisEnabled {
		redisClient, err := db.ConnectRedis(cfg)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		opts = append(opts, room.WithSnapshotStore(cache.NewRoomCache(redisClient)))
		logger.Info("Successfully connected to Redis")
	}

	services := &Services{Hub: hub}
	if cfg.MinioEnabled {
		client, err := storage.NewMinioClient(cfg)
		if err != nil {
			return err
		}
		avatars, err := storage.NewAvatarStore(context.Background(), client, cfg.MinioBucket, cfg.MinioRegion)
		if err != nil {
			return err
		}
		services.Avatars = avatars
		logger.Info("MinIO 头像存储已启用", logger.String("bucket", cfg.MinioBucket))
	}

	manager := room.NewRoomManager(
		repository.NewGormRoomRepository(gdb),
		repository.NewGormMessageRepository(gdb),
		hub,
		opts...,
	)
	services.Manager = manager
	hub.OnDisconnect(manager.HandleDisconnect)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := config.Watch(ctx, ".env", func(c *config.Config) {
		logger.SetLevel(logger.LogLevel(c.LogLevel))
		logger.Info("日志级别已更新", logger.String("level", c.LogLevel))
	}); err != nil {
		logger.Warn("配置热加载未启用", logger.ErrorField(err))
	}

	// WriteTimeout 不设置，WebSocket 连接由 WritePump 自己控制写超时
	srv := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     NewRouter(services),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// 创建一个通道来接收操作系统信号
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server starting", logger.String("addr", cfg.ServerAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-stop:
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	}
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", logger.ErrorField(err))
	}
	// 先保存房间快照，再关闭连接
	manager.Shutdown()
	hub.Stop()

	logger.Info("Server stopped")
	return nil
}
