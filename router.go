package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/psyho/psyho/pkg/apps"
	"github.com/psyho/psyho/pkg/auth"
	"github.com/psyho/psyho/pkg/config"
	"github.com/psyho/psyho/pkg/db"
	"github.com/psyho/psyho/pkg/event"
	"github.com/psyho/psyho/pkg/handler"
	"github.com/psyho/psyho/pkg/middleware"
	"github.com/psyho/psyho/pkg/service"
	"github.com/psyho/psyho/pkg/session"
	"github.com/psyho/psyho/pkg/staticfiles"
	"github.com/psyho/psyho/pkg/urls"
)

const shutdownTimeout = 5 * time.Second

// ServerOptions are runserver flags that change what the server mounts.
type ServerOptions struct {
	// Insecure serves static files even with DEBUG off.
	Insecure bool
}

type Server struct {
	settings  *config.Settings
	ginEngine *gin.Engine
	resolver  *urls.Resolver
	registry  *apps.Registry
	gdb       *gorm.DB
	rdb       *redis.Client
	emitter   *event.Emitter
	logger    *slog.Logger
	port      int
}

func NewServer(s *config.Settings, opts ServerOptions, logger *slog.Logger) (*Server, error) {
	registry, err := apps.Populate(s)
	if err != nil {
		return nil, err
	}
	gdb, err := db.Open(s.Database, s.BaseDir, logger)
	if err != nil {
		return nil, err
	}
	server := &Server{
		settings: s,
		registry: registry,
		gdb:      gdb,
		emitter:  event.NewEmitter(logger),
		logger:   logger,
	}
	if s.Session.Engine == config.SessionEngineCache {
		server.rdb = session.NewRedisClient(s.Cache.Redis)
	}
	if err := server.setup(opts); err != nil {
		server.Close()
		return nil, err
	}
	return server, nil
}

func (s *Server) setup(opts ServerOptions) error {
	store, err := session.NewStore(s.settings, s.gdb, s.rdb)
	if err != nil {
		return err
	}
	users := service.NewUserService(s.gdb, auth.DefaultHashers())

	site := service.NewAdminSite(s.gdb, service.NewContentTypeService(s.gdb), s.emitter)
	if s.registry.IsInstalled("auth") {
		if err := site.Register(service.UserAdmin()); err != nil {
			return err
		}
	}
	adminHandler := handler.NewAdminHandler(site, users, s.settings, s.emitter, s.logger)

	var proxy gin.HandlerFunc
	if s.registry.IsInstalled("tests") {
		if proxy, err = apps.TestsProxy(s.settings, s.logger); err != nil {
			return err
		}
	}

	table, err := rootURLs(s.settings, s.registry, adminHandler, proxy, opts)
	if err != nil {
		return err
	}
	if s.resolver, err = urls.NewResolver(table, s.settings.Debug); err != nil {
		return err
	}

	chain, err := middleware.Build(s.settings.Middleware, middleware.Deps{
		Settings: s.settings,
		Sessions: store,
		Users:    users,
		Logger:   s.logger,
	})
	if err != nil {
		return err
	}

	s.ginEngine = gin.New()
	s.ginEngine.Use(gin.Recovery())
	s.ginEngine.Use(middleware.RequestLogger(s.logger))
	s.ginEngine.Use(s.resolver.Bind())
	s.ginEngine.Use(chain...)
	s.ginEngine.NoRoute(s.resolver.Dispatch)
	return nil
}

// rootURLs is the project URL table: admin first, then the tests app, then
// static and media serving for development.
func rootURLs(s *config.Settings, registry *apps.Registry, admin *handler.AdminHandler, testsProxy gin.HandlerFunc, opts ServerOptions) (urls.Table, error) {
	var table urls.Table
	if registry.IsInstalled("admin") {
		table = append(table, urls.Include("admin/", admin.URLs(), "admin"))
	}
	if testsProxy != nil {
		table = append(table, urls.Include("tests/", apps.TestsURLs(testsProxy), "tests"))
	}
	if registry.IsInstalled("staticfiles") {
		static, err := urls.StaticFinder(s.StaticURL, staticfiles.NewFinder(s.StaticfilesDirs), s.Debug || opts.Insecure)
		if err != nil {
			return nil, err
		}
		table = append(table, static...)
	}
	media, err := urls.Static(s.MediaURL, s.MediaRoot, s.Debug)
	if err != nil {
		return nil, err
	}
	return append(table, media...), nil
}

func (s *Server) Handler() http.Handler { return s.ginEngine }

func (s *Server) Resolver() *urls.Resolver { return s.resolver }

func (s *Server) Emitter() *event.Emitter { return s.emitter }

// Port is the port the server is bound to, valid after Listen.
func (s *Server) Port() int { return s.port }

// Listen binds the configured address so that port conflicts surface
// before anything is served.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.settings.Addr())
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.settings.Addr(), err)
	}
	// Record the actual port (useful with port 0 in tests).
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	} else {
		s.port = s.settings.Server.Port
	}
	return ln, nil
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.ginEngine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(ln)
	}()
	s.logger.Info("Starting server", "url", fmt.Sprintf("http://%s:%d/", s.settings.Server.Host, s.port), "debug", s.settings.Debug)

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if serveErr := <-errChan; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) && err == nil {
		err = serveErr
	}
	s.logger.Info("Server stopped")
	return err
}

// Run listens and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Close releases the database and redis connections.
func (s *Server) Close() {
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Warn("Failed to close redis client", "error", err)
		}
	}
	if sqlDB, err := s.gdb.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			s.logger.Warn("Failed to close database", "error", err)
		}
	}
}
