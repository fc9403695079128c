// Package web serves the browser UI and the JSON/WebSocket API behind it.
package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"time"

	iface "SignDetServer/interface"
	"SignDetServer/logger"
	"SignDetServer/media"
	"SignDetServer/pipeline"
	"SignDetServer/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	pageTitle     = "Intelligent Traffic Sign Recognition System"
	sweepInterval = 5 * time.Second
)

// History is the read side of the run store.
type History interface {
	List(ctx context.Context, limit int) ([]store.Run, error)
	Get(ctx context.Context, id string) (*store.Run, error)
	TopClasses(ctx context.Context, limit int) ([]store.ClassCount, error)
}

type Config struct {
	Processor *pipeline.Processor
	Engine    iface.Engine
	Fetcher   media.Fetcher
	Temp      *media.TempStore
	Jobs      *JobRegistry
	History   History

	MaxImageBytes int64
	MaxVideoBytes int64
	StreamEvery   int
	Workers       int
}

type Server struct {
	cfg    Config
	router *gin.Engine
}

func NewServer(cfg Config) *Server {
	if cfg.StreamEvery <= 0 {
		cfg.StreamEvery = 1
	}
	s := &Server{cfg: cfg}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	r.SetHTMLTemplate(template.Must(template.ParseFS(templateFS, "templates/*.html")))

	r.GET("/", s.index)
	api := r.Group("/api")
	{
		api.GET("/ping", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"message": "pong"})
		})
		api.GET("/model", s.modelInfo)
		api.POST("/detect/image", s.detectImage)
		api.POST("/videos", s.uploadVideo)
		api.POST("/youtube", s.youtube)
		api.DELETE("/jobs/:id", s.discardJob)
		api.GET("/runs", s.listRuns)
		api.GET("/runs/:id", s.getRun)
		api.GET("/stats/classes", s.topClasses)
	}
	r.GET("/ws/jobs/:id", s.streamJob)
	return r
}

// Run serves on port and sweeps expired jobs until ctx is cancelled.
func (s *Server) Run(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		// hijacked websocket conns are not tracked by Shutdown; tie them to ctx
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go s.cfg.Jobs.Run(ctx, sweepInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Log().Info("http server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
