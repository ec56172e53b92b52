package web

import (
	"context"
	"net/http"

	"context-engine/config"
	"context-engine/extract"
	"context-engine/kb"
	"context-engine/web/handlers"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	router  *gin.Engine
	service *kb.Service
	logger  *zap.Logger
	config  *config.Config
}

func NewServer(service *kb.Service, extractor *extract.Extractor, logger *zap.Logger, config *config.Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	server := &Server{
		router:  router,
		service: service,
		logger:  logger,
		config:  config,
	}

	knowledgeHandler := handlers.NewKnowledgeHandler(service, extractor, logger)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api := router.Group("/api")
	{
		api.POST("/conversations/:id/sources", knowledgeHandler.AddSource)
		api.POST("/conversations/:id/files", knowledgeHandler.UploadFile)
		api.POST("/conversations/:id/sources/batches", knowledgeHandler.IngestBatch)
		api.POST("/conversations/:id/context", knowledgeHandler.BuildContext)
	}

	return server
}

func (s *Server) Start(ctx context.Context, addr string) error {
	s.logger.Info("Starting web server", zap.String("address", addr))

	srv := &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Web server failed to start", zap.Error(err))
		}
	}()

	<-ctx.Done()

	s.logger.Info("Shutting down web server")
	return srv.Shutdown(context.Background())
}
