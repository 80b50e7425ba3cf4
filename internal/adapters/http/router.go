package http

import (
	"context"
	"net/http"

	"github.com/dkeye/camslot/internal/adapters/signal"
	"github.com/dkeye/camslot/internal/app/orch"
	"github.com/dkeye/camslot/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	ctrl := signal.NewSignalWSController(o, signal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		AuthLimit:  cfg.AuthLimit,
		AuthWindow: cfg.AuthWindow,
	})
	r.GET("/ws", func(c *gin.Context) {
		ctrl.HandleSignal(ctx, c)
	})

	api := r.Group("/api")
	api.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"feeds": o.QueryState()})
	})

	r.GET("/healthz", func(c *gin.Context) {
		alive := o.Room != nil && o.Room.Alive()
		status := http.StatusOK
		if !alive {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"room_alive": alive})
	})

	return r
}
