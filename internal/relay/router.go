package relay

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wayfarer/realtime/internal/config"
)

func SetupRouter(ctx context.Context, cfg *config.Config) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	ctl := NewController(cfg, NewRegistry())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/ws/events", func(c *gin.Context) {
		ctl.HandleEvents(ctx, c)
	})

	return r
}
