package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// SetupRouter wires the credential endpoint and the state feed.
func SetupRouter(mode string, sessions *SessionHandler, feed *Feed) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.Use(CORSMiddleware())
	api.Any("/session", sessions.Handle)
	if feed != nil {
		api.GET("/ws", feed.Handle)
		api.GET("/state", func(c *gin.Context) {
			c.JSON(http.StatusOK, feed.ctrl.Snapshot())
		})
	}

	log.Info().Str("module", "server").Str("mode", mode).Msg("router setup")
	return r
}
