package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func RegisterRoutes(r *gin.Engine, name string, status Status, conn Connection) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"name":       name,
			"connection": conn.State().String(),
			"online":     status.Online(),
		})
	})

	r.GET("/tasks", func(c *gin.Context) {
		tasks, err := status.Running(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"tasks": tasks})
	})
}
