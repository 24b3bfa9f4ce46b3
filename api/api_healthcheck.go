package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jjbrunton/Sauci-sub000/global"
)

type HealthCheckAPI struct {
}

func NewHealthCheckAPI() *HealthCheckAPI {
	return &HealthCheckAPI{}
}

func (ha *HealthCheckAPI) HealthCheck(c *gin.Context) {
	mode := global.Conf.Mode
	c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": mode})
}
