package apiroutes

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jjbrunton/Sauci-sub000/api"
	restinterceptors "github.com/jjbrunton/Sauci-sub000/api/interceptors"
	"github.com/jjbrunton/Sauci-sub000/global"
	"github.com/jjbrunton/Sauci-sub000/metrics"
	"github.com/jjbrunton/Sauci-sub000/repository"
	"github.com/jjbrunton/Sauci-sub000/services"
	"github.com/jjbrunton/Sauci-sub000/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewAPIRouter creates the gin engine with the base middleware stack.
func NewAPIRouter() *gin.Engine {
	if global.Conf.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	return router
}

// REST API routes
func ConfigRoutes(router *gin.Engine, dbSelector repository.DBSelector, keyStore *services.KeyStoreService, keyDirectory *services.KeyDirectoryService, env *types.Environment) *gin.Engine {
	// init metrics
	if global.Conf.Prometheus.Enabled {

		metrics.InitMetrics()

		authorized := router.Group("/metrics", gin.BasicAuth(gin.Accounts{
			global.Conf.Prometheus.Username: global.Conf.Prometheus.Password,
		}))

		authorized.GET("", gin.WrapH(promhttp.Handler()))
	}

	// SERVICE definitions
	messageService := services.NewMessageService(dbSelector, env)
	viewService := services.NewMessageViewService(keyStore, keyDirectory)
	sendService := services.NewSendService(keyStore, keyDirectory, messageService)
	mediaService := services.NewMediaService(env)

	// API definitions
	messagingApi := api.NewMessagingApi(sendService, messageService, viewService, mediaService, keyStore, env)
	keysApi := api.NewKeysApi(keyStore, keyDirectory, viewService, env)
	healthApi := api.NewHealthCheckAPI()

	// PUBLIC API
	publicApi := router.Group("/api", metrics.MetricsMiddleware())
	{
		publicApi.GET("/v1/healthcheck", healthApi.HealthCheck)
	}

	rootApi := router.Group("/api", metrics.MetricsMiddleware(), restinterceptors.RateLimitMiddleware())
	{
		rootApi.POST("/v1/messages", messagingApi.SendMessage)
		rootApi.GET("/v1/messages/:id", messagingApi.GetMessage)
		rootApi.GET("/v1/conversations/:id/messages", messagingApi.ListConversation)
		rootApi.POST("/v1/attachments", messagingApi.UploadAttachment)
		rootApi.GET("/v1/messages/:id/attachments/:attachmentId", messagingApi.DownloadAttachment)

		rootApi.POST("/v1/keys/ensure", keysApi.EnsureKeys)
		rootApi.GET("/v1/keys/status", keysApi.KeyStatus)
		rootApi.POST("/v1/keys/rotate", keysApi.RotateKeys)
		rootApi.DELETE("/v1/keys", keysApi.ClearKeys)
		rootApi.GET("/v1/keys/:account", keysApi.GetPublicKey)
		rootApi.POST("/v1/keys/:account/refresh", keysApi.RefreshPublicKey)
		rootApi.PUT("/v1/keys/:account", keysApi.PublishPublicKey)
	}

	return router
}
