package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"studyplan/internal/handler"
	"studyplan/internal/service"
)

func SetupRouter(svc *service.ServiceContext) *gin.Engine {
	return newEngine(
		handler.NewPlanHandler(svc.Pipeline),
		handler.NewTaskHandler(svc.TaskEngine),
		handler.NewRuleHandler(svc.Rules),
		svc.Config.Metrics.Enabled,
		svc.Config.Metrics.Path,
		svc.Logger,
	)
}

func newEngine(plans *handler.PlanHandler, tasks *handler.TaskHandler, rules *handler.RuleHandler, metricsEnabled bool, metricsPath string, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	// CORS
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, PATCH, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metricsEnabled {
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		r.GET(metricsPath, gin.WrapH(promhttp.Handler()))
	}

	api := r.Group("/api")
	{
		// 计划
		p := api.Group("/plans")
		{
			p.POST("/generate", plans.GeneratePlan)
			p.GET("/:studentId", plans.ListPlans)
			p.GET("/:studentId/stats", plans.Progress)
			p.GET("/:studentId/:date", plans.GetPlan)
			p.POST("/:studentId/:date/tasks/:taskId/complete", plans.CompleteTask)
		}

		// 任务表现
		t := api.Group("/tasks")
		{
			t.POST("/performance", tasks.SubmitPerformance)
		}

		// 决策规则
		rs := api.Group("/rules")
		{
			rs.GET("/:id", rules.GetRules)
			rs.PATCH("/:id", rules.UpdateRule)
			rs.GET("/:id/history", rules.GetHistory)
		}
	}

	return r
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}
