package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/handler"
	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/validator"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Attempt *handler.AttemptHandler
	System  *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	auth middleware.TokenValidator,
	monitoringLimiter *middleware.RateLimiter,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())

	if handlers.System != nil {
		router.GET("/health", handlers.System.Health)
	}

	RegisterExamRoutes(router.Group("/api/v1"), auth, monitoringLimiter, handlers.Attempt)

	return router
}

// RegisterExamRoutes mounts the student exam endpoints under api.
// monitoringLimiter may be nil to disable rate limiting.
func RegisterExamRoutes(
	api *gin.RouterGroup,
	auth middleware.TokenValidator,
	monitoringLimiter *middleware.RateLimiter,
	h *handler.AttemptHandler,
) {
	validator.Setup()

	exams := api.Group("/exams")
	exams.Use(middleware.RequireStudentJWT(auth), middleware.NoStore())
	{
		// Exam-scoped. For fullscreen and results :id is the participant ID.
		exams.GET("/:id", h.GetExam)
		exams.POST("/:id/register", h.Register)
		exams.POST("/:id/start", h.Start)
		exams.POST("/:id/fullscreen-exit", h.FullscreenExit)
		exams.POST("/:id/fullscreen-return", h.FullscreenReturn)
		exams.GET("/:id/results", h.Results)
		exams.GET("/:id/participants/:pid/answers", h.ListAnswersByExam)
		exams.POST("/:id/participants/:pid/complete", h.Complete)
		exams.POST("/:id/participants/:pid/questions/:qid/grade", h.Grade)

		// Participant-scoped.
		exams.POST("/participants/:id/answer/:qid", h.SaveAnswer)
		exams.GET("/participants/:id/answers", h.ListAnswers)
		exams.POST("/participants/:id/complete", h.CompleteByParticipant)
		exams.POST("/participants/:id/grade/:qid", h.GradeByParticipant)
		exams.POST("/attempts/:id/complete", h.CompleteByParticipant)

		monitoring := []gin.HandlerFunc{h.LogMonitoring}
		if monitoringLimiter != nil {
			monitoring = append([]gin.HandlerFunc{monitoringLimiter.Middleware()}, monitoring...)
		}
		exams.POST("/monitoring-logs", monitoring...)
	}
}
