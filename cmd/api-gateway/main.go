package main

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/sims-core-api/api/swagger"
	"github.com/noah-isme/sims-core-api/internal/handler"
	"github.com/noah-isme/sims-core-api/internal/middleware"
	"github.com/noah-isme/sims-core-api/internal/models"
	"github.com/noah-isme/sims-core-api/internal/repository"
	"github.com/noah-isme/sims-core-api/internal/service"
	"github.com/noah-isme/sims-core-api/pkg/cache"
	"github.com/noah-isme/sims-core-api/pkg/config"
	"github.com/noah-isme/sims-core-api/pkg/database"
	"github.com/noah-isme/sims-core-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/sims-core-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sims-core-api/pkg/middleware/requestid"
)

// @title SIMS Core API
// @version 0.1.0
// @description Subject enrollment admission and ranking engine
// @BasePath /
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		// The catalog cache is an optimization; the engine runs without it.
		logr.Sugar().Warnw("redis unavailable, catalog cache disabled", "error", err)
		redisClient = nil
	}

	validate := validator.New()
	metricsSvc := service.NewMetricsService()

	enrollmentRepo := repository.NewEnrollmentRepository(db)
	subjectRepo := repository.NewSubjectRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	admissionSvc := service.NewAdmissionService(enrollmentRepo, subjectRepo, studentRepo, metricsSvc, validate, logr, cfg.Admission)
	rankingSvc := service.NewRankingService(enrollmentRepo, subjectRepo, gradeScale(cfg.Ranking), metricsSvc, logr)
	subjectSvc := service.NewSubjectService(subjectRepo, cacheRepo, metricsSvc, validate, logr, cfg.Catalog)

	enrollmentHandler := handler.NewEnrollmentHandler(admissionSvc, enrollmentRepo)
	rankingHandler := handler.NewRankingHandler(rankingSvc)
	subjectHandler := handler.NewSubjectHandler(subjectSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	{
		subjects := api.Group("/subjects")
		{
			subjects.GET("", subjectHandler.List)
			subjects.POST("", subjectHandler.Create)
			subjects.GET("/conflicts", subjectHandler.DetectConflicts)
			subjects.GET("/:id", subjectHandler.Get)
			subjects.PUT("/:id", subjectHandler.Update)
		}

		enrollments := api.Group("/enrollments")
		{
			enrollments.GET("", enrollmentHandler.List)
			enrollments.POST("", enrollmentHandler.Request)
			enrollments.POST("/schedule", enrollmentHandler.RegisterSchedule)
			enrollments.POST("/promote", enrollmentHandler.Promote)
			enrollments.POST("/auto-assign", enrollmentHandler.BulkAutoAssign)
			enrollments.POST("/auto-assign/:studentId", enrollmentHandler.AutoAssignStudent)
			enrollments.PUT("/:id/decision", enrollmentHandler.Decide)
			enrollments.PUT("/:id/withdraw", enrollmentHandler.Withdraw)
			enrollments.PUT("/:id/complete", enrollmentHandler.Complete)
			enrollments.PUT("/:id/score", enrollmentHandler.RecordScore)
			enrollments.DELETE("/:id", enrollmentHandler.Cancel)
		}

		rankings := api.Group("/rankings")
		{
			rankings.GET("/subjects/:subjectId", rankingHandler.SubjectRanking)
			rankings.GET("/grades/:gradeLevel", rankingHandler.ClassRanking)
			rankings.GET("/students/:studentId/average", rankingHandler.StudentAverage)
			rankings.GET("/students/:studentId/rank", rankingHandler.ClassRank)
			rankings.GET("/students/:studentId/gpa", rankingHandler.GPA)
		}
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}

func gradeScale(cfg config.RankingConfig) models.GradeScale {
	scale := make(models.GradeScale, 0, len(cfg.GradeScale))
	for _, band := range cfg.GradeScale {
		scale = append(scale, models.GradeBand{MinScore: band.MinScore, Points: band.Points})
	}
	return scale
}
