package main

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"smartlibrary/internal/handlers"
	"smartlibrary/internal/repositories"
	"smartlibrary/internal/services"
	"smartlibrary/pkg/logger"
)

func main() {
	logger.Init("smartlibrary", getEnv("ENV", "development") == "development")
	logger.SetLevel(getEnv("LOG_LEVEL", "info"))
	log := logger.Logger

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal().Msg("DATABASE_URL environment variable is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to get generic DB")
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	cfg := services.Config{
		LoanPeriodDays:      getEnvInt("LOAN_PERIOD_DAYS", services.DefaultLoanPeriodDays),
		FineRatePerDayCents: int64(getEnvInt("FINE_RATE_CENTS", services.DefaultFineRatePerDayCents)),
		TxTimeout:           time.Duration(getEnvInt("TX_TIMEOUT_MS", 3000)) * time.Millisecond,
	}

	userRepo := repositories.NewUserRepository(db)
	bookRepo := repositories.NewBookRepository(db)
	loanRepo := repositories.NewLoanRepository(db)

	libraryService := services.NewLibraryService(db, userRepo, bookRepo, loanRepo, cfg)

	if getEnv("ENV", "development") != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	metrics := handlers.NewMetrics(prometheus.DefaultRegisterer)
	handlers.RegisterRoutes(router, libraryService, metrics)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	serverAddr := getEnv("SERVER_ADDR", ":8080")

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	log.Info().
		Str("addr", serverAddr).
		Int("loan_period_days", cfg.LoanPeriodDays).
		Int64("fine_rate_cents", cfg.FineRatePerDayCents).
		Msg("starting server")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server error")
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
