package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"learnsync/internal/auth"
	"learnsync/internal/models"
	"learnsync/internal/progress"
	"learnsync/pkg/cache"
	"learnsync/pkg/database"
	"learnsync/pkg/realtime"

	"github.com/gorilla/mux"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found")
	}

	// Initialize database
	dbConfig := &database.Config{
		Host:     os.Getenv("DB_HOST"),
		Port:     os.Getenv("DB_PORT"),
		User:     os.Getenv("DB_USER"),
		Password: os.Getenv("DB_PASSWORD"),
		DBName:   os.Getenv("DB_NAME"),
	}

	db, err := database.NewPostgresDB(dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	err = db.AutoMigrate(
		&models.User{},
		&models.Progress{},
		&models.QuizAttempt{},
		&models.AttemptCounter{},
	)
	if err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	// Initialize Redis cache
	redisCache := cache.NewRedisCache(os.Getenv("REDIS_ADDR"))

	// Initialize realtime hub
	hub := realtime.NewHub()
	go hub.Run()

	// Initialize repositories
	authRepo := auth.NewRepository(db)
	progressRepo := progress.NewRepository(db)

	// Initialize services
	jwtSecret := os.Getenv("JWT_SECRET")
	authService := auth.NewService(authRepo, jwtSecret)
	progressService := progress.NewService(progressRepo, redisCache, hub)

	// Initialize handlers
	authHandler := auth.NewHandler(authService)
	progressHandler := progress.NewHandler(progressService)

	// Setup router
	router := mux.NewRouter()

	// CORS middleware configuration
	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Requested-With"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	})
	handler := corsMiddleware.Handler(router)

	// Auth routes - no JWT required
	router.HandleFunc("/api/auth/register", authHandler.Register).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/auth/login", authHandler.Login).Methods("POST", "OPTIONS")

	// Store and RPC routes - JWT required
	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(auth.JWTMiddleware(jwtSecret))

	apiRouter.HandleFunc("/store/select", progressHandler.StoreSelect).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/store/upsert", progressHandler.StoreUpsert).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/store/delete", progressHandler.StoreDelete).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/rpc/{name}", progressHandler.RPC).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/chapters/{chapterID}/leaderboard", progressHandler.GetLeaderboard).Methods("GET")

	// Realtime channel endpoint
	router.HandleFunc("/ws/{channel:.+}", hub.HandleWebSocket)

	// Setup server with CORS handler
	srv := &http.Server{
		Addr:         ":8080",
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Server starting on port 8080")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Graceful shutdown setup
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	<-c

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server shutdown gracefully")
}
