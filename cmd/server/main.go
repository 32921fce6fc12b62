package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"chat-sync/internal/api"
	"chat-sync/internal/chat"
	"chat-sync/internal/db"
	myMiddleware "chat-sync/internal/middleware"
	"chat-sync/internal/user"
	"chat-sync/internal/ws"
)

func main() {
	// 1. Config & Flags
	addr := flag.String("addr", ":8080", "http service address")
	flag.Parse()

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatal("❌ DB_DSN is not set")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("❌ JWT_SECRET is not set")
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	// 2. Connect to Database (Platform Layer)
	database, err := db.NewDatabase(dsn)
	if err != nil {
		log.Fatalf("❌ Failed to connect to DB: %v", err)
	}
	log.Println("✅ Connected to PostgreSQL")

	if err := database.AutoMigrate(); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}
	log.Println("✅ Database Schema Initialized")

	// 3. Connect to Redis (Platform Layer)
	redisClient := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})
	if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
		log.Fatalf("❌ Failed to connect to Redis: %v", err)
	}
	log.Println("✅ Connected to Redis")

	// 4. User Feature
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, jwtSecret)
	userHandler := user.NewHandler(userService)

	// 5. Realtime Layer
	chatRepo := chat.NewRepository(database.Conn)
	hub := ws.NewHub(redisClient, chatRepo, userRepo)
	go hub.SubscribeToRedis()

	apiHandler := api.NewHandler(chatRepo, hub)
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 6. Routes
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)

		// WebSocket (Real-time)
		r.Get("/ws", hub.ServeWs)

		r.Post("/api/conversations", apiHandler.StartConversation)
		r.Get("/api/conversations", apiHandler.ListConversations)
		r.Get("/api/conversations/{id}", apiHandler.GetConversation)
		r.Get("/api/messages", apiHandler.GetChatHistory)

		r.Post("/api/chat-requests/{id}/accept", apiHandler.AcceptChatRequest)
		r.Post("/api/chat-requests/{id}/reject", apiHandler.RejectChatRequest)

		r.Post("/api/groups", apiHandler.CreateGroup)
		r.Put("/api/groups/{id}", apiHandler.UpdateGroup)
		r.Post("/api/groups/{id}/leave", apiHandler.LeaveGroup)
	})

	server := &http.Server{Addr: *addr, Handler: r}

	go func() {
		log.Printf("🚀 Server starting on %s", *addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	// 7. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	hub.Shutdown()
	log.Println("✅ Shutdown complete")
}
