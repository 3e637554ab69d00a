package main

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/kasyan/stocksim/internal/api"
	"github.com/kasyan/stocksim/internal/auth"
	"github.com/kasyan/stocksim/internal/config"
	"github.com/kasyan/stocksim/internal/db"
	"github.com/kasyan/stocksim/internal/drift"
	"github.com/kasyan/stocksim/internal/market"
	"github.com/kasyan/stocksim/internal/portfolio"
	"github.com/kasyan/stocksim/internal/trading"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

var (
	clients   = make(map[*wsClient]bool)
	clientsMu sync.Mutex
)

// broadcastQuotes pushes the current instrument list to every
// connected websocket client.
func broadcastQuotes(ctx context.Context, database *db.DB) {
	instruments, err := database.ListInstruments(ctx)
	if err != nil {
		log.Printf("Failed to load instruments for quote feed: %v", err)
		return
	}
	data, err := json.Marshal(map[string]interface{}{"instruments": instruments})
	if err != nil {
		log.Printf("Failed to marshal quotes: %v", err)
		return
	}

	clientsMu.Lock()
	for client := range clients {
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()
		if err != nil {
			log.Printf("Failed to send quotes: %v", err)
			client.conn.Close()
			delete(clients, client)
		}
	}
	clientsMu.Unlock()
}

func handleQuoteFeed(database *db.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("Failed to upgrade connection: %v", err)
			return
		}

		client := &wsClient{conn: conn}
		clientsMu.Lock()
		clients[client] = true
		clientsMu.Unlock()

		// Send an initial snapshot
		broadcastQuotes(r.Context(), database)

		// Keep connection alive and handle disconnection
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				clientsMu.Lock()
				delete(clients, client)
				clientsMu.Unlock()
				break
			}
		}
	}
}

// Main entry point: sets up database, market core, and HTTP server
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}
	cfg := config.Load()

	ctx := context.Background()

	loc, err := time.LoadLocation(cfg.Market.Timezone)
	if err != nil {
		log.Fatalf("Invalid market timezone %q: %v", cfg.Market.Timezone, err)
	}

	// Initialize database connection
	database, err := db.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(ctx)

	if err := database.RunMigrations(ctx); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	// Core services
	clock := market.NewClock(loc)
	session := market.NewEvaluator(database, clock)
	engine := trading.NewEngine(database, session, clock)
	holdings := portfolio.NewService(database)
	authService := auth.NewAuthService(database, cfg.Auth.JWTSecret)

	// Background price drift
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	drifter := drift.NewProcess(database, rng, cfg.Market.DriftMaxSwing, cfg.Market.DriftSeconds)
	if err := drifter.Start(); err != nil {
		log.Fatalf("Failed to start price drift: %v", err)
	}

	// HTTP surface
	handler := api.NewHandler(database, authService, engine, holdings, session)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/ws", handleQuoteFeed(database))
	r.Mount("/", handler.Routes())

	// Periodic quote broadcast for websocket clients
	feedCtx, stopFeed := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-feedCtx.Done():
				return
			case <-ticker.C:
				broadcastQuotes(feedCtx, database)
			}
		}
	}()

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s (market zone %s)", cfg.Server.Port, cfg.Market.Timezone)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	stopFeed()
	<-drifter.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Server exited")
}
