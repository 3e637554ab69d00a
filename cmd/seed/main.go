package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"

	"github.com/kasyan/stocksim/internal/config"
	"github.com/kasyan/stocksim/internal/db"
	"github.com/kasyan/stocksim/internal/models"
)

// Seed the database with an admin user, a starter instrument
// catalogue, and a Mon-Fri trading schedule.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}
	cfg := config.Load()
	ctx := context.Background()

	database, err := db.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(ctx)

	if err := database.RunMigrations(ctx); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	// Skip if already seeded
	instruments, err := database.ListInstruments(ctx)
	if err != nil {
		log.Fatalf("Failed to check instruments: %v", err)
	}
	if len(instruments) > 0 {
		fmt.Printf("Database already has %d instruments. No need to seed.\n", len(instruments))
		os.Exit(0)
	}

	seedUsers(ctx, database)
	seedInstruments(ctx, database)
	seedSchedule(ctx, database)

	fmt.Println("Successfully seeded the database!")
}

func seedUsers(ctx context.Context, database *db.DB) {
	users := []struct {
		username, email, first, last, password, role string
	}{
		{"admin", "admin@stocksim.local", "Site", "Admin", "admin123", models.RoleAdmin},
		{"trader1", "trader1@stocksim.local", "Terry", "Trader", "trader123", models.RoleUser},
	}

	for _, u := range users {
		if _, err := database.GetUserByUsername(ctx, u.username); err == nil {
			continue
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("Failed to hash password: %v", err)
		}
		user, err := database.CreateUser(ctx, u.username, u.email, u.first, u.last, string(hash))
		if err != nil {
			log.Fatalf("Failed to create user %s: %v", u.username, err)
		}
		if u.role == models.RoleAdmin {
			_, err = database.Pool.Exec(ctx, "UPDATE users SET role = 'admin' WHERE id = $1", user.ID)
			if err != nil {
				log.Fatalf("Failed to promote admin: %v", err)
			}
		}
	}
}

func seedInstruments(ctx context.Context, database *db.DB) {
	instruments := []struct {
		symbol, name string
		price        float64
		available    int64
	}{
		{"AAPL", "Apple Inc.", 150.00, 10000},
		{"GOOG", "Alphabet Inc.", 2800.00, 5000},
		{"MSFT", "Microsoft Corporation", 300.00, 10000},
		{"AMZN", "Amazon.com Inc.", 3400.00, 3000},
		{"TSLA", "Tesla Inc.", 700.00, 8000},
	}

	for _, in := range instruments {
		if _, err := database.CreateInstrument(ctx, in.symbol, in.name, in.price, in.available); err != nil {
			log.Fatalf("Failed to create instrument %s: %v", in.symbol, err)
		}
	}
}

func seedSchedule(ctx context.Context, database *db.DB) {
	open, close := 9*60+30, 16*60 // 09:30-16:00
	for weekday := 0; weekday <= 6; weekday++ {
		entry := models.ScheduleEntry{Weekday: weekday, Hours: models.Hours{OpenMinute: open, CloseMinute: close}}
		if weekday >= 5 {
			// Weekend: closed sentinel
			entry.Hours = models.Hours{}
		}
		if err := database.UpsertScheduleEntry(ctx, entry); err != nil {
			log.Fatalf("Failed to seed schedule for weekday %d: %v", weekday, err)
		}
	}
}
