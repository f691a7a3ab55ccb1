package database

import (
	"fmt"
	"log"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/tiendabot/tiendabot-backend/internal/config"
)

// Connect opens the PostgreSQL connection. On Cloud Run it goes through the
// Cloud SQL unix socket; locally over TCP.
func Connect(cfg *config.Config) (*gorm.DB, error) {
	var dsn string
	if cfg.InstanceConnectionName != "" {
		dsn = fmt.Sprintf("host=/cloudsql/%s user=%s password=%s dbname=%s sslmode=disable",
			cfg.InstanceConnectionName, cfg.DBUser, cfg.DBPass, cfg.DBName)
		log.Printf("Connecting to Cloud SQL via socket: %s", cfg.InstanceConnectionName)
	} else {
		dsn = fmt.Sprintf("host=localhost user=%s password=%s dbname=%s port=5432 sslmode=disable",
			cfg.DBUser, cfg.DBPass, cfg.DBName)
		log.Println("Connecting to local PostgreSQL")
	}

	// TranslateError surfaces unique-index violations as
	// gorm.ErrDuplicatedKey, which the session store relies on.
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	log.Println("✅ Database connected successfully!")
	return db, nil
}
