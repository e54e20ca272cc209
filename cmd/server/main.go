// @title Back-office API
// @version 1.0
// @description Admin API for users, organizations and memberships, kept in sync with Clerk.
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"backoffice-backend/internal/config"
	"backoffice-backend/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:           "backoffice",
	Short:         "Multi-tenant admin back-office",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, adminCmd, smokeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// bootstrap loads configuration and builds the process logger.
func bootstrap() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format, cfg.Env)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

// connectDB opens the database, retrying while Postgres starts up.
func connectDB(cfg config.DBConfig, log *zap.Logger) (*sqlx.DB, error) {
	var db *sqlx.DB
	var err error
	for i := 0; i < 10; i++ {
		db, err = sqlx.Connect("postgres", cfg.DSN)
		if err == nil {
			break
		}
		log.Warn("database connection attempt failed", zap.Int("attempt", i+1), zap.Error(err))
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)
	log.Info("connected to database")
	return db, nil
}
