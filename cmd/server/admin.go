package main

import (
	"context"
	"errors"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"backoffice-backend/internal/auth"
	"backoffice-backend/internal/models"
	"backoffice-backend/internal/storage"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Manage back-office operators",
}

var (
	adminEmail    string
	adminPassword string
)

var adminCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an operator or promote an existing user",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := bootstrap()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		hash, err := auth.HashPassword(adminPassword)
		if err != nil {
			return err
		}

		db, err := connectDB(cfg.DB, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		store := storage.NewStorage(db, logger)
		ctx := context.Background()
		email := strings.ToLower(strings.TrimSpace(adminEmail))

		user, err := store.GetUserByEmail(ctx, email)
		switch {
		case errors.Is(err, storage.ErrUserNotFound):
			user = &models.User{Email: email}
			if err := store.CreateUser(ctx, user); err != nil {
				return err
			}
		case err != nil:
			return err
		}

		if err := store.SetUserPassword(ctx, user.ID, hash, true); err != nil {
			return err
		}
		logger.Info("operator ready", zap.String("user_id", user.ID), zap.String("email", email))
		return nil
	},
}

func init() {
	adminCreateCmd.Flags().StringVar(&adminEmail, "email", "", "operator email")
	adminCreateCmd.Flags().StringVar(&adminPassword, "password", "", "operator password (min 8 characters)")
	_ = adminCreateCmd.MarkFlagRequired("email")
	_ = adminCreateCmd.MarkFlagRequired("password")
	adminCmd.AddCommand(adminCreateCmd)
}
