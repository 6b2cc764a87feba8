package main

import (
	"context"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/cors"

	"github.com/poofware/wallet-service/internal/app"
	"github.com/poofware/wallet-service/internal/config"
	"github.com/poofware/wallet-service/internal/controllers"
	"github.com/poofware/wallet-service/internal/middleware"
	"github.com/poofware/wallet-service/internal/services"
	"github.com/poofware/wallet-service/internal/utils"
)

const dispatchJobTimeout = 10 * time.Minute

func main() {
	utils.InitLogger(config.AppName)
	cfg := config.LoadConfig()
	defer cfg.Close()

	application, err := app.NewApp(cfg)
	if err != nil {
		utils.Logger.Fatal("Failed to initialize wallet-service:", err)
	}
	defer application.Close()

	passTypes := []string{cfg.PassTypeIdentifier}

	// Services
	walletService := services.NewWalletService(
		application.Store,
		application.Gate,
		application.Oracle,
		passTypes,
		cfg.LDFlag_ConditionalPassFetch,
		application.Metrics,
	)
	adminService := services.NewAdminService(
		application.Oracle,
		application.Store,
		application.Dispatcher,
		passTypes,
		cfg.LDFlag_PushOnPassUpdate,
	)

	// Seed passes
	seed := app.DefaultSeed()
	if cfg.PassSeedFile != "" {
		if seed, err = app.LoadSeedFile(cfg.PassSeedFile); err != nil {
			utils.Logger.WithError(err).Fatal("Failed to load pass seed file")
		}
	}
	if _, err := app.SeedPasses(context.Background(), adminService, seed); err != nil {
		utils.Logger.WithError(err).Fatal("Failed to seed passes")
	}

	// Controllers
	router := app.NewRouter(app.RouterDeps{
		PathPrefix: cfg.WebServicePathPrefix,
		ForceHTTPS: cfg.LDFlag_ForceHTTPS,
		Wallet:     controllers.NewWalletController(walletService),
		Admin:      controllers.NewAdminController(adminService),
		Health:     controllers.NewHealthController(application, application.Store, application.Oracle),
		AdminKey:   cfg.RSAPublicKey,
		Registry:   application.Registry,
	})

	// Cron job setup
	if cfg.DispatchSchedule != "" {
		c := cron.New(cron.WithLocation(time.UTC))
		_, err = c.AddFunc(cfg.DispatchSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), dispatchJobTimeout)
			defer cancel()
			utils.Logger.Info("Starting scheduled update dispatch...")
			if _, err := application.Dispatcher.Run(ctx); err != nil {
				utils.Logger.WithError(err).Error("Scheduled update dispatch failed")
			}
		})
		if err != nil {
			utils.Logger.WithError(err).Fatal("Failed to schedule update dispatch cron")
		}
		c.Start()
		defer c.Stop()
		utils.Logger.Infof("Scheduled update dispatch: %s", cfg.DispatchSchedule)
	}

	var allowedOrigins []string
	if cfg.AppUrl != "" {
		allowedOrigins = append(allowedOrigins, cfg.AppUrl)
	}
	co := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "If-Modified-Since", middleware.RequestIDHeader},
		ExposedHeaders:   []string{"Last-Modified", "ETag", middleware.RequestIDHeader},
		AllowCredentials: true,
	})

	utils.Logger.Infof("Starting %s on port: %s (web service at %s)", cfg.AppName, cfg.AppPort, cfg.WebServiceURL)
	if err := http.ListenAndServe(":"+cfg.AppPort, co.Handler(middleware.Gzip(router))); err != nil {
		utils.Logger.Fatal("wallet-service failed to start:", err)
	}
}
