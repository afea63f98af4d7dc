// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/unclebandit/marketplace-automation/internal/config"
	"github.com/unclebandit/marketplace-automation/internal/controller"
	"github.com/unclebandit/marketplace-automation/internal/db"
	"github.com/unclebandit/marketplace-automation/internal/handler"
	"github.com/unclebandit/marketplace-automation/internal/logger"
	"github.com/unclebandit/marketplace-automation/internal/metrics"
	"github.com/unclebandit/marketplace-automation/internal/queue"
	"github.com/unclebandit/marketplace-automation/internal/repository"
	"github.com/unclebandit/marketplace-automation/internal/service"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to the YAML config file")
	migrate := flag.Bool("migrate", false, "apply pending migrations before serving")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("server: " + err.Error() + "\n")
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		os.Stderr.WriteString("server: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *migrate {
		if err := db.MigrateUp(cfg.Database.URL, log); err != nil {
			log.Fatal("migrate", zap.Error(err))
		}
	}
	conn, err := db.Open(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("database", zap.Error(err))
	}
	defer conn.Close()

	checks := map[string]handler.Check{"database": conn.PingContext}
	// the in-memory broker lives inside the worker process, nothing to probe
	if cfg.Queue.Driver != "memory" {
		broker, err := queue.Open(cfg.Queue, conn, log.Named("broker"))
		if err != nil {
			log.Fatal("broker", zap.Error(err))
		}
		defer broker.Close()
		checks["broker"] = broker.Health
	}

	accountRepo := &repository.AccountRepository{DB: conn}
	orderRepo := &repository.OrderRepository{DB: conn}
	campaignRepo := &repository.CampaignRepository{DB: conn}
	templateRepo := &repository.TemplateRepository{DB: conn}

	campaignService := &service.CampaignService{
		CampaignRepo: campaignRepo,
		TemplateRepo: templateRepo,
		OrderRepo:    orderRepo,
		AccountRepo:  accountRepo,
		Matcher: &service.Matcher{
			Accounts:  accountRepo,
			Orders:    orderRepo,
			Events:    &repository.EventRepository{DB: conn},
			Campaigns: campaignRepo,
			Templates: templateRepo,
			Queue:     &repository.EmailQueueRepository{DB: conn},
			Config:    cfg.Matcher,
			Log:       log.Named("matcher"),
		},
		Log: log.Named("campaigns"),
	}
	campaignController := &controller.CampaignController{
		CampaignService: campaignService,
		Log:             log.Named("http"),
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler.NewRouter(campaignController, &handler.HealthHandler{Checks: checks}, log.Named("http")),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
	}()

	log.Info("server running", zap.String("addr", cfg.HTTP.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("http server", zap.Error(err))
	}
	log.Info("server stopped")
}
