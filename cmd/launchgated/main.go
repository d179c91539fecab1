package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	api "github.com/courseloop/courseloop/internal/api/http"
	"github.com/courseloop/courseloop/internal/config"
	"github.com/courseloop/courseloop/internal/db"
	"github.com/courseloop/courseloop/internal/lti/engine"
	"github.com/courseloop/courseloop/internal/lti/keyset"
	"github.com/courseloop/courseloop/internal/lti/launchstate"
	"github.com/courseloop/courseloop/internal/lti/toolkeys"
	"github.com/courseloop/courseloop/internal/lti/trust"
)

func main() {
	cfg := config.FromEnv()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	cancel()
	if err != nil {
		log.WithError(err).Fatal("db open failed")
	}
	defer dbh.Close()

	auditor := trust.MultiAuditor{
		trust.LogAuditor{Log: log},
		trust.SQLAuditor{DB: dbh, Log: log},
	}
	registry := trust.NewSQLRegistry(dbh, auditor)
	launches := launchstate.NewSQLStore(dbh)

	keys := keyset.New(
		keyset.WithTTL(cfg.JWKSCacheTTL),
		keyset.WithHTTPClient(&http.Client{Timeout: cfg.JWKSFetchTimeout}),
		keyset.WithLogger(log),
	)
	defer keys.Close()

	toolKeys := &toolkeys.Manager{Storage: toolkeys.NewMemStorage()}

	eng := &engine.Engine{
		Trust:       registry,
		Keys:        keys,
		Launches:    launches,
		RedirectURI: cfg.ToolRedirectURI,
		LaunchTTL:   cfg.LaunchTTL,
		Auditor:     auditor,
		Log:         log,
	}

	sweeper := &launchstate.Sweeper{
		Store:     launches,
		Interval:  cfg.SweepInterval,
		Retention: cfg.LaunchRetention,
		Log:       log,
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go sweeper.Run(runCtx)

	router := api.NewRouter(api.Deps{
		Engine:      eng,
		Registry:    registry,
		ToolKeys:    toolKeys,
		CORSOrigins: cfg.CORSOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithFields(logrus.Fields{
		"addr":   cfg.HTTPAddr,
		"driver": cfg.DBDriver,
	}).Info("launchgated listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("http server failed")
	}
}
