package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"

	"predictpool/internal/api"
	"predictpool/internal/config"
	"predictpool/internal/db"
	"predictpool/internal/engine"
	"predictpool/internal/notify"
	"predictpool/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	setupLogging(cfg.Log)
	log := logrus.WithField("component", "main")

	store, err := db.Open(cfg.Storage.Path)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer store.Close()
	log.WithField("path", cfg.Storage.Path).Info("database ready")

	hub := ws.NewHub()
	notifier := notify.NewDiscord(cfg.Discord.WebhookURL)
	eng := engine.New(store, hub.Publish, notifier, cfg.Game.StartingBalance)

	key, created, err := eng.Bootstrap(context.Background())
	if err != nil {
		log.WithError(err).Fatal("bootstrap")
	}
	if created {
		// Printed once, never stored in plain sight again.
		fmt.Fprintf(os.Stderr, "\n========================================\n")
		fmt.Fprintf(os.Stderr, "  Admin wallet key: %s\n", key)
		fmt.Fprintf(os.Stderr, "  Save it now. It will not be shown again.\n")
		fmt.Fprintf(os.Stderr, "========================================\n\n")
	}

	srv := api.NewServer(eng, hub, cfg.Server.RateLimit, cfg.Server.RateBurst)

	log.WithField("addr", cfg.Server.Addr).Info("listening")
	if err := http.ListenAndServe(cfg.Server.Addr, srv.Router()); err != nil {
		log.WithError(err).Fatal("server")
	}
}

func setupLogging(lc config.LogConfig) {
	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if lc.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
