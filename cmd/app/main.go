package main

import (
	"flag"
	"log"
	"os"

	"IBLink/internal/di"
	"IBLink/pkg/config"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "config file path")
	flag.Parse()

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	log.Printf("env=%s terminal=%s mode=%s client_id=%d",
		cfg.Environment, cfg.TerminalAddr(), cfg.Terminal.Mode, cfg.Terminal.ClientID)

	app, err := di.InitializeApp(cfg)
	if err != nil {
		log.Fatalf("app initialization failed: %v", err)
	}

	if err := app.Run(); err != nil {
		log.Printf("app error: %v", err)
		os.Exit(1)
	}
}
