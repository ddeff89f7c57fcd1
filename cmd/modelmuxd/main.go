// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package main runs the modelmux routing daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jeranaias/modelmux/internal/config"
	"github.com/jeranaias/modelmux/internal/orchestrator"
	"github.com/jeranaias/modelmux/internal/prober"
	"github.com/jeranaias/modelmux/internal/provider"
	"github.com/jeranaias/modelmux/internal/registry"
	"github.com/jeranaias/modelmux/internal/scorer"
	"github.com/jeranaias/modelmux/internal/secrets"
	"github.com/jeranaias/modelmux/internal/server"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "path to config.toml (defaults apply when missing)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("modelmuxd v%s\n", version)
		return
	}

	if err := run(*configPath); err != nil {
		log.Fatalf("FATAL: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	store, err := registry.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	defer store.Close()

	salt, err := loadOrCreateSalt(cfg.Security.SaltPath)
	if err != nil {
		return err
	}
	box, err := secrets.NewBox(cfg.Security.MasterKey, salt)
	if err != nil {
		return fmt.Errorf("failed to initialize credential encryption: %w", err)
	}

	factory := provider.NewFactory(cfg.AdapterTimeout())
	sc := scorer.New(store, box, factory, cfg.Routing.LocalProvider, scorer.Weights{
		Base:           cfg.Scoring.BaseScore,
		Health:         cfg.Scoring.HealthWeight,
		Priority:       cfg.Scoring.PriorityWeight,
		MaxCostPenalty: cfg.Scoring.MaxCostPenalty,
		MaxPerfBonus:   cfg.Scoring.MaxPerfBonus,
	})
	svc := orchestrator.New(sc, store, orchestrator.Config{
		MaxEscalations: cfg.Routing.MaxEscalations,
		VerifierModel:  cfg.Judges.VerifierModel,
		ScoringModel:   cfg.Judges.ScoringModel,
	})

	p := prober.New(store, sc, cfg.ProbeInterval(), cfg.ProbeTimeout())
	p.Start()
	defer p.Stop()

	// Scoring weights reload on config file change without a restart.
	if configPath != "" {
		stop, err := config.Watch(configPath, func(next *config.Config) {
			sc.SetWeights(scorer.Weights{
				Base:           next.Scoring.BaseScore,
				Health:         next.Scoring.HealthWeight,
				Priority:       next.Scoring.PriorityWeight,
				MaxCostPenalty: next.Scoring.MaxCostPenalty,
				MaxPerfBonus:   next.Scoring.MaxPerfBonus,
			})
		}, func(err error) {
			log.Printf("CONFIG: reload failed err=%v", err)
		})
		if err != nil {
			log.Printf("CONFIG: watch unavailable err=%v", err)
		} else {
			defer stop()
		}
	}

	srv := server.New(svc, store, server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		RequestTimeout:  cfg.RequestTimeout(),
		MaxRequestBytes: cfg.Server.MaxRequestBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Printf("SERVER: received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// loadOrCreateSalt reads the key-derivation salt, generating one on first
// run. The salt is not secret but must stay stable; losing it makes every
// sealed credential unreadable.
func loadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != secrets.SaltSize {
			return nil, fmt.Errorf("salt file %s has wrong size %d", path, len(salt))
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read salt file: %w", err)
	}

	salt, err = secrets.GenerateSalt()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create salt directory: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write salt file: %w", err)
	}
	log.Printf("SECURITY: generated new master salt at %s", path)
	return salt, nil
}
