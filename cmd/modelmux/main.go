// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package main is the modelmux admin CLI.
//
// It talks to the registry database directly, so provider credentials can be
// seeded and routing decisions inspected without the daemon running.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeranaias/modelmux/internal/config"
	"github.com/jeranaias/modelmux/internal/model"
	"github.com/jeranaias/modelmux/internal/provider"
	"github.com/jeranaias/modelmux/internal/registry"
	"github.com/jeranaias/modelmux/internal/scorer"
	"github.com/jeranaias/modelmux/internal/secrets"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "seed":
		err = runSeed(os.Args[2:])
	case "providers":
		err = runProviders(os.Args[2:])
	case "route":
		err = runRoute(os.Args[2:])
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`modelmux - admin CLI for the modelmux routing daemon

Usage: modelmux <command> [flags]

Commands:
  seed       Register providers from a YAML catalog (API keys are encrypted)
  providers  List registered providers
  route      Print the routing decision for a query without generating

Common flags:
  -config    Path to config.toml (defaults apply when missing)`)
}

// openDeps loads config and opens the store plus the credential box.
func openDeps(configPath string) (*config.Config, *registry.Store, *secrets.Box, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}

	store, err := registry.Open(cfg.Database.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open registry: %w", err)
	}

	salt, err := os.ReadFile(cfg.Security.SaltPath)
	if err != nil {
		store.Close()
		return nil, nil, nil, fmt.Errorf("failed to read salt file (run modelmuxd once to create it): %w", err)
	}
	box, err := secrets.NewBox(cfg.Security.MasterKey, salt)
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	return cfg, store, box, nil
}

// =============================================================================
// SEED
// =============================================================================

// seedEntry is one provider in the YAML catalog.
type seedEntry struct {
	Name         string   `yaml:"name"`
	DisplayName  string   `yaml:"display_name"`
	BaseURL      string   `yaml:"base_url"`
	APIKey       string   `yaml:"api_key"`
	Capabilities []string `yaml:"capabilities"`
	Models       []string `yaml:"models"`
	RateLimitRPM int      `yaml:"rate_limit_rpm"`
	CostPerToken float64  `yaml:"cost_per_token"`
	Priority     int      `yaml:"priority"`
	Inactive     bool     `yaml:"inactive"`
}

type seedCatalog struct {
	Providers []seedEntry `yaml:"providers"`
}

func runSeed(args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml")
	catalogPath := fs.String("file", "providers.yaml", "path to the provider catalog")
	fs.Parse(args)

	raw, err := os.ReadFile(*catalogPath)
	if err != nil {
		return fmt.Errorf("failed to read catalog: %w", err)
	}
	var catalog seedCatalog
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return fmt.Errorf("failed to parse catalog: %w", err)
	}
	if len(catalog.Providers) == 0 {
		return fmt.Errorf("catalog %s has no providers", *catalogPath)
	}

	_, store, box, err := openDeps(*configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	for _, entry := range catalog.Providers {
		if entry.Name == "" {
			return fmt.Errorf("catalog entry without a name")
		}
		sealed, err := box.Seal(entry.APIKey)
		if err != nil {
			return fmt.Errorf("failed to encrypt key for %s: %w", entry.Name, err)
		}

		display := entry.DisplayName
		if display == "" {
			display = entry.Name
		}
		p, err := store.UpsertProvider(ctx, &registry.Provider{
			Name:            entry.Name,
			DisplayName:     display,
			BaseURL:         entry.BaseURL,
			APIKeyEncrypted: sealed,
			IsActive:        !entry.Inactive,
			Capabilities:    entry.Capabilities,
			Models:          entry.Models,
			RateLimitRPM:    entry.RateLimitRPM,
			CostPerToken:    entry.CostPerToken,
			Priority:        entry.Priority,
		})
		if err != nil {
			return fmt.Errorf("failed to register %s: %w", entry.Name, err)
		}
		fmt.Printf("registered %s (id=%d, active=%t)\n", p.Name, p.ID, p.IsActive)
	}
	return nil
}

// =============================================================================
// PROVIDERS
// =============================================================================

func runProviders(args []string) error {
	fs := flag.NewFlagSet("providers", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml")
	fs.Parse(args)

	_, store, _, err := openDeps(*configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	providers, err := store.ListProviders(context.Background())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tACTIVE\tPRIORITY\tRPM\tCOST/TOK\tBASE URL")
	for _, p := range providers {
		fmt.Fprintf(w, "%d\t%s\t%t\t%d\t%d\t%.6f\t%s\n",
			p.ID, p.Name, p.IsActive, p.Priority, p.RateLimitRPM, p.CostPerToken, p.BaseURL)
	}
	return w.Flush()
}

// =============================================================================
// ROUTE
// =============================================================================

func runRoute(args []string) error {
	fs := flag.NewFlagSet("route", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml")
	capability := fs.String("capability", "chat", "requested capability")
	query := fs.String("query", "", "query text for intent classification")
	fs.Parse(args)

	if *query == "" {
		return fmt.Errorf("-query is required")
	}

	cfg, store, box, err := openDeps(*configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	sc := scorer.New(store, box, provider.NewFactory(cfg.AdapterTimeout()), cfg.Routing.LocalProvider, scorer.Weights{
		Base:           cfg.Scoring.BaseScore,
		Health:         cfg.Scoring.HealthWeight,
		Priority:       cfg.Scoring.PriorityWeight,
		MaxCostPenalty: cfg.Scoring.MaxCostPenalty,
		MaxPerfBonus:   cfg.Scoring.MaxPerfBonus,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	decision, err := sc.RouteRequest(ctx, *capability, &scorer.Requirements{
		Messages: []model.Message{model.NewUserMessage(*query)},
	})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(decision, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
