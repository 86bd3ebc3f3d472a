package main

import (
	"context"
	"fmt"

	"github.com/modelrelay/relay/pkg/config"
	"github.com/modelrelay/relay/pkg/config/provider"
	"github.com/modelrelay/relay/pkg/expander"
)

// ValidateCmd validates a configuration file without starting the server.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Printf("warning: failed to load .env file: %v\n", err)
	}

	src, err := provider.New(provider.Options{Path: cli.Config})
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	loader := config.NewLoader(src)
	cfg, err := loader.Load(context.Background())
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	result, err := expander.Expand(cfg.Providers, cfg.Routing.Categories)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	fmt.Printf("✓ %s is valid\n", cli.Config)
	fmt.Printf("  Providers:  %d\n", len(cfg.Providers))
	fmt.Printf("  Workers:    %d\n", len(result.Workers))
	fmt.Printf("  Categories: %d\n", len(result.Categories))
	for category, workerIDs := range result.Categories {
		fmt.Printf("    %-12s %d workers\n", category, len(workerIDs))
	}
	return nil
}
