package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/forgectl/internal/api"
	"github.com/danmuck/forgectl/internal/core"
	"github.com/danmuck/forgectl/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml (optional)")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "forgectl: %v\n", err)
		os.Exit(1)
	}

	c, err := core.Bootstrap(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "forgectl: %v\n", err)
		os.Exit(1)
	}

	if err := c.Run(api.New(c).Handler()); err != nil {
		fmt.Fprintf(os.Stderr, "forgectl: %v\n", err)
		os.Exit(1)
	}
}
