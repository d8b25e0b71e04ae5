package main

import (
	"context"
	"log"
	"os"

	"github.com/dmitrijs2005/crosspost/internal/app"
	"github.com/dmitrijs2005/crosspost/internal/buildinfo"
	"github.com/dmitrijs2005/crosspost/internal/config"
	"github.com/dmitrijs2005/crosspost/internal/logging"
)

func main() {

	buildinfo.PrintBuildData(os.Stdout)

	ctx := context.Background()
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("%v", err)
	}

	logger := logging.New(os.Stdout, cfg.LogFormat, cfg.LogLevel)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("%v", err)
	}

	err = a.Run(ctx)
	a.Close()
	if err != nil {
		logger.Error(ctx, "daemon stopped", "error", err)
		os.Exit(1)
	}

}
