package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/iwvelando/opm-valuation/internal/config"
	"github.com/iwvelando/opm-valuation/internal/logging"
	"github.com/iwvelando/opm-valuation/internal/trace"
	"github.com/iwvelando/opm-valuation/internal/valuation"
	"github.com/iwvelando/opm-valuation/pkg/constants"
	"github.com/iwvelando/opm-valuation/pkg/output"
	"github.com/iwvelando/opm-valuation/pkg/validation"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Process command line flags first to get config location
	configLocation := flag.String("config", constants.DefaultConfigFile, "path to valuation file")
	outputFormatFlag := flag.String("output-format", "", "type of output override: pretty, json, yaml")
	logLevel := flag.String("log-level", "", "log level override (debug, info, warn, error)")
	flag.Parse()

	conf, err := config.LoadConfiguration(*configLocation)
	if err != nil {
		fmt.Fprintf(os.Stderr, "{\"op\": \"main\", \"level\": \"fatal\", \"msg\": \"failed to load configuration at %s\", \"error\": %q}\n", *configLocation, err.Error())
		return 1
	}

	logger, err := logging.New(conf.Logging, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "{\"op\": \"main\", \"level\": \"fatal\", \"msg\": \"failed to initialize logger\", \"error\": %q}\n", err.Error())
		return 1
	}
	defer func() {
		_ = logger.Sync()
	}()

	// CLI override takes precedence over config
	outputFormat := conf.Output.Format
	if *outputFormatFlag != "" {
		outputFormat = *outputFormatFlag
	}
	if outputFormat == "" {
		outputFormat = constants.OutputFormatPretty
	}
	if err := validation.ValidateOutputFormat(outputFormat); err != nil {
		logger.Error(err.Error(), zap.String("op", "main"))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := valuation.Run(ctx, trace.NewZap(logger.With(zap.String("op", "valuation.Run"))), conf)
	if err != nil {
		logger.Error("failed to compute valuation",
			zap.String("op", "main"),
			zap.String("mode", conf.Mode),
			zap.Error(err),
		)
		return 1
	}

	if err := output.Write(os.Stdout, outputFormat, report); err != nil {
		logger.Error("failed to write report", zap.String("op", "main"), zap.Error(err))
		return 1
	}
	if !report.Succeeded() {
		return 2
	}
	return 0
}
