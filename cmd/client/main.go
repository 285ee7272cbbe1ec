package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"golang.org/x/term"
)

const (
	exitSuccess   = 0
	exitFailure   = 1
	exitUsage     = 2
	exitInterrupt = 130
)

const defaultServerURL = "http://localhost:8080"

// Run is the entry point of `latbench client`.
func Run(args []string, version string) int {
	flagConfig, flagsSet, exitCode, err := parseFlags(args, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "latbench client: %v\n", err)
		return exitUsage
	}
	if flagConfig == nil {
		return exitCode
	}

	configFile, err := loadConfigFile()
	if err != nil {
		fmt.Fprintf(os.Stderr, "latbench client: warning: failed to load config file: %v\n", err)
	}

	config := mergeConfig(flagConfig, configFile, flagsSet)
	if err := validateConfig(config); err != nil {
		fmt.Fprintf(os.Stderr, "latbench client: error: %v\n", err)
		return exitUsage
	}

	if !config.JSON && !config.Plain && !term.IsTerminal(int(os.Stdout.Fd())) {
		config.Plain = true
	}
	if config.NoColor {
		color.NoColor = true
	}
	formatter := createFormatter(config, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := runBenchmark(ctx, config, formatter)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "latbench client: interrupted")
			return exitInterrupt
		}
		formatter.FormatError(err)
		return exitFailure
	}
	formatter.FormatComplete(report)
	return exitSuccess
}
