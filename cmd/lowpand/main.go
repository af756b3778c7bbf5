// lowpand is the 6LoWPAN neighbor discovery and IPv6 forwarding daemon.
//
// It runs host, router or border router neighbor discovery on each
// configured interface and forwards IPv6 between them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/psaab/lowpand/pkg/config"
	"github.com/psaab/lowpand/pkg/daemon"
	"github.com/psaab/lowpand/pkg/logging"
)

func main() {
	configFile := flag.String("config", "/etc/lowpand/lowpand.yaml", "configuration file path")
	logLevel := flag.String("log-level", "", "override the configured log level (debug, info, warn, error)")
	check := flag.Bool("check", false, "validate the configuration and exit")
	flag.Parse()

	if *check {
		if _, err := config.Load(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "lowpand: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("configuration OK")
		return
	}

	// Set up structured logging
	var level slog.LevelVar
	if *logLevel != "" {
		lvl, err := config.ParseLevel(*logLevel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "lowpand: %v\n", err)
			os.Exit(2)
		}
		level.Set(lvl)
	}
	handler := logging.New(os.Stderr, &level)
	slog.SetDefault(slog.New(handler))

	d := daemon.New(daemon.Options{
		ConfigFile: *configFile,
		LogLevel:   *logLevel,
		Log:        handler,
	})
	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "lowpand: %v\n", err)
		os.Exit(1)
	}
}
