// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Command npi-gateway is a CLI front end for the NPI SPI transport: it
// loads an INI-shaped configuration file, opens the transport against
// real hardware via periph.io, and either runs as a long-lived gateway
// dispatching slave-initiated frames to its log, or performs a single
// send/reset operation and exits.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "npi-gateway",
	Short: "NPI SPI transport gateway",
	Long: `npi-gateway drives a tethered network processor over the NPI SPI
transport: the MRDY/SRDY handshake protocol coordinating a SPI bus.

Use "run" to bring the transport up and stay attached, logging every
slave-initiated frame; use "send" for a one-shot SREQ/AREQ; use "reset"
to pulse RESET and re-run the bring-up handshake.`,
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "npi.ini", "path to the transport configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd, sendCmd, resetCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "npi-gateway: %s\n", err)
		os.Exit(1)
	}
}

func newLogger() (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	log := logrus.New()
	log.SetLevel(lvl)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log, nil
}
