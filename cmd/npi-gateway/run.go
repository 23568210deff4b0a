// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Open the transport and stay attached, logging slave-initiated frames",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger()
		if err != nil {
			return err
		}

		t, cfg, err := openTransport(log)
		if err != nil {
			return err
		}
		defer t.Close()
		log.WithField("devPath", cfg.DevPath).Info("transport open, waiting for slave traffic")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Info("shutting down")
		return t.Close()
	},
}
