// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Pulse RESET and re-run the post-reset bring-up handshake",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger()
		if err != nil {
			return err
		}

		t, _, err := openTransport(log)
		if err != nil {
			return err
		}
		defer t.Close()

		if err := t.ResetSlave(); err != nil {
			return fmt.Errorf("reset_slave: %w", err)
		}
		fmt.Println("reset complete")
		return nil
	},
}
