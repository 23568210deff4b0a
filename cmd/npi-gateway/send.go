// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tve/npi/frame"
)

var (
	sendSync    bool
	sendSubsys  uint8
	sendCmdByte uint8
	sendPayload string
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a single SREQ or AREQ frame and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger()
		if err != nil {
			return err
		}
		payload, err := hex.DecodeString(sendPayload)
		if err != nil {
			return fmt.Errorf("--payload: %w", err)
		}

		t, _, err := openTransport(log)
		if err != nil {
			return err
		}
		defer t.Close()

		if sendSync {
			req, err := frame.New(frame.TypeSREQ, sendSubsys, sendCmdByte, payload)
			if err != nil {
				return err
			}
			resp, err := t.SendSync(req)
			if err != nil {
				return fmt.Errorf("send_sync: %w", err)
			}
			fmt.Println(resp.String())
			return nil
		}

		req, err := frame.New(frame.TypeAREQ, sendSubsys, sendCmdByte, payload)
		if err != nil {
			return err
		}
		if err := t.SendAsync(req); err != nil {
			return fmt.Errorf("send_async: %w", err)
		}
		fmt.Println("sent")
		return nil
	},
}

func init() {
	sendCmd.Flags().BoolVar(&sendSync, "sync", true, "send a SREQ and wait for the SRSP (false sends an AREQ)")
	sendCmd.Flags().Uint8Var(&sendSubsys, "subsys", 1, "subsystem ID (low 5 bits)")
	sendCmd.Flags().Uint8Var(&sendCmdByte, "cmd", 0, "command byte")
	sendCmd.Flags().StringVar(&sendPayload, "payload", "", "payload as a hex string")
}
