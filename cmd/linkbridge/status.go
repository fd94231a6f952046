package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"linkbridge/internal/controlapi"
)

// statusCmd is a thin client of a running "linkbridge serve" daemon,
// mirroring _examples/scgolang-oscsync/cmd/pulses.go's shape: dial, send
// one request, print the reply.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the running daemon's state",
	RunE:  runStatus,
}

func init() {
	RootCmd.AddCommand(statusCmd)
	statusCmd.Flags().String("addr", "127.0.0.1:17010", "control-plane address of a running daemon")
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	resp, err := controlapi.DialAndExchange(context.Background(), addr, controlapi.Request{Cmd: "status"})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("daemon returned error: %s", resp.Error)
	}
	out, err := json.MarshalIndent(resp.State, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
