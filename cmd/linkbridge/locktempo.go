package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"linkbridge/internal/controlapi"
)

// lockTempoCmd is a thin client of a running "linkbridge serve" daemon,
// mirroring _examples/scgolang-oscsync/cmd/tempo.go's "send the master a
// tempo update" shape, generalized to this daemon's lock/unlock verbs.
var lockTempoCmd = &cobra.Command{
	Use:   "lock-tempo <bpm>",
	Short: "Lock the running daemon's tempo to <bpm> (omit to unlock)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLockTempo,
}

func init() {
	RootCmd.AddCommand(lockTempoCmd)
	lockTempoCmd.Flags().String("addr", "127.0.0.1:17010", "control-plane address of a running daemon")
}

func runLockTempo(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")

	var req controlapi.Request
	if len(args) == 1 {
		bpm, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("invalid bpm %q: %w", args[0], err)
		}
		argsJSON, _ := json.Marshal(struct {
			BPM float64 `json:"bpm"`
		}{bpm})
		req = controlapi.Request{Cmd: "lock-tempo", Args: argsJSON}
	} else {
		req = controlapi.Request{Cmd: "unlock-tempo"}
	}

	resp, err := controlapi.DialAndExchange(context.Background(), addr, req)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("daemon returned error: %s", resp.Error)
	}
	fmt.Println("ok")
	return nil
}
