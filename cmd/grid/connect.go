package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gridlink/gridlink/internal/control"
	"github.com/gridlink/gridlink/internal/model"
)

func connectCmd(a *app) *cobra.Command {
	var grid, peerID string
	cmd := &cobra.Command{
		Use:   "connect --grid ID --peer USER RESOURCE_ID",
		Short: "Open a resource another member shares",
		Long:  "Reaches the owner peer-to-peer or over the relay, per the grid's policy. A terminal is attached in raw mode; a process gets stdin and stdout; a shared service is piped through. Ctrl-] disconnects.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rows, cols := windowSize()
			conn, res, err := a.daemon().Connect(ctx, control.ConnectRequest{
				GridID: grid, PeerID: peerID, ResourceID: args[0], Rows: rows, Cols: cols,
			})
			if err != nil {
				return err
			}
			defer conn.CloseNow()
			fmt.Fprintf(os.Stderr, "connected to %s (%s) on %s, Ctrl-] to disconnect\r\n", display(res.Name, res.ID), res.Kind, peerID)
			return pump(ctx, conn, res.ID, res.Kind == model.ResourcePTY)
		},
	}
	cmd.Flags().StringVar(&grid, "grid", "", "grid id")
	cmd.Flags().StringVar(&peerID, "peer", "", "user id of the member sharing the resource")
	_ = cmd.MarkFlagRequired("grid")
	_ = cmd.MarkFlagRequired("peer")
	return cmd
}
