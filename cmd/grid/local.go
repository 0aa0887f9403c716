package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/control"
	"github.com/gridlink/gridlink/internal/discovery"
	"github.com/gridlink/gridlink/internal/logger"
	"github.com/gridlink/gridlink/internal/probe"
	"github.com/gridlink/gridlink/internal/process"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.daemon().Status(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOut {
				return printJSON(st)
			}
			fmt.Printf("%-12s %s\n", "user", st.UserID)
			fmt.Printf("%-12s running since %s\n", "daemon", humanize.Time(st.StartedAt))
			fmt.Printf("%-12s %s\n", "bus", st.Bus)
			fmt.Printf("%-12s %d\n", "grids", len(st.Grids))
			fmt.Printf("%-12s %d\n", "resources", st.Resources)
			if st.NAT != nil {
				fmt.Printf("%-12s %s (confidence %s)\n", "nat", st.NAT.Verdict, st.NAT.Confidence)
			} else {
				fmt.Printf("%-12s %s\n", "nat", "probing")
			}
			printRelay(st)
			if len(st.Peers) > 0 {
				fmt.Println()
				fmt.Println("Peers:")
				for _, p := range st.Peers {
					fmt.Printf("  %-24s %-12s %-12s %s\n", p.Key.PeerID, p.Key.GridID, p.State, p.Route)
				}
			}
			return nil
		},
	}
}

func printRelay(st *control.Status) {
	if st.RelayServer == "" {
		fmt.Printf("%-12s %s\n", "relay", "not connected")
		return
	}
	state := "down"
	if st.Relay.Connected {
		state = "up"
	}
	fmt.Printf("%-12s %s via %s, %d tunnels, up %s\n", "relay", state, st.RelayServer,
		st.Relay.TunnelsActive, time.Duration(st.Relay.UptimeSeconds)*time.Second)
}

func scanCmd(a *app) *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List listening services",
		Long:  "Scope is localhost, network, docker or an IP address. Runs in the daemon when it is up, so repeated scans hit its cache.",
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := a.daemon().Scan(cmd.Context(), scope)
			if apperr.KindOf(err) == apperr.Unreachable {
				recs, err = scanLocal(cmd.Context(), scope)
			}
			if err != nil {
				return err
			}
			if a.jsonOut {
				return printJSON(recs)
			}
			if len(recs) == 0 {
				fmt.Println("nothing listening")
				return nil
			}
			fmt.Printf("%-8s %-20s %-8s %-8s %s\n", "PID", "NAME", "PORT", "PROTO", "PORTS")
			for _, r := range recs {
				fmt.Printf("%-8s %-20s %-8d %-8s %s\n", pid(r.PID), trunc(r.Name, 20), r.PrimaryPort, r.Protocol, ports(r))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "localhost", "localhost, network, docker or an IP")
	return cmd
}

func scanLocal(ctx context.Context, scope string) ([]probe.Record, error) {
	s, err := discovery.ParseScope(scope)
	if err != nil {
		return nil, err
	}
	d := discovery.New(probe.Default(),
		discovery.WithDocker(&discovery.DockerCLI{Run: probe.ExecRunner}),
		discovery.WithLogger(logger.Log))
	return d.Scan(ctx, s)
}

func shareCmd(a *app) *cobra.Command {
	var grid string
	var port int
	cmd := &cobra.Command{
		Use:   "share",
		Short: "Share a service that is already listening",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.daemon().Share(cmd.Context(), control.ShareRequest{GridID: grid, Port: port})
			if err != nil {
				return err
			}
			fmt.Printf("sharing %s (%s) as %s\n", res.Name, res.Kind, res.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&grid, "grid", "", "grid id")
	cmd.Flags().IntVar(&port, "port", 0, "local port")
	_ = cmd.MarkFlagRequired("grid")
	_ = cmd.MarkFlagRequired("port")
	return cmd
}

func runCmd(a *app) *cobra.Command {
	var grid, name, dir string
	var host bool
	var env map[string]string
	cmd := &cobra.Command{
		Use:   "run --grid ID -- command [args...]",
		Short: "Start a process and share it with a grid",
		Long:  "With --host the process is the grid's session host; only one member can host at a time.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.daemon().Run(cmd.Context(), control.RunRequest{
				GridID: grid,
				Host:   host,
				Config: process.Config{
					Name:       name,
					Executable: args[0],
					Args:       args[1:],
					Env:        env,
					Dir:        dir,
				},
			})
			if err != nil {
				if apperr.CodeOf(err) == "host_taken" {
					return fmt.Errorf("another member is hosting this grid: %w", err)
				}
				return err
			}
			if a.jsonOut {
				return printJSON(res)
			}
			fmt.Printf("started %s as %s\n", res.Name, res.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&grid, "grid", "", "grid id")
	cmd.Flags().StringVar(&name, "name", "", "display name (default: executable)")
	cmd.Flags().StringVar(&dir, "cwd", "", "working directory")
	cmd.Flags().StringToStringVarP(&env, "env", "e", nil, "extra environment KEY=VALUE")
	cmd.Flags().BoolVar(&host, "host", false, "run as the grid's session host")
	_ = cmd.MarkFlagRequired("grid")
	return cmd
}

func psCmd(a *app) *cobra.Command {
	var grid string
	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List resources this node shares",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := a.daemon().Resources(cmd.Context(), grid)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return printJSON(list)
			}
			if len(list) == 0 {
				fmt.Println("nothing shared")
				return nil
			}
			fmt.Printf("%-38s %-10s %-20s %-10s %s\n", "ID", "KIND", "NAME", "STATE", "SINCE")
			for _, r := range list {
				fmt.Printf("%-38s %-10s %-20s %-10s %s\n", r.ID, r.Kind, trunc(r.Name, 20), r.State, humanize.Time(r.CreatedAt))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&grid, "grid", "", "only this grid")
	return cmd
}

func stopCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stop ID",
		Short: "Stop sharing a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.daemon().Stop(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("stopped %s\n", args[0])
			return nil
		},
	}
}

func tabsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tabs",
		Short: "Show the daemon's tab layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := a.daemon().Tabs(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	}
}

func pid(p int) string {
	if p == 0 {
		return "-"
	}
	return fmt.Sprint(p)
}

func ports(r probe.Record) string {
	out := make([]string, 0, len(r.Ports))
	for _, p := range r.Ports {
		out = append(out, fmt.Sprintf("%d/%s", p.Port, p.Protocol))
	}
	return strings.Join(out, ",")
}

func trunc(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "~"
}
