package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"github.com/gridlink/gridlink/internal/accesscode"
	"github.com/gridlink/gridlink/internal/analytics"
	"github.com/gridlink/gridlink/internal/coordinator"
	"github.com/gridlink/gridlink/internal/model"
	"github.com/gridlink/gridlink/internal/nat"
	"github.com/gridlink/gridlink/internal/relay"
)

func natCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "nat",
		Short: "Classify this network's NAT",
		Long:  "Gathers ICE candidates against the configured STUN servers and reports whether direct connections are likely to work.",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := nat.Probe(cmd.Context(), a.cfg.Peer.STUNServers)
			if err != nil {
				return err
			}
			analytics.Track("nat_probed", map[string]any{"verdict": string(res.Verdict)})
			if a.jsonOut {
				return printJSON(res)
			}
			fmt.Printf("%-12s %s\n", "verdict", res.Verdict)
			fmt.Printf("%-12s %s\n", "confidence", res.Confidence)
			fmt.Printf("%-12s %t\n", "p2p likely", res.P2PLikely)
			fmt.Printf("%-12s %t\n", "relay", res.RelayNeeded)
			for _, c := range res.Candidates {
				fmt.Printf("  %-8s %s:%d\n", c.Type, c.IP, c.Port)
			}
			return nil
		},
	}
}

func relayCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay servers, tunnel status and usage",
	}
	cmd.AddCommand(relayServersCmd(a), relayStatusCmd(a), relayUsageCmd(a))
	return cmd
}

func relayServersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List relay servers and pick the fastest",
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, _, err := a.coordinator()
			if err != nil {
				return err
			}
			servers, err := coord.RelayServers(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range servers {
				fmt.Printf("  %-16s %-10s %s:%d\n", s.ID, s.Region, s.Host, s.Port)
			}
			best, err := relay.SelectServer(cmd.Context(), servers, relay.TCPProbe)
			if err != nil {
				return err
			}
			fmt.Printf("\nfastest: %s (%s)\n", best.Server.ID, best.Latency.Round(time.Millisecond))
			return nil
		},
	}
}

func relayStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the daemon's relay tunnel state",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.daemon().Status(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOut {
				return printJSON(st.Relay)
			}
			printRelay(st)
			return nil
		},
	}
}

func relayUsageCmd(a *app) *cobra.Command {
	var grid string
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show a grid's relay allocation",
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, _, err := a.coordinator()
			if err != nil {
				return err
			}
			sub, err := coord.Subscription(cmd.Context(), grid)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return printJSON(sub)
			}
			tier := sub.Tier
			if sub.Trial {
				tier += " (trial)"
			}
			fmt.Printf("%-12s %s\n", "tier", tier)
			fmt.Printf("%-12s %s of %d GB\n", "used", humanize.IBytes(uint64(sub.UsedBytes)), sub.AllocationGB)
			fmt.Printf("%-12s %s\n", "remaining", humanize.IBytes(uint64(sub.RemainingBytes())))
			if !sub.ExpiresAt.IsZero() {
				fmt.Printf("%-12s %s\n", "expires", humanize.Time(sub.ExpiresAt))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&grid, "grid", "", "grid id")
	_ = cmd.MarkFlagRequired("grid")
	return cmd
}

func codeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "code",
		Short: "Create, show and redeem access codes",
	}
	cmd.AddCommand(codeCreateCmd(a), codeUseCmd(a), codeShowCmd())
	return cmd
}

func codeCreateCmd(a *app) *cobra.Command {
	var grid, process, terminal string
	var uses int
	var expires time.Duration
	var connect, input, qr bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an access code for a grid or one of its resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, _, err := a.coordinator()
			if err != nil {
				return err
			}
			req := coordinator.CreateCodeRequest{
				ResourceType:     model.CodeGrid,
				UsageLimit:       uses,
				ExpiresInMinutes: int(expires / time.Minute),
				Permissions:      model.CodePermissions{View: true, Connect: connect, SendInput: input},
			}
			switch {
			case process != "":
				req.ResourceType, req.ResourceID = model.CodeProcess, process
			case terminal != "":
				req.ResourceType, req.ResourceID = model.CodeTerminal, terminal
			}
			code, err := coord.CreateCode(cmd.Context(), grid, req)
			if err != nil {
				return err
			}
			fmt.Println(code.Code)
			if qr {
				qrterminal.GenerateHalfBlock(code.Code, qrterminal.L, os.Stdout)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&grid, "grid", "", "grid id")
	cmd.Flags().StringVar(&process, "process", "", "limit the code to a shared process")
	cmd.Flags().StringVar(&terminal, "terminal", "", "limit the code to a terminal")
	cmd.Flags().IntVar(&uses, "uses", 0, "usage limit (0: unlimited)")
	cmd.Flags().DurationVar(&expires, "expires", 0, "expiry, e.g. 30m (0: never)")
	cmd.Flags().BoolVar(&connect, "connect", true, "allow connecting")
	cmd.Flags().BoolVar(&input, "input", false, "allow sending input")
	cmd.Flags().BoolVar(&qr, "qr", false, "also print the code as a QR code")
	_ = cmd.MarkFlagRequired("grid")
	return cmd
}

func codeUseCmd(a *app) *cobra.Command {
	var grid string
	cmd := &cobra.Command{
		Use:   "use CODE",
		Short: "Redeem an access code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !accesscode.Valid(args[0]) {
				return fmt.Errorf("%q is not an access code", args[0])
			}
			coord, _, err := a.coordinator()
			if err != nil {
				return err
			}
			res, err := coord.UseCode(cmd.Context(), grid, args[0])
			if err != nil {
				return err
			}
			target := string(res.ResourceType)
			if res.ResourceID != "" {
				target += " " + res.ResourceID
			}
			fmt.Printf("access granted to %s on grid %s\n", target, res.GridID)
			return nil
		},
	}
	cmd.Flags().StringVar(&grid, "grid", "", "grid id")
	_ = cmd.MarkFlagRequired("grid")
	return cmd
}

func codeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show CODE",
		Short: "Print a code in display form with its QR code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !accesscode.Valid(args[0]) {
				return fmt.Errorf("%q is not an access code", args[0])
			}
			formatted := accesscode.Format(args[0])
			fmt.Println(formatted)
			qrterminal.GenerateHalfBlock(formatted, qrterminal.L, os.Stdout)
			return nil
		},
	}
}

func subdomainCmd(a *app) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "subdomain [NAME]",
		Short: "Suggest or check a relay subdomain",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := relay.GenerateSubdomain()
			if len(args) == 1 {
				name = args[0]
			}
			if !relay.ValidSubdomain(name) {
				return fmt.Errorf("%q is not a valid subdomain", name)
			}
			if !check {
				fmt.Println(name)
				return nil
			}
			coord, _, err := a.coordinator()
			if err != nil {
				return err
			}
			ok, err := coord.SubdomainAvailable(cmd.Context(), name)
			if err != nil {
				return err
			}
			if ok {
				fmt.Printf("%s is available\n", name)
			} else {
				fmt.Printf("%s is taken\n", name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "ask the coordinator whether it is free")
	return cmd
}
