package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/brandon-relentnet/scrollr-sub001/cmd/scrollr/ui"
	"github.com/brandon-relentnet/scrollr-sub001/internal/state"

	"github.com/spf13/cobra"
)

func stateCmd(conn *connectFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Read the current state",
	}
	cmd.AddCommand(stateGetCmd(conn), stateIframeCmd(conn), stateWatchCmd(conn))
	return cmd
}

func stateGetCmd(conn *connectFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print the whole state tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := conn.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			snap, _ := s.ctx.Proxy().Snapshot()
			if asJSON {
				return printJSON(cmd, snap)
			}
			fmt.Fprint(cmd.OutOrStdout(), ui.Snapshot(snap))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the snapshot as JSON")
	return cmd
}

func stateIframeCmd(conn *connectFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "iframe",
		Short: "Print the subset of state the page overlay renders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := conn.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			proj, err := s.ctx.Proxy().IframeState(cmd.Context())
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), ui.WarnMsg("daemon unavailable, showing defaults: %v", err))
			}
			if asJSON {
				return printJSON(cmd, proj)
			}
			fmt.Fprint(cmd.OutOrStdout(), ui.Iframe(proj))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the projection as JSON")
	return cmd
}

func stateWatchCmd(conn *connectFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print the state every time it changes, until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := conn.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			p := s.ctx.Proxy()
			snap, _ := p.Snapshot()
			fmt.Fprint(out, ui.Snapshot(snap))
			p.Subscribe(ctx, func(state.State) {
				snap, _ := p.Snapshot()
				fmt.Fprintln(out)
				fmt.Fprint(out, ui.Snapshot(snap))
			})
			<-ctx.Done()
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
