package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/brandon-relentnet/scrollr-sub001/cmd/scrollr/ui"
	"github.com/brandon-relentnet/scrollr-sub001/internal/proxy"
	"github.com/brandon-relentnet/scrollr-sub001/internal/state"

	"github.com/spf13/cobra"
)

func dispatchCmd(conn *connectFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch KIND [PAYLOAD]",
		Short: "Send an intent to the central store",
		Long:  "Send an intent to the central store. PAYLOAD is JSON; run 'scrollr kinds' for the accepted kinds.",
		Example: `  scrollr dispatch setLayout '"comfort"'
  scrollr dispatch setFinanceSymbols '["AAPL","MSFT"]'
  scrollr dispatch togglePower`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := state.Intent{Kind: args[0]}
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("payload %q is not valid JSON", args[1])
				}
				in.Payload = json.RawMessage(args[1])
			}
			return run(cmd, conn, in.String(), func(p *proxy.Store, ctx context.Context) (state.State, error) {
				return p.Dispatch(ctx, in)
			})
		},
	}
}

func kindsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List the intent kinds the central store accepts",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), ui.Intents())
		},
	}
}

// mutation matches the proxy's method expressions, receiver first.
type mutation func(p *proxy.Store, ctx context.Context) (state.State, error)

// run connects, applies m and prints the resulting tree.
func run(cmd *cobra.Command, conn *connectFlags, what string, m mutation) error {
	s, err := conn.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	p := s.ctx.Proxy()
	if _, err := m(p, cmd.Context()); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	snap, _ := p.Snapshot()
	fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessMsg("%s applied at revision %d", what, snap.Revision))
	fmt.Fprint(cmd.OutOrStdout(), ui.Snapshot(snap))
	return nil
}

func oneArg(conn *connectFlags, use, short string, valid []string, do func(*proxy.Store, context.Context, string) (state.State, error)) *cobra.Command {
	return &cobra.Command{
		Use:       use,
		Short:     short,
		Args:      cobra.ExactArgs(1),
		ValidArgs: valid,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, conn, cmd.Name()+" "+args[0], func(p *proxy.Store, ctx context.Context) (state.State, error) {
				return do(p, ctx, args[0])
			})
		},
	}
}

func shortcutCmds(conn *connectFlags) []*cobra.Command {
	layout := oneArg(conn, "layout MODE", "Switch between compact and comfort layouts",
		[]string{state.LayoutCompact, state.LayoutComfort}, (*proxy.Store).SetLayout)
	speed := oneArg(conn, "speed SPEED", "Set the ticker scroll speed",
		[]string{state.SpeedSlow, state.SpeedClassic, state.SpeedFast}, (*proxy.Store).SetSpeed)
	position := oneArg(conn, "position POSITION", "Pin the ticker to the top or bottom of pages",
		[]string{state.PositionTop, state.PositionBottom}, (*proxy.Store).SetPosition)
	theme := oneArg(conn, "theme THEME", "Set the color theme",
		[]string{state.ThemeDark, state.ThemeLight, state.ThemeSystem}, (*proxy.Store).SetTheme)
	opacity := oneArg(conn, "opacity VALUE", "Set the overlay opacity between 0 and 1", nil,
		func(p *proxy.Store, ctx context.Context, v string) (state.State, error) {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return state.State{}, fmt.Errorf("opacity %q is not a number", v)
			}
			return p.SetOpacity(ctx, f)
		})
	power := oneArg(conn, "power on|off|toggle", "Turn the ticker on or off",
		[]string{"on", "off", "toggle"},
		func(p *proxy.Store, ctx context.Context, v string) (state.State, error) {
			switch v {
			case "on":
				return p.SetPower(ctx, true)
			case "off":
				return p.SetPower(ctx, false)
			case "toggle":
				return p.TogglePower(ctx)
			}
			return state.State{}, fmt.Errorf("power takes on, off or toggle, got %q", v)
		})

	symbols := &cobra.Command{
		Use:   "symbols",
		Short: "Change the ticker symbol selection",
	}
	symbols.AddCommand(
		oneArg(conn, "toggle SYMBOL", "Add a symbol, or remove it if selected", nil,
			func(p *proxy.Store, ctx context.Context, v string) (state.State, error) {
				return p.ToggleFinanceSymbol(ctx, strings.ToUpper(v))
			}),
		&cobra.Command{
			Use:   "set [SYMBOL...]",
			Short: "Replace the selection; no symbols clears it",
			RunE: func(cmd *cobra.Command, args []string) error {
				list := make([]string, 0, len(args))
				for _, a := range args {
					list = append(list, strings.ToUpper(a))
				}
				return run(cmd, conn, "symbols set", func(p *proxy.Store, ctx context.Context) (state.State, error) {
					return p.SetFinanceSymbols(ctx, list)
				})
			},
		},
	)

	logout := &cobra.Command{
		Use:   "logout",
		Short: "Sign out and reset every setting to its default",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, conn, "logout", (*proxy.Store).Logout)
		},
	}
	return []*cobra.Command{layout, speed, position, opacity, power, theme, symbols, logout}
}
