package main

import (
	"fmt"
	"os"

	"github.com/brandon-relentnet/scrollr-sub001/cmd/scrollr/ui"
	"github.com/brandon-relentnet/scrollr-sub001/internal/logging"

	"github.com/spf13/cobra"
)

func main() {
	if err := logging.Configure(logging.LevelWarn, logging.FormatText); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		debug         bool
		noInteraction bool
		conn          connectFlags
	)
	root := &cobra.Command{
		Use:           "scrollr",
		Short:         "Inspect and change the ticker state held by scrollrd",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ui.ConfigureInteraction(noInteraction)
			level := logging.LevelWarn
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level, logging.FormatText)
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&noInteraction, "no-interaction", false, "Disable colors and terminal detection")
	conn.bind(root)

	root.AddCommand(stateCmd(&conn))
	root.AddCommand(dispatchCmd(&conn))
	root.AddCommand(kindsCmd())
	for _, c := range shortcutCmds(&conn) {
		root.AddCommand(c)
	}
	return root
}
