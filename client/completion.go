package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:       "completion bash|zsh|fish",
	Short:     "Generate shell completion scripts",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"bash", "zsh", "fish"},

	// Completion scripts need neither configuration nor logging
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},

	RunE: func(cmd *cobra.Command, args []string) error {
		switch shell := args[0]; shell {
		case "bash":
			return stratusCmd.GenBashCompletionV2(cmd.OutOrStdout(), true)
		case "zsh":
			return stratusCmd.GenZshCompletion(cmd.OutOrStdout())
		case "fish":
			return stratusCmd.GenFishCompletion(cmd.OutOrStdout(), true)
		default:
			return fmt.Errorf("unsupported shell '%s'", shell)
		}
	},
}
