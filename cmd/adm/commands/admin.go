// Package commands provides CLI commands for the admin tool
package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"lessongen/internal/services"
	contextutils "lessongen/internal/utils"

	"github.com/spf13/cobra"
)

// AdminCommands returns the commands that act on a running server through its admin API
func AdminCommands(client *AdminClient, jsonOutput *bool) []*cobra.Command {
	return []*cobra.Command{
		adminStatsCmd(client, jsonOutput),
		unlockUserCmd(client, jsonOutput),
		clearAllCmd(client, jsonOutput),
	}
}

func adminStatsCmd(client *AdminClient, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show rate limiter, queue and provider state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := client.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if *jsonOutput {
				return printJSON(cmd.OutOrStdout(), stats)
			}
			return printStats(cmd.OutOrStdout(), stats)
		},
	}
}

func unlockUserCmd(client *AdminClient, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock-user <user-id>",
		Short: "Force-unlock a user stuck in the active set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.ClearUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if *jsonOutput {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			if resp.Unlocked {
				fmt.Fprintf(cmd.OutOrStdout(), "User %s unlocked\n", resp.UserID)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "User %s was not active\n", resp.UserID)
			}
			return nil
		},
	}
}

func clearAllCmd(client *AdminClient, jsonOutput *bool) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear-all",
		Short: "Reject every queued request and unlock all users",
		Long: `Reject every queued generation request with CLEANUP_TIMEOUT and unlock all users.

Running generations are not interrupted. Requires --yes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return contextutils.WrapError(contextutils.ErrInvalidInput, "clear-all drops queued requests, pass --yes to confirm")
			}
			resp, err := client.ClearAll(cmd.Context())
			if err != nil {
				return err
			}
			if *jsonOutput {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unlocked %d users, rejected %d queued requests\n", resp.UsersUnlocked, resp.ItemsRejected)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm dropping queued requests")
	return cmd
}

func printStats(out io.Writer, stats *services.GenerationStats) error {
	rl := stats.RateLimiter
	fmt.Fprintf(out, "Rate limiter: %d active users, %d queued (max %d), %d running (max %d), oldest queued %ds\n",
		rl.ActiveUsers, rl.QueueLength, rl.MaxQueueSize, rl.Running, rl.MaxConcurrent, rl.OldestQueuedSec)
	q := stats.Queue
	fmt.Fprintf(out, "Generation queue: %d pending, %d running (max %d), %d processed, %d failed, avg %.0fms\n\n",
		q.Pending, q.Running, q.MaxConcurrent, q.TotalProcessed, q.TotalFailed, q.AverageProcessingMS)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tPRIORITY\tWEIGHT\tRELIABILITY\tLOAD\tFAILURES\tAVAILABLE")
	for _, p := range stats.Providers {
		fmt.Fprintf(w, "%s\t%d\t%.1f\t%.2f\t%d/%d\t%d\t%t\n",
			p.Name, p.Priority, p.Weight, p.Reliability, p.CurrentLoad, p.MaxConcurrent, p.FailureCount, p.Available)
	}
	return w.Flush()
}

// runWithTimeout derives a bounded context for a command
func runWithTimeout(parent context.Context, cmd *cobra.Command) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil || timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
