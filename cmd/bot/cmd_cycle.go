package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"plotbot/internal/app"
)

// withApp builds the app for one command and stops it afterwards. ^C cancels
// the running cycle; its render worker is killed.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runErr := fn(ctx, a)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, app.StopCommand); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newPostCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "post",
		Short: "Render and post one plot now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Bot().PostPlot(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
}

func newReplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reply",
		Short: "Answer new mentions once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				rep, err := a.Bot().ReplyMentions(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, rep)
			})
		},
	}
}

func newSyncCursorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-cursor",
		Short: "Move the mention cursor to the newest mention already answered",
		Long: `sync-cursor repairs the mention cursor after it was lost, so mentions
that already have a reply from the bot are not answered again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				cur, err := a.Bot().SyncCursor(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "mention cursor: %s\n", cur)
				return nil
			})
		},
	}
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recently published plots",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			jsonOut, _ := cmd.Flags().GetBool("json")
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				store, err := a.Store()
				if err != nil {
					return err
				}
				recs, err := store.RecentPosts(ctx, limit)
				if err != nil {
					return err
				}
				if jsonOut {
					return printJSON(cmd, recs)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "AT\tKIND\tSTATUS\tCHOICE\tCAPTION")
				for _, r := range recs {
					status := r.StatusID
					if r.DryRun {
						status = "(dry run)"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.At.Format(time.RFC3339), r.Kind, status, r.Choice, r.Caption)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().Int("limit", 20, "number of records")
	cmd.Flags().Bool("json", false, "output as JSON")
	return cmd
}
