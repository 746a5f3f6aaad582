package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/researchview/internal/chat"
	"github.com/user/researchview/internal/markdown"
	"github.com/user/researchview/internal/state"
	"github.com/user/researchview/internal/timeline"
	"github.com/user/researchview/internal/types"
)

const excerptChars = 80

var (
	historyQuery string
	historyJSON  bool
)

func init() {
	historyListCmd.Flags().StringVarP(&historyQuery, "query", "q", "", "only sessions whose question or report mentions this text")
	historyShowCmd.Flags().BoolVar(&historyJSON, "json", false, "print the stored session as JSON")
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyDeleteCmd, historyExportCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Browse stored research sessions",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		history, closeHistory, err := openHistory(cfg)
		if err != nil {
			return err
		}
		defer closeHistory()

		list, err := history.List(context.Background())
		if err != nil {
			return fmt.Errorf("list history: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUPDATED\tRECORDS\tQUESTION")
		shown := 0
		for _, s := range list {
			summary := s.Question
			if historyQuery != "" {
				haystack := s.Question + "\n" + timeline.CollectReport(s.Timeline)
				if !strings.Contains(strings.ToLower(haystack), strings.ToLower(historyQuery)) {
					continue
				}
				summary = state.Excerpt(haystack, historyQuery, excerptChars)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
				s.ID,
				s.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
				len(s.Timeline),
				strings.ReplaceAll(state.Excerpt(summary, "", excerptChars), "\n", " "),
			)
			shown++
		}
		if shown == 0 {
			fmt.Println("No sessions found.")
			return nil
		}
		return w.Flush()
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a stored session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		history, closeHistory, err := openHistory(cfg)
		if err != nil {
			return err
		}
		defer closeHistory()

		ctx := context.Background()
		s, err := history.Get(ctx, types.SessionID(args[0]))
		if err != nil {
			return err
		}

		if historyJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(s)
		}

		renderer, err := markdown.NewTerminalRenderer(cfg.Render.Style, cfg.Render.WordWrap)
		if err != nil {
			return err
		}
		return printSession(ctx, cmd.OutOrStdout(), renderer, s.Question, s.Timeline)
	},
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete stored sessions and their event logs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		history, closeHistory, err := openHistory(cfg)
		if err != nil {
			return err
		}
		defer closeHistory()

		ctx := context.Background()
		events := state.NewEventLog(cfg.DataDir)
		var errs []error
		for _, arg := range args {
			id := types.SessionID(arg)
			if err := history.Delete(ctx, id); err != nil {
				errs = append(errs, fmt.Errorf("delete %s: %w", id, err))
				continue
			}
			if err := events.Remove(ctx, id); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: event log for %s not removed: %v\n", id, err)
			}
			fmt.Printf("Deleted %s\n", id)
		}
		return errors.Join(errs...)
	},
}

var historyExportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Write a stored session as a markdown transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		history, closeHistory, err := openHistory(cfg)
		if err != nil {
			return err
		}
		defer closeHistory()

		ctx := context.Background()
		s, err := history.Get(ctx, types.SessionID(args[0]))
		if err != nil {
			return err
		}
		transcript, err := chat.Transcript(s)
		if err != nil {
			return err
		}

		path, err := state.NewExportStore(cfg.DataDir).Put(ctx, s.ID, transcript)
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}
