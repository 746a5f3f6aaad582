package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/researchview/internal/chat"
	"github.com/user/researchview/internal/config"
	"github.com/user/researchview/internal/ingest"
	"github.com/user/researchview/internal/markdown"
	"github.com/user/researchview/internal/timeline"
	"github.com/user/researchview/internal/types"
)

var (
	replayFollow bool
	replaySave   bool
	replayJSON   bool
)

func init() {
	replayCmd.Flags().BoolVarP(&replayFollow, "follow", "f", false, "keep reading as the file grows")
	replayCmd.Flags().BoolVar(&replaySave, "save", false, "store the session in history when done")
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "print the final timeline as JSON")
	rootCmd.AddCommand(replayCmd)
}

var replayCmd = &cobra.Command{
	Use:   "replay <file|->",
	Short: "Replay a JSONL event stream into a timeline",
	Long: `Reads research events, one JSON object per line, and prints the session
as it builds up: progress lines while streaming, then the rendered report,
its sources and the follow-up thread.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func openSource(path string, logger *slog.Logger) (types.Subscription, error) {
	if path == "-" {
		return ingest.NewReader("stdin", os.Stdin, ingest.WithLogger(logger)), nil
	}
	opts := []ingest.Option{ingest.WithLogger(logger)}
	if replayFollow {
		opts = append(opts, ingest.Follow())
	}
	return ingest.OpenFile(path, opts...)
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	logger := setupLogging(cfg)

	renderer, err := markdown.NewTerminalRenderer(cfg.Render.Style, cfg.Render.WordWrap)
	if err != nil {
		return err
	}

	sub, err := openSource(args[0], logger)
	if err != nil {
		return err
	}
	defer sub.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id := types.NewSessionID()
	// Stored records carry HTML, as they do under serve.
	tl := timeline.New(id, timelineOptions(cfg, logger, markdown.NewHTMLRenderer())...)
	if err := tl.Start(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	changes, unsubscribe := tl.Subscribe()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for c := range changes {
			if c.Type != timeline.ChangeAppended || replayJSON {
				continue
			}
			if rec, ok := tl.At(c.Seq); ok {
				printProgress(out, rec)
			}
		}
	}()

	consumeErr := tl.Consume(ctx, sub)
	tl.Stop()

	waitCtx, cancel := context.WithTimeout(context.Background(), cfg.RenderTimeout())
	if err := tl.WaitRenders(waitCtx); err != nil {
		logger.Warn("renders still pending, showing raw text", "error", err)
	}
	cancel()
	unsubscribe()
	<-printed

	if consumeErr != nil && ctx.Err() == nil {
		return consumeErr
	}

	if replayJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(tl.All()); err != nil {
			return fmt.Errorf("encode timeline: %w", err)
		}
	} else if err := printSession(context.Background(), out, renderer, tl.Question(), tl.All()); err != nil {
		return err
	}

	if replaySave {
		return saveReplay(cfg, tl)
	}
	return nil
}

func saveReplay(cfg *config.Config, tl *timeline.Timeline) error {
	history, closeHistory, err := openHistory(cfg)
	if err != nil {
		return err
	}
	defer closeHistory()

	tl.Archive()
	now := time.Now().UTC()
	rec := &types.SessionRecord{
		ID:        tl.ID(),
		Question:  tl.Question(),
		Timeline:  tl.All(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := history.Save(context.Background(), rec); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Saved session %s\n", rec.ID)
	return nil
}

// printProgress prints one line per log-like record while the stream runs.
// Report and chat text is printed once, rendered, at the end.
func printProgress(w io.Writer, rec types.Record) {
	switch rec.Kind {
	case types.KindReport, types.KindChat:
		return
	case types.KindQuestion:
		fmt.Fprintf(w, "? %s\n", firstLine(rec.DisplayText))
	case types.KindDiffLog:
		fmt.Fprintf(w, "~ %s (%d fields)\n", firstLine(rec.DisplayText), len(rec.SourceFields))
	case types.KindSources:
		fmt.Fprintf(w, "+ %d sources\n", len(rec.Metadata.Citations()))
	default:
		if rec.DisplayText == "" {
			return
		}
		line := firstLine(rec.DisplayText)
		if rec.TokenCount > 0 {
			line = fmt.Sprintf("%s (%d tokens)", line, rec.TokenCount)
		}
		fmt.Fprintf(w, "· %s\n", line)
	}
}

// printSession renders the report, sources and chat thread of a timeline.
func printSession(ctx context.Context, w io.Writer, renderer types.Renderer, question string, records []types.Record) error {
	if question != "" {
		fmt.Fprintf(w, "\n%s\n", question)
	}

	if report := timeline.CollectReport(records); strings.TrimSpace(report) != "" {
		rendered, err := renderer.Render(ctx, report)
		if err != nil {
			slog.Warn("report render failed, showing raw text", "error", err)
			rendered = report
		}
		fmt.Fprintln(w, rendered)
	}

	if sources := timeline.CollectSources(records); len(sources) > 0 {
		fmt.Fprintln(w, "Sources:")
		for i, src := range sources {
			name := src.Name
			if name == "" {
				name = src.URL
			}
			fmt.Fprintf(w, "  [%d] %s <%s>\n", i+1, name, src.URL)
		}
	}

	for _, msg := range chat.DeriveThread(records) {
		if msg.Type == types.KindQuestion {
			fmt.Fprintf(w, "\n> %s\n", msg.Content)
			continue
		}
		rendered, err := renderer.Render(ctx, msg.Content)
		if err != nil {
			rendered = msg.Content
		}
		fmt.Fprintln(w, rendered)
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}
