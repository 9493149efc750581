package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fallen-shinigami/VRCX-sub000/internal/config"
	"github.com/fallen-shinigami/VRCX-sub000/internal/engine"
	"github.com/fallen-shinigami/VRCX-sub000/internal/feed"
	"github.com/fallen-shinigami/VRCX-sub000/internal/presence"
	"github.com/fallen-shinigami/VRCX-sub000/internal/store"
	"github.com/fallen-shinigami/VRCX-sub000/internal/testutil"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string // optional - persist replayed events
	Verify   bool   // replay twice and compare outputs

	// Env replaces the process environment (for testing).
	Env map[string]string
}

// ReplayResult holds the outcome of one replay.
type ReplayResult struct {
	Inputs        int          `json:"inputs"`
	Dropped       int          `json:"dropped"`
	Events        int          `json:"events"`
	Location      string       `json:"location,omitempty"`
	Roster        []string     `json:"roster"`
	Alerts        []feed.Entry `json:"alerts"`
	Feed          []feed.Entry `json:"feed"`
	Verified      bool         `json:"verified,omitempty"`
	Deterministic bool         `json:"deterministic"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <session.jsonl>",
		Short: "Replay a recorded session through the engine",
		Long: `Replay a recorded JSONL stream of log records and protocol frames.

Each line is processed synchronously at its recorded timestamp; presence and
video timers fire in between as they would have live. The command prints the
alerts raised during the replay and the final ambient feed.

With --verify the stream is replayed twice on fresh engines and the outputs
compared.

Exit codes:
  0 - Replay finished (and was deterministic with --verify)
  1 - Determinism verification failed
  2 - Command error (file not found, etc.)

Examples:
  vrcx-companion replay session.jsonl
  vrcx-companion replay session.jsonl --db ./replay.db
  vrcx-companion replay session.jsonl --verify --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "persist replayed events to this SQLite database")
	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "replay twice and verify identical outputs")

	return cmd
}

func runReplay(opts *ReplayOptions, path string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := setupLogging(cmd.ErrOrStderr(), opts.Verbose)
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}

	var (
		cfg config.Config
		err error
	)
	if opts.Env != nil {
		cfg, err = config.LoadFrom(opts.Env)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open session", err)
	}
	defer f.Close()

	malformed := 0
	inputs, err := engine.ReadInputs(f, func(line int, err error) {
		malformed++
		formatter.VerboseLog("line %d: %v", line, err)
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read session", err)
	}

	dbPath := ":memory:"
	if opts.Database != "" {
		dbPath = opts.Database
	}
	result, err := replayOnce(ctx, cfg, inputs, dbPath, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "replay failed", err)
	}
	result.Dropped += malformed
	result.Deterministic = true

	if opts.Verify {
		second, err := replayOnce(ctx, cfg, inputs, ":memory:", logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "verification replay failed", err)
		}
		second.Dropped += malformed
		result.Verified = true
		result.Deterministic = sameReplay(result, second)
	}

	if opts.Format == "json" {
		return outputReplayJSON(cmd, result)
	}
	return outputReplayText(cmd, result)
}

// replayOnce drives a fresh engine through inputs on a fake clock that
// follows the recorded timestamps.
func replayOnce(ctx context.Context, cfg config.Config, inputs []engine.Input, dbPath string, logger *slog.Logger) (ReplayResult, error) {
	st, err := store.Open(dbPath)
	if err != nil {
		return ReplayResult{}, err
	}
	defer st.Close()

	start := firstInputTime(inputs)
	clock := testutil.NewFakeClock(start)
	sched := testutil.NewManualScheduler(clock)
	log := &replayLog{Store: st}
	out := &replayOutput{}

	eng := engine.New(cfg.Engine(), cfg.Self(),
		engine.WithTimeSource(clock),
		engine.WithScheduler(sched),
		engine.WithEventLog(log),
		engine.WithPublisher(out),
		engine.WithIDGenerator(engine.NewSequenceGenerator("replay")),
		engine.WithSyncLookups(),
		engine.WithLogger(logger),
	)
	drain := func() { eng.Drain(ctx) }

	result := ReplayResult{Inputs: len(inputs)}
	for _, in := range inputs {
		if at := engine.InputTime(in); !at.IsZero() && at.After(clock.Now()) {
			sched.AdvanceTo(at, drain)
		} else if !at.IsZero() {
			clock.Set(at)
		}
		if err := eng.Process(ctx, in); err != nil {
			var re *engine.RuntimeError
			if !errors.As(err, &re) {
				return ReplayResult{}, err
			}
			logger.Debug("replay input dropped", "code", re.Code, "error", err)
			result.Dropped++
		}
		drain()
	}

	state := eng.Snapshot()
	result.Events = log.events
	result.Location = state.Location
	result.Roster = make([]string, 0, len(state.Roster))
	for _, p := range state.Roster {
		result.Roster = append(result.Roster, p.DisplayName)
	}
	result.Alerts = append([]feed.Entry{}, out.alerts...)
	result.Feed = append([]feed.Entry{}, out.feed...)
	return result, nil
}

func firstInputTime(inputs []engine.Input) time.Time {
	for _, in := range inputs {
		if at := engine.InputTime(in); !at.IsZero() {
			return at
		}
	}
	return time.Time{}
}

// sameReplay compares everything a replay produced.
func sameReplay(a, b ReplayResult) bool {
	return a.Events == b.Events &&
		a.Dropped == b.Dropped &&
		a.Location == b.Location &&
		reflect.DeepEqual(a.Roster, b.Roster) &&
		reflect.DeepEqual(a.Alerts, b.Alerts) &&
		reflect.DeepEqual(a.Feed, b.Feed)
}

// replayLog counts persisted events on their way to the store.
type replayLog struct {
	*store.Store
	events int
}

func (l *replayLog) AppendEvent(ctx context.Context, ev store.Event) error {
	l.events++
	return l.Store.AppendEvent(ctx, ev)
}

// replayOutput keeps the alerts and the latest feed.
type replayOutput struct {
	alerts []feed.Entry
	feed   []feed.Entry
}

func (o *replayOutput) PublishFeed(entries []feed.Entry) {
	o.feed = append(o.feed[:0], entries...)
}

func (o *replayOutput) PublishAlert(entry feed.Entry) {
	o.alerts = append(o.alerts, entry)
}

func (o *replayOutput) PublishHUD(presence.Report) {}

// outputReplayJSON outputs the replay result as JSON.
func outputReplayJSON(cmd *cobra.Command, result ReplayResult) error {
	response := CLIResponse{Status: "ok", Data: result}
	if !result.Deterministic {
		response = failedResponse(result, "E_DETERMINISM", "determinism verification failed")
	}
	if err := writeResponse(cmd.OutOrStdout(), response); err != nil {
		return err
	}

	if !result.Deterministic {
		// Determinism failure = exit code 1
		return NewExitError(ExitFailure, "determinism verification failed")
	}
	return nil
}

// outputReplayText outputs the replay result as text.
func outputReplayText(cmd *cobra.Command, result ReplayResult) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Replay Summary: %d input(s), %d dropped, %d event(s) persisted\n",
		result.Inputs, result.Dropped, result.Events)
	if result.Location != "" {
		fmt.Fprintf(w, "Location: %s\n", result.Location)
	}
	fmt.Fprintf(w, "Roster: [%s]\n", strings.Join(result.Roster, ", "))

	fmt.Fprintf(w, "\nAlerts (%d):\n", len(result.Alerts))
	writeEntries(w, result.Alerts)
	fmt.Fprintf(w, "\nFeed (%d):\n", len(result.Feed))
	writeEntries(w, result.Feed)

	if !result.Verified {
		return nil
	}
	fmt.Fprintln(w)
	if result.Deterministic {
		fmt.Fprintln(w, "✓ Replay verified deterministic")
		return nil
	}
	fmt.Fprintln(w, "✗ Determinism verification failed")
	return NewExitError(ExitFailure, "determinism verification failed")
}

func writeEntries(w io.Writer, entries []feed.Entry) {
	for _, e := range entries {
		fmt.Fprintf(w, "  %s  %-22s %s\n", e.CreatedAt.Format("15:04:05"), e.Type, entrySubject(e))
	}
}

// entrySubject renders the parts of an entry worth a glance.
func entrySubject(e feed.Entry) string {
	var parts []string
	if e.DisplayName != "" {
		parts = append(parts, e.DisplayName)
	}
	switch {
	case e.WorldName != "":
		parts = append(parts, e.WorldName)
	case e.Location != "":
		parts = append(parts, e.Location)
	}
	if e.VideoName != "" {
		parts = append(parts, e.VideoName)
	} else if e.VideoURL != "" {
		parts = append(parts, e.VideoURL)
	}
	if e.AvatarName != "" {
		parts = append(parts, e.AvatarName)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	return strings.Join(parts, " ")
}
