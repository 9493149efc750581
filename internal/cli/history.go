package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fallen-shinigami/VRCX-sub000/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Database  string
	Type      string // optional - filter to one event type
	UserID    string // optional - filter to one user
	SessionID string // optional - filter to one instance session
	Limit     int
	Sessions  bool // list session summaries instead of events
}

// HistoryResult holds the history output.
type HistoryResult struct {
	Events   []store.Event          `json:"events,omitempty"`
	Sessions []store.SessionSummary `json:"sessions,omitempty"`
	Total    int                    `json:"total"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List persisted events",
		Long: `List events from the append-only event log.

Events are shown oldest first. --limit keeps the most recent N matches.
With --sessions one summary per instance session is shown instead:
event, join, leave and location counts and the time span it covers.

Examples:
  vrcx-companion history --db ./vrcx.db
  vrcx-companion history --db ./vrcx.db --type OnPlayerJoined --limit 20
  vrcx-companion history --db ./vrcx.db --user usr_1234 --format json
  vrcx-companion history --db ./vrcx.db --sessions`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Type, "type", "", "filter to one event type, e.g. OnPlayerJoined")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "filter to one user id")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "filter to one session id")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "show at most the N most recent events (0 = all)")
	cmd.Flags().BoolVar(&opts.Sessions, "sessions", false, "list session summaries")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Limit < 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid limit %d: must be >= 0", opts.Limit))
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	var result HistoryResult
	if opts.Sessions {
		result.Sessions, err = st.ListSessions(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list sessions", err)
		}
		result.Total = len(result.Sessions)
	} else {
		result.Events, err = st.ReadEvents(ctx, store.EventFilter{
			Type:      opts.Type,
			UserID:    opts.UserID,
			SessionID: opts.SessionID,
			Limit:     opts.Limit,
		})
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read events", err)
		}
		result.Total = len(result.Events)
	}

	if opts.Format == "json" {
		return outputHistoryJSON(cmd, result)
	}
	if opts.Sessions {
		writeSessions(cmd.OutOrStdout(), result.Sessions)
		return nil
	}
	writeEvents(cmd.OutOrStdout(), result.Events, opts.Verbose)
	return nil
}

// outputHistoryJSON outputs the history as JSON.
func outputHistoryJSON(cmd *cobra.Command, result HistoryResult) error {
	return writeResponse(cmd.OutOrStdout(), CLIResponse{Status: "ok", Data: result})
}

func writeEvents(w io.Writer, events []store.Event, verbose bool) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events found.")
		return
	}
	for _, ev := range events {
		fmt.Fprintf(w, "%s  #%-5d %-22s", ev.CreatedAt.Format("2006-01-02 15:04:05"), ev.Seq, ev.Type)
		if ev.DisplayName != "" {
			fmt.Fprintf(w, " %s", ev.DisplayName)
		}
		if ev.Location != "" {
			fmt.Fprintf(w, " @ %s", ev.Location)
		}
		fmt.Fprintln(w)
		if verbose && len(ev.Data) > 0 {
			data, _ := json.Marshal(ev.Data)
			fmt.Fprintf(w, "    %s\n", data)
		}
	}
	fmt.Fprintf(w, "\n%d event(s)\n", len(events))
}

func writeSessions(w io.Writer, sessions []store.SessionSummary) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions found.")
		return
	}
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\n", s.SessionID)
		fmt.Fprintf(w, "  %s - %s\n", s.FirstAt.Format("2006-01-02 15:04:05"), s.LastAt.Format("15:04:05"))
		fmt.Fprintf(w, "  Events: %d (%d joins, %d leaves, %d locations), last seq %d\n",
			s.Events, s.Joins, s.Leaves, s.Locations, s.LastSeq)
	}
}
