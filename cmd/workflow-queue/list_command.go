package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"workflowqueue/internal/faults"
	"workflowqueue/internal/queue"
)

const (
	minListLimit     = 1
	maxListLimit     = 100
	minWatchInterval = 1
	maxWatchInterval = 60
	displayTimeFmt   = "2006-01-02 15:04:05"
	clearScreen      = "\033[H\033[2J"
)

// listColumn projects one entry field into a table cell.
type listColumn struct {
	name  string
	align columnAlignment
	value func(*queue.Entry) string
}

var listColumns = []listColumn{
	{"key", alignLeft, func(e *queue.Entry) string { return e.Key }},
	{"workflow_id", alignLeft, func(e *queue.Entry) string { return e.WorkflowID }},
	{"status", alignLeft, func(e *queue.Entry) string { return string(e.Status) }},
	{"committed_at", alignLeft, func(e *queue.Entry) string { return formatTimestamp(e.CommittedAt) }},
	{"commit", alignLeft, func(e *queue.Entry) string { return shortCommit(e.Commit) }},
	{"branch", alignLeft, func(e *queue.Entry) string { return e.Branch }},
	{"username", alignLeft, func(e *queue.Entry) string { return e.Username }},
	{"build_num", alignRight, func(e *queue.Entry) string { return strconv.FormatInt(e.BuildNum, 10) }},
	{"created_at", alignLeft, func(e *queue.Entry) string { return formatTimestamp(e.CreatedAt) }},
	{"acquired_at", alignLeft, func(e *queue.Entry) string { return formatOptionalTimestamp(e.AcquiredAt) }},
	{"released_at", alignLeft, func(e *queue.Entry) string { return formatOptionalTimestamp(e.ReleasedAt) }},
	{"expires_at", alignLeft, func(e *queue.Entry) string { return formatTimestamp(e.ExpiresAt) }},
}

var defaultListColumns = []string{"workflow_id", "status", "committed_at", "commit", "branch", "username"}

type listOptions struct {
	key      string
	columns  []listColumn
	statuses []queue.Status
	limit    int
	watch    bool
	interval time.Duration
	quiet    bool
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var (
		keyFlag     string
		columnsFlag string
		statusFlag  string
		limitFlag   int
		watchFlag   bool
		intervalSec int
		quietFlag   bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue entries for a partition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := parseListOptions(columnsFlag, statusFlag, limitFlag, intervalSec)
			if err != nil {
				return usageError(cmd, err)
			}
			opts.watch = watchFlag
			opts.quiet = quietFlag
			opts.key, err = ctx.requirePartition(keyFlag)
			if err != nil {
				return err
			}

			store, err := ctx.openStore(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !opts.watch {
				return renderList(cmd.Context(), store, out, opts)
			}
			return watchList(cmd.Context(), store, out, opts)
		},
	}

	cmd.Flags().StringVar(&keyFlag, "key", "", "Partition key (defaults to queue.key)")
	cmd.Flags().StringVar(&columnsFlag, "columns", strings.Join(defaultListColumns, ","), "Comma-separated columns, or all")
	cmd.Flags().StringVar(&statusFlag, "status", "QUEUED,RUNNING", "Comma-separated statuses, or all")
	cmd.Flags().IntVar(&limitFlag, "limit", maxListLimit, "Maximum entries to show (1-100)")
	cmd.Flags().BoolVar(&watchFlag, "watch", false, "Redraw the table until interrupted")
	cmd.Flags().IntVar(&intervalSec, "interval", 5, "Watch refresh interval in seconds (1-60)")
	cmd.Flags().BoolVarP(&quietFlag, "quiet", "q", false, "Omit header and borders")
	return cmd
}

func parseListOptions(columns, statuses string, limit, intervalSec int) (listOptions, error) {
	var opts listOptions
	cols, err := parseColumns(columns)
	if err != nil {
		return opts, err
	}
	sts, err := parseStatuses(statuses)
	if err != nil {
		return opts, err
	}
	if limit < minListLimit || limit > maxListLimit {
		return opts, validationErr("--limit must be between %d and %d (got %d)", minListLimit, maxListLimit, limit)
	}
	if intervalSec < minWatchInterval || intervalSec > maxWatchInterval {
		return opts, validationErr("--interval must be between %d and %d (got %d)", minWatchInterval, maxWatchInterval, intervalSec)
	}
	opts.columns = cols
	opts.statuses = sts
	opts.limit = limit
	opts.interval = time.Duration(intervalSec) * time.Second
	return opts, nil
}

func parseColumns(value string) ([]listColumn, error) {
	if strings.EqualFold(strings.TrimSpace(value), "all") {
		return listColumns, nil
	}
	var cols []listColumn
	seen := map[string]bool{}
	for _, raw := range strings.Split(value, ",") {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" || seen[name] {
			continue
		}
		col, ok := lookupColumn(name)
		if !ok {
			return nil, validationErr("unknown column %q (valid: %s)", raw, strings.Join(columnNames(), ", "))
		}
		seen[name] = true
		cols = append(cols, col)
	}
	if len(cols) == 0 {
		return nil, validationErr("--columns must name at least one column")
	}
	return cols, nil
}

func parseStatuses(value string) ([]queue.Status, error) {
	if strings.EqualFold(strings.TrimSpace(value), "all") {
		return queue.AllStatuses(), nil
	}
	var statuses []queue.Status
	seen := map[queue.Status]bool{}
	for _, raw := range strings.Split(value, ",") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		status, ok := queue.ParseStatus(raw)
		if !ok {
			return nil, validationErr("unknown status %q (valid: QUEUED, RUNNING, SUCCESS, FAILED, CANCELLED)", raw)
		}
		if !seen[status] {
			seen[status] = true
			statuses = append(statuses, status)
		}
	}
	if len(statuses) == 0 {
		return nil, validationErr("--status must name at least one status")
	}
	return statuses, nil
}

func lookupColumn(name string) (listColumn, bool) {
	for _, col := range listColumns {
		if col.name == name {
			return col, true
		}
	}
	return listColumn{}, false
}

func columnNames() []string {
	names := make([]string, len(listColumns))
	for i, col := range listColumns {
		names[i] = col.name
	}
	return names
}

func renderList(ctx context.Context, store queue.Store, out io.Writer, opts listOptions) error {
	entries, err := store.QueryByPartition(ctx, opts.key, opts.statuses, opts.limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		if !opts.quiet {
			fmt.Fprintf(out, "No entries in partition %s\n", opts.key)
		}
		return nil
	}
	fmt.Fprint(out, renderTable(listHeaders(opts.columns), buildListRows(entries, opts.columns), listAligns(opts.columns), opts.quiet))
	return nil
}

func watchList(ctx context.Context, store queue.Store, out io.Writer, opts listOptions) error {
	clearFrames := isTerminal(out)
	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()
	for {
		if clearFrames {
			fmt.Fprint(out, clearScreen)
		}
		if err := renderList(ctx, store, out, opts); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func listHeaders(cols []listColumn) []string {
	headers := make([]string, len(cols))
	for i, col := range cols {
		headers[i] = columnHeader(col.name)
	}
	return headers
}

func listAligns(cols []listColumn) []columnAlignment {
	aligns := make([]columnAlignment, len(cols))
	for i, col := range cols {
		aligns[i] = col.align
	}
	return aligns
}

func buildListRows(entries []*queue.Entry, cols []listColumn) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		row := make([]string, len(cols))
		for i, col := range cols {
			row[i] = col.value(entry)
		}
		rows = append(rows, row)
	}
	return rows
}

func formatTimestamp(epoch int64) string {
	if epoch <= 0 {
		return "-"
	}
	return time.Unix(epoch, 0).UTC().Format(displayTimeFmt)
}

func formatOptionalTimestamp(epoch *int64) string {
	if epoch == nil {
		return "-"
	}
	return formatTimestamp(*epoch)
}

func shortCommit(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func validationErr(format string, args ...any) error {
	return faults.Wrap(faults.ErrValidation, "cli", "", fmt.Sprintf(format, args...), nil)
}
