package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/tvsync/internal/aggregate"
	"github.com/agentworkforce/tvsync/internal/tv"
)

var (
	noticeColor  = color.New(color.FgYellow)
	failureColor = color.New(color.FgRed)
)

func (a *app) runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep the local view in sync until interrupted",
		Long: `Run starts connectivity detection, replays queued changes whenever the API
becomes reachable and follows push events. Each settled state change is
printed as one line.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := a.open(ctx, true)
			if err != nil {
				return err
			}
			defer closeClient(c, cmd.ErrOrStderr())
			return followChanges(ctx, c.Aggregator.Changes(), cmd.OutOrStdout())
		},
	}
}

func followChanges(ctx context.Context, changes <-chan aggregate.State, w io.Writer) error {
	var lastLine, lastNotice, lastError string
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-changes:
			if !ok {
				return nil
			}
			if s.Loading {
				continue
			}
			if s.OfflineNotice != "" && s.OfflineNotice != lastNotice {
				noticeColor.Fprintln(w, s.OfflineNotice)
			}
			lastNotice = s.OfflineNotice
			if s.RequestError != "" && s.RequestError != lastError {
				failureColor.Fprintf(w, "request failed: %s\n", s.RequestError)
			}
			lastError = s.RequestError
			line := stateLine(s)
			if line != lastLine {
				fmt.Fprintln(w, line)
				lastLine = line
			}
		}
	}
}

func stateLine(s aggregate.State) string {
	status := "offline"
	if s.Online {
		status = "online"
	}
	return fmt.Sprintf("%s: %d records, page %d/%d", status, len(s.Visible()), s.Page, s.VisibleTotalPages())
}

func (a *app) listCommand() *cobra.Command {
	var (
		search    string
		filters   tv.Filters
		pages     int
		showLocal bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List TV records",
		Long: `List fetches records from the API. A search wins over the structured
filters. While offline only the records held locally are searched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch filters.Type {
			case "", tv.TypeAll, tv.TypeSmart, tv.TypeNonSmart:
			default:
				return fmt.Errorf("--type must be %s, %s or %s", tv.TypeAll, tv.TypeSmart, tv.TypeNonSmart)
			}
			ctx := cmd.Context()
			c, err := a.open(ctx, true)
			if err != nil {
				return err
			}
			defer closeClient(c, cmd.ErrOrStderr())

			var query *tv.Filters
			if !filters.IsZero() {
				query = &filters
			}
			c.Aggregator.SetQuery(search, query)
			state, err := c.WaitLoaded(ctx)
			if err != nil {
				return err
			}
			for loaded := 1; loaded < pages && state.CanLoadMore(); loaded++ {
				c.Aggregator.LoadMore()
				if state, err = c.WaitLoaded(ctx); err != nil {
					return err
				}
			}
			if state.RequestError != "" {
				return fmt.Errorf("list failed: %s", state.RequestError)
			}

			records := state.Visible()
			if showLocal {
				upserts, _, err := c.Pending(ctx)
				if err != nil {
					return err
				}
				for _, r := range upserts {
					if !state.Has(r.ID) && tv.MatchesSearch(r, search) {
						records = append(records, r)
					}
				}
			}
			if a.jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"online":     state.Online,
					"page":       state.Page,
					"totalPages": state.VisibleTotalPages(),
					"items":      records,
				})
			}
			if !state.Online {
				fmt.Fprintln(cmd.OutOrStdout(), "offline: showing locally held records")
			}
			printRecordsTable(cmd.OutOrStdout(), records)
			return nil
		},
	}
	cmd.Flags().StringVarP(&search, "search", "s", "", "case-insensitive text search")
	cmd.Flags().StringVar(&filters.StartDate, "from", "", "earliest fabrication date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&filters.EndDate, "to", "", "latest fabrication date (YYYY-MM-DD)")
	cmd.Flags().StringVarP(&filters.Type, "type", "t", "", "all, smart or nonSmart")
	cmd.Flags().IntVar(&pages, "pages", 1, "number of pages to load")
	cmd.Flags().BoolVar(&showLocal, "include-queued", false, "also show queued records not yet on the server")
	return cmd
}

func (a *app) getCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one record from the API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.open(ctx, true)
			if err != nil {
				return err
			}
			defer closeClient(c, cmd.ErrOrStderr())
			r, err := c.Gateway.Get(ctx, args[0])
			if err != nil {
				return err
			}
			return a.printRecord(cmd.OutOrStdout(), r)
		},
	}
}

func (a *app) saveCommand() *cobra.Command {
	var (
		r        tv.Record
		lat, lng float64
		file     string
	)
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Create or update a record",
		Long: `Save creates a record when --id is empty and updates it otherwise. An update
must carry the version it was read at. While offline the change is queued.

The record can also be read as JSON from --file ("-" for stdin).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			record := r
			if file != "" {
				loaded, err := readRecordFile(file, cmd.InOrStdin())
				if err != nil {
					return err
				}
				record = loaded
			} else {
				if cmd.Flags().Changed("lat") {
					record.Lat = &lat
				}
				if cmd.Flags().Changed("lng") {
					record.Lng = &lng
				}
			}
			ctx := cmd.Context()
			c, err := a.open(ctx, true)
			if err != nil {
				return err
			}
			defer closeClient(c, cmd.ErrOrStderr())

			res, err := c.Save(ctx, record)
			if err != nil {
				return err
			}
			if res.Notice != "" {
				noticeColor.Fprintln(cmd.ErrOrStderr(), res.Notice)
			}
			return a.printRecord(cmd.OutOrStdout(), res.Record)
		},
	}
	cmd.Flags().StringVar(&r.ID, "id", "", "id of the record to update")
	cmd.Flags().IntVar(&r.Version, "version", 0, "version the record was read at")
	cmd.Flags().StringVar(&r.Manufacturer, "manufacturer", "", "manufacturer")
	cmd.Flags().StringVar(&r.Model, "model", "", "model")
	cmd.Flags().StringVar(&r.FabricationDate, "fabrication-date", "", "fabrication date (YYYY-MM-DD)")
	cmd.Flags().Float64Var(&r.Price, "price", 0, "price")
	cmd.Flags().BoolVar(&r.IsSmart, "smart", false, "smart TV")
	cmd.Flags().StringVar(&r.Photo, "photo", "", "photo reference")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the record as JSON from this file")
	return cmd
}

func readRecordFile(path string, stdin io.Reader) (tv.Record, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return tv.Record{}, err
	}
	if err := tv.ValidateRecordJSON(data); err != nil {
		return tv.Record{}, err
	}
	var r tv.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return tv.Record{}, fmt.Errorf("%w: %v", tv.ErrInvalidInput, err)
	}
	return r, nil
}

func (a *app) deleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a record",
		Long:  "Delete removes the record on the API, or queues the deletion while offline.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.open(ctx, true)
			if err != nil {
				return err
			}
			defer closeClient(c, cmd.ErrOrStderr())
			res, err := c.Delete(ctx, args[0])
			if err != nil {
				return err
			}
			if res.Notice != "" {
				noticeColor.Fprintln(cmd.ErrOrStderr(), res.Notice)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func (a *app) flushCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Replay queued changes now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := a.open(ctx, true)
			if err != nil {
				return err
			}
			defer closeClient(c, cmd.ErrOrStderr())

			report, err := c.Flush(ctx)
			if err != nil {
				return err
			}
			if report.Coalesced {
				c.Engine.WaitIdle()
			}
			upserts, deletions, err := c.Pending(ctx)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"upserted":         report.Upserted,
					"deleted":          report.Deleted,
					"rejected":         report.Rejected,
					"kept":             report.Kept,
					"pendingUpserts":   len(upserts),
					"pendingDeletions": len(deletions),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d upserts and %d deletions, %d rejected\n", report.Upserted, report.Deleted, report.Rejected)
			fmt.Fprintf(cmd.OutOrStdout(), "still queued: %d upserts, %d deletions\n", len(upserts), len(deletions))
			return nil
		},
	}
}

func (a *app) pendingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Show queued changes without contacting the API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := a.open(ctx, false)
			if err != nil {
				return err
			}
			defer closeClient(c, cmd.ErrOrStderr())
			upserts, deletions, err := c.Pending(ctx)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{"upserts": upserts, "deletions": deletions})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "queued upserts: %d\n", len(upserts))
			printRecordsTable(out, upserts)
			fmt.Fprintf(out, "queued deletions: %d\n", len(deletions))
			if len(deletions) > 0 {
				fmt.Fprintln(out, strings.Join(deletions, "\n"))
			}
			return nil
		},
	}
}
