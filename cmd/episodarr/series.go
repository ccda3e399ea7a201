package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/amaumene/episodarr/internal/models"
)

func newSeriesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "series",
		Short: "Manage tracked series",
	}
	cmd.AddCommand(newSeriesAddCommand(a))
	cmd.AddCommand(newSeriesListCommand(a))
	return cmd
}

func newSeriesAddCommand(a *app) *cobra.Command {
	var (
		source   string
		feedURL  string
		savePath string
		season   int
		aliases  []string
		noScan   bool
	)

	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Track a new series",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := models.SeriesSource(source)
			if src != models.SourceTorrent && src != models.SourceVideo {
				return fmt.Errorf("unknown source %q, want torrent or video", source)
			}
			if feedURL == "" {
				return fmt.Errorf("--feed is required")
			}
			title := strings.TrimSpace(args[0])
			if savePath == "" {
				savePath = filepath.Join(a.cfg.MediaRoot, title)
			}

			db, err := models.NewDatabase(a.cfg.DatabaseFile)
			if err != nil {
				return fmt.Errorf("failed to open database (is the daemon running?): %w", err)
			}
			defer db.Close()

			series := &models.Series{
				Title:    title,
				Aliases:  aliases,
				Source:   src,
				FeedURL:  feedURL,
				SavePath: savePath,
				Season:   season,
				AutoScan: !noScan,
			}
			if err := db.CreateSeries(series); err != nil {
				return fmt.Errorf("failed to create series: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added series %d: %s\n", series.ID, series.Title)
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", string(models.SourceTorrent), "Episode source: torrent or video")
	cmd.Flags().StringVar(&feedURL, "feed", "", "RSS/Torznab feed URL")
	cmd.Flags().StringVar(&savePath, "save-path", "", "Output directory (default $MEDIA_ROOT/<title>)")
	cmd.Flags().IntVar(&season, "season", 1, "Season assumed when a title has none")
	cmd.Flags().StringSliceVar(&aliases, "alias", nil, "Alternative title (repeatable)")
	cmd.Flags().BoolVar(&noScan, "no-auto-scan", false, "Exclude the series from periodic scans")
	return cmd
}

func newSeriesListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tracked series",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := models.NewDatabase(a.cfg.DatabaseFile)
			if err != nil {
				return fmt.Errorf("failed to open database (is the daemon running?): %w", err)
			}
			defer db.Close()

			series, err := db.ListSeries()
			if err != nil {
				return fmt.Errorf("failed to list series: %w", err)
			}
			if len(series) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No series tracked")
				return nil
			}
			sort.Slice(series, func(i, j int) bool { return series[i].ID < series[j].ID })

			tw := table.NewWriter()
			tw.SetStyle(table.StyleRounded)
			tw.AppendHeader(table.Row{"ID", "Title", "Source", "Status", "Items", "Auto scan"})
			for _, s := range series {
				status := string(models.FlagWaiting)
				if flags, err := db.GetStatusFlags(s.ID); err == nil {
					status = flags.Status
				}
				items, err := db.ListMediaItems(s.ID)
				if err != nil {
					return fmt.Errorf("failed to list media items: %w", err)
				}
				completed := 0
				for _, item := range items {
					if item.Status == models.MediaCompleted {
						completed++
					}
				}
				tw.AppendRow(table.Row{
					s.ID,
					s.Title,
					s.Source,
					status,
					strconv.Itoa(completed) + "/" + strconv.Itoa(len(items)),
					s.AutoScan,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), tw.Render())
			return nil
		},
	}
}
