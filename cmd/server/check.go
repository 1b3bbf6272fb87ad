package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	persistlog "warpline.ai/internal/persistence/log"
	"warpline.ai/internal/sim/multiworld"
	"warpline.ai/internal/sim/relocate"
)

func checkCmd() *cobra.Command {
	var worlds string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a worlds config and print what it declares",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := multiworld.Load(worlds)
			if err != nil {
				return err
			}
			printConfig(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
	cmd.Flags().StringVar(&worlds, "worlds", "./configs/worlds.yaml", "worlds config (.yaml or .toml)")
	return cmd
}

func journalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "journal [file...]",
		Short: "Summarize relocation journal files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				st, err := os.Stat(path)
				if err != nil {
					return err
				}
				events, err := persistlog.ReadJournal(path)
				if err != nil {
					return err
				}
				printJournal(cmd.OutOrStdout(), path, uint64(st.Size()), events)
			}
			return nil
		},
	}
}

func printConfig(w io.Writer, cfg multiworld.Config) {
	fmt.Fprintf(w, "default world: %s  seed: %d\n", cfg.DefaultWorldID, cfg.Seed)
	for _, spec := range cfg.Worlds {
		side := 2 * spec.BoundaryR
		fmt.Fprintf(w, "  %-12s %-8s scale=%g boundary=%s blocks (%s columns) y=[%d,%d) entry=%s\n",
			spec.ID, spec.Arrival, spec.CoordinateScale,
			humanize.Comma(int64(spec.BoundaryR)),
			humanize.Comma(int64(side)*int64(side)),
			spec.MinY, spec.MaxY, spec.EntryPointID)
	}
	for _, r := range cfg.PortalRoutes {
		to := r.ToWorld
		if r.ToEntryID != "" {
			to += "@" + r.ToEntryID
		}
		fmt.Fprintf(w, "  route %s -> %s\n", r.FromWorld, to)
	}
	fmt.Fprintf(w, "runtime: %d Hz, loader %d chunks / %dms, request timeout %s\n",
		cfg.Runtime.TickRateHz, cfg.Runtime.LoaderBudget, cfg.Runtime.LoaderIntervalMs, cfg.RequestTimeout())
}

func printJournal(w io.Writer, path string, size uint64, events []relocate.Event) {
	sum := persistlog.Summarize(events)
	fmt.Fprintf(w, "%s: %s, %s events, %s relocations\n",
		path, humanize.Bytes(size), humanize.Comma(int64(sum.Events)), humanize.Comma(int64(len(sum.ByID))))
	if len(events) > 0 {
		first, last := events[0].At, events[len(events)-1].At
		fmt.Fprintf(w, "  span: %s .. %s (%s)\n", first.UTC().Format(time.RFC3339), last.UTC().Format(time.RFC3339), last.Sub(first).Round(time.Millisecond))
	}
	printCounts(w, "state", sum.ByState)
	printCounts(w, "outcome", sum.ByOutcome)
}

func printCounts(w io.Writer, label string, m map[string]int) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+humanize.Comma(int64(m[k])))
	}
	fmt.Fprintf(w, "  by %s: %s\n", label, strings.Join(parts, " "))
}
