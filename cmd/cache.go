package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cwbudde/blackboxserve/internal/memo"
)

var (
	cacheBackend  string
	cacheDir      string
	keepLast      int
	olderThanDays int
	forceClean    bool
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the report cache",
	Long: `Inspect and manage a durable report cache (fs or sqlite backend).
The memory backend lives inside the server process; query it with "status" instead.`,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache entry count",
	RunE:  runCacheStats,
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached reports (fs backend)",
	RunE:  runCacheList,
}

var cacheShowCmd = &cobra.Command{
	Use:   "show <key-hash>",
	Short: "Print one cached report with its key",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheShow,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached report",
	RunE:  runCacheClear,
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove old cached reports (fs backend)",
	Long: `Delete cached reports based on retention policy.
You can keep only the N most recently updated reports or delete reports older than N days.`,
	RunE: runCachePrune,
}

func init() {
	rootCmd.AddCommand(cacheCmd)

	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheShowCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	cacheCmd.AddCommand(cachePruneCmd)

	cacheCmd.PersistentFlags().StringVar(&cacheBackend, "backend", "", "Cache backend (overrides config)")
	cacheCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "Cache directory (overrides config)")

	cacheClearCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")

	cachePruneCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the N most recent reports (0 = keep all)")
	cachePruneCmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Delete reports older than N days (0 = no age limit)")
	cachePruneCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
}

func openCache() (memo.Store, error) {
	backend, dir := cfg.Cache.Backend, cfg.Cache.Dir
	if cacheBackend != "" {
		backend = cacheBackend
	}
	if cacheDir != "" {
		dir = cacheDir
	}
	if backend == "" || backend == memo.BackendMemory {
		return nil, errors.New("the memory backend is process-local; pass --backend fs or sqlite")
	}
	dbPath := cfg.Cache.DBPath
	if cacheDir != "" {
		dbPath = ""
	}
	return memo.Open(backend, dir, dbPath)
}

func openFSCache() (*memo.FSStore, error) {
	store, err := openCache()
	if err != nil {
		return nil, err
	}
	fsStore, ok := store.(*memo.FSStore)
	if !ok {
		store.Close()
		return nil, errors.New("this command requires the fs backend")
	}
	return fsStore, nil
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	store, err := openCache()
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Backend: %s\n", stats.Backend)
	fmt.Printf("Entries: %d\n", stats.Entries)
	return nil
}

func runCacheList(cmd *cobra.Command, args []string) error {
	store, err := openFSCache()
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.ListEntries()
	if err != nil {
		return fmt.Errorf("failed to list cache entries: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("No cached reports found.")
		return nil
	}
	sortByUpdated(entries)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tFUNC\tDIM\tEVALS\tUPDATED\tSIZE")
	fmt.Fprintln(w, "---\t----\t---\t-----\t-------\t----")

	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%g\t%s\t%s\n",
			e.KeyHash[:12],
			e.Key.FuncName,
			e.Key.Dimensions,
			e.Key.Evals,
			humanize.Time(e.UpdatedAt),
			humanize.Bytes(uint64(len(e.Report))),
		)
	}
	w.Flush()

	fmt.Printf("\nTotal reports: %d\n", len(entries))
	return nil
}

func runCacheShow(cmd *cobra.Command, args []string) error {
	store, err := openCache()
	if err != nil {
		return err
	}
	defer store.Close()

	entry, err := loadEntry(context.Background(), store, args[0])
	if err != nil {
		return err
	}
	return printEntry(os.Stdout, entry)
}

// loadEntry reads a full entry from a durable backend.
func loadEntry(ctx context.Context, store memo.Store, keyHash string) (*memo.Entry, error) {
	switch s := store.(type) {
	case *memo.FSStore:
		return s.LoadEntry(keyHash)
	case *memo.SQLiteStore:
		return s.LoadEntry(ctx, keyHash)
	default:
		return nil, fmt.Errorf("backend %T cannot load single entries", store)
	}
}

func printEntry(w io.Writer, e *memo.Entry) error {
	key, err := json.MarshalIndent(e.Key, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Key hash: %s\n", e.KeyHash)
	fmt.Fprintf(w, "Created:  %s (%s)\n", e.CreatedAt.Format(time.RFC3339), humanize.Time(e.CreatedAt))
	fmt.Fprintf(w, "Updated:  %s (%s)\n", e.UpdatedAt.Format(time.RFC3339), humanize.Time(e.UpdatedAt))
	fmt.Fprintf(w, "Key:\n%s\n\n", key)
	_, err = fmt.Fprintln(w, e.Report)
	return err
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	store, err := openCache()
	if err != nil {
		return err
	}
	defer store.Close()

	if !forceClean && !confirm("Remove every cached report?") {
		fmt.Println("Aborted.")
		return nil
	}
	if err := store.Clear(context.Background()); err != nil {
		return err
	}
	fmt.Println("Cache cleared.")
	return nil
}

func runCachePrune(cmd *cobra.Command, args []string) error {
	if keepLast == 0 && olderThanDays == 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}

	store, err := openFSCache()
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.ListEntries()
	if err != nil {
		return fmt.Errorf("failed to list cache entries: %w", err)
	}

	toDelete := selectEntriesForDeletion(entries, keepLast, olderThanDays, time.Now())
	if len(toDelete) == 0 {
		fmt.Println("No cached reports match deletion criteria.")
		return nil
	}

	fmt.Printf("Found %d report(s) to delete:\n", len(toDelete))
	for _, e := range toDelete {
		fmt.Printf("  - %s (%s, updated %s)\n", e.KeyHash[:12], e.Key.FuncName, humanize.Time(e.UpdatedAt))
	}

	if !forceClean && !confirm("\nProceed with deletion?") {
		fmt.Println("Aborted.")
		return nil
	}

	deleted, failed := 0, 0
	for _, e := range toDelete {
		if err := store.DeleteEntry(e.KeyHash); err != nil {
			slog.Error("Failed to delete cache entry", "key_hash", e.KeyHash, "error", err)
			failed++
			continue
		}
		slog.Info("Deleted cache entry", "key_hash", e.KeyHash)
		deleted++
	}

	fmt.Printf("\nDeleted %d report(s), %d failed.\n", deleted, failed)
	return nil
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	var response string
	fmt.Scanln(&response)
	return response == "y" || response == "Y"
}

// sortByUpdated orders entries oldest first.
func sortByUpdated(entries []*memo.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UpdatedAt.Before(entries[j].UpdatedAt)
	})
}

// selectEntriesForDeletion applies the retention policy: entries older than
// olderThanDays, plus the oldest entries beyond the keepLast most recent.
func selectEntriesForDeletion(entries []*memo.Entry, keepLast, olderThanDays int, now time.Time) []*memo.Entry {
	sorted := make([]*memo.Entry, len(entries))
	copy(sorted, entries)
	sortByUpdated(sorted)

	selected := make(map[string]bool)
	var toDelete []*memo.Entry
	mark := func(e *memo.Entry) {
		if !selected[e.KeyHash] {
			selected[e.KeyHash] = true
			toDelete = append(toDelete, e)
		}
	}

	if olderThanDays > 0 {
		cutoff := now.AddDate(0, 0, -olderThanDays)
		for _, e := range sorted {
			if e.UpdatedAt.Before(cutoff) {
				mark(e)
			}
		}
	}

	if keepLast > 0 && len(sorted) > keepLast {
		for _, e := range sorted[:len(sorted)-keepLast] {
			mark(e)
		}
	}

	return toDelete
}
