// Package cmd provides CLI command implementations for evalprof.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/go-kit/log"

	"github.com/Benny93/evalprof/internal/config"
	"github.com/Benny93/evalprof/internal/flamegraph"
	"github.com/Benny93/evalprof/internal/ingestion"
	"github.com/Benny93/evalprof/internal/logging"
	"github.com/Benny93/evalprof/internal/report"
	"github.com/Benny93/evalprof/internal/storage"
	"github.com/Benny93/evalprof/mcp"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Output formats for flame graphs.
const (
	formatJSON    = "json"
	formatFolded  = "folded"
	formatSummary = "summary"
)

// Globals are the flags shared by every command.
type Globals struct {
	Verbose     bool          `short:"v" help:"Enable verbose output"`
	Quiet       bool          `short:"q" help:"Suppress non-essential output"`
	DataDir     string        `type:"path" env:"EVALPROF_DATA_DIR" help:"Directory holding stored profiles (default ~/.evalprof)"`
	Granularity string        `enum:"stage,query" default:"stage" help:"Level-one flame graph frames: one per stage or one per query"`
	MaxRows     int           `default:"20" help:"Default number of predicates in tables (0 for all)"`
	Debounce    time.Duration `default:"500ms" help:"Quiet period before a changed log is profiled again"`

	stdout io.Writer
	stderr io.Writer
}

// Config resolves the flags into a validated configuration.
func (g *Globals) Config() (config.Config, error) {
	cfg := config.Default()
	if g.DataDir != "" {
		cfg.DataDir = g.DataDir
	}
	if g.Granularity != "" {
		cfg.Granularity = flamegraph.Granularity(g.Granularity)
	}
	cfg.Top = g.MaxRows
	cfg.Debounce = g.Debounce
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Logger returns the diagnostics logger, writing to stderr.
func (g *Globals) Logger() log.Logger {
	return logging.New(g.errOut(), g.Verbose, g.Quiet)
}

func (g *Globals) out() io.Writer {
	if g.stdout == nil {
		return os.Stdout
	}
	return g.stdout
}

func (g *Globals) errOut() io.Writer {
	if g.stderr == nil {
		return os.Stderr
	}
	return g.stderr
}

// status prints a success line unless quiet.
func (g *Globals) status(format string, args ...any) {
	if g.Quiet {
		return
	}
	color.New(color.FgGreen).Fprintf(g.errOut(), format+"\n", args...)
}

func (g *Globals) warn(format string, args ...any) {
	color.New(color.FgYellow).Fprintf(g.errOut(), format+"\n", args...)
}

func (g *Globals) options(cfg config.Config) ingestion.Options {
	return ingestion.Options{Granularity: cfg.Granularity, Logger: g.Logger()}
}

// FlamegraphCmd profiles an evaluation log and prints its flame graph.
type FlamegraphCmd struct {
	Log     string `arg:"" type:"existingfile" help:"Evaluation log to profile"`
	Output  string `short:"o" type:"path" help:"Write the flame graph to this file instead of stdout"`
	Format  string `short:"f" enum:"json,folded" default:"json" help:"Output format (json|folded)"`
	NoStore bool   `help:"Do not save the profile"`
}

// Run executes the flamegraph command.
func (c *FlamegraphCmd) Run(g *Globals) error {
	ctx := context.Background()
	cfg, err := g.Config()
	if err != nil {
		return err
	}

	var store storage.ProfileStore
	if !c.NoStore {
		backend, err := openStore(cfg, false)
		if err != nil {
			return err
		}
		defer func() { _ = backend.Close() }()
		store = backend
	}

	result, err := ingestion.RunPipeline(ctx, c.Log, store, g.options(cfg), nil)
	if err != nil {
		return fmt.Errorf("profiling %s: %w", c.Log, err)
	}

	w := g.out()
	if c.Output != "" {
		f, err := os.Create(c.Output)
		if err != nil {
			return fmt.Errorf("creating %s: %w", c.Output, err)
		}
		defer f.Close()
		w = f
	}

	if err := writeFlamegraph(w, result.Profile.Flamegraph, c.Format); err != nil {
		return err
	}

	if !result.Profile.EvaluationSeen {
		g.warn("No predicate evaluation found in %s", c.Log)
	}
	g.status("✓ Profiled %s: %s tuples in %.2fs", c.Log, humanize.Comma(result.Profile.TotalTuples), result.DurationSecs)
	if store != nil {
		g.status("  Profile ID: %s", result.Profile.ID)
	}
	return nil
}

// StructureCmd prints the structured view of an evaluation log.
type StructureCmd struct {
	Log string `arg:"" type:"existingfile" help:"Evaluation log to inspect"`
}

// Run executes the structure command.
func (c *StructureCmd) Run(g *Globals) error {
	cfg, err := g.Config()
	if err != nil {
		return err
	}

	result, err := ingestion.RunPipeline(context.Background(), c.Log, nil, g.options(cfg), nil)
	if err != nil {
		return fmt.Errorf("reading %s: %w", c.Log, err)
	}

	return report.Render(g.out(), report.Convert(result.LogFile, result.Profile.LogPath, g.Logger()))
}

// TopCmd prints the most expensive predicates of an evaluation log.
type TopCmd struct {
	Log   string `arg:"" type:"existingfile" help:"Evaluation log to inspect"`
	Limit int    `short:"n" help:"Maximum predicates (default --max-rows, 0 for all)" default:"-1"`
}

// Run executes the top command.
func (c *TopCmd) Run(g *Globals) error {
	cfg, err := g.Config()
	if err != nil {
		return err
	}

	result, err := ingestion.RunPipeline(context.Background(), c.Log, nil, g.options(cfg), nil)
	if err != nil {
		return fmt.Errorf("reading %s: %w", c.Log, err)
	}

	limit := c.Limit
	if limit < 0 {
		limit = cfg.Top
	}
	return report.PredicateTable(g.out(), report.TopPredicates(result.LogFile, limit))
}

// ScanCmd profiles every log below a directory.
type ScanCmd struct {
	Path string `arg:"" optional:"" default:"." type:"path" help:"Directory to search for logs"`
}

// Run executes the scan command.
func (c *ScanCmd) Run(g *Globals) error {
	ctx := context.Background()
	cfg, err := g.Config()
	if err != nil {
		return err
	}

	patterns, err := ingestion.LoadGitignore(c.Path)
	if err != nil {
		g.warn("Ignoring unreadable .gitignore: %v", err)
	}
	entries, err := ingestion.FindLogs(c.Path, patterns)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintf(g.out(), "No logs found in %s\n", c.Path)
		return nil
	}

	store, err := openStore(cfg, false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	failed := 0
	for _, entry := range entries {
		result, err := ingestion.RunPipeline(ctx, entry.Path, store, g.options(cfg), nil)
		if err != nil {
			failed++
			g.warn("  %s: %v", entry.RelPath, err)
			continue
		}
		fmt.Fprintf(g.out(), "%s  %-40s %12s tuples  (%s)\n",
			shortID(result.Profile.ID), entry.RelPath, humanize.Comma(result.Profile.TotalTuples), humanize.Bytes(uint64(entry.Size)))
	}

	g.status("✓ Profiled %d of %d log(s)", len(entries)-failed, len(entries))
	if failed > 0 {
		return fmt.Errorf("%d log(s) could not be profiled", failed)
	}
	return nil
}

// ProfilesCmd lists stored profiles.
type ProfilesCmd struct{}

// Run executes the profiles command.
func (c *ProfilesCmd) Run(g *Globals) error {
	store, err := loadStorage(g)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	profiles, err := store.ListProfiles(context.Background())
	if err != nil {
		return fmt.Errorf("listing profiles: %w", err)
	}

	w := g.out()
	if len(profiles) == 0 {
		fmt.Fprintln(w, "No profiles stored")
		return nil
	}

	fmt.Fprintln(w, "Stored profiles:")
	for _, p := range profiles {
		fmt.Fprintf(w, "\n  %s\n", shortID(p.ID))
		fmt.Fprintf(w, "    Log:         %s\n", p.LogPath)
		fmt.Fprintf(w, "    Queries:     %d (%d stages)\n", p.Queries, p.Stages)
		fmt.Fprintf(w, "    Tuples:      %s\n", humanize.Comma(p.TotalTuples))
		fmt.Fprintf(w, "    Granularity: %s\n", p.Granularity)
		fmt.Fprintf(w, "    Profiled:    %s\n", p.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

// ShowCmd prints a stored profile.
type ShowCmd struct {
	ID     string `arg:"" help:"Profile ID or unique prefix"`
	Format string `short:"f" enum:"summary,json,folded" default:"summary" help:"Output format (summary|json|folded)"`
}

// Run executes the show command.
func (c *ShowCmd) Run(g *Globals) error {
	store, err := loadStorage(g)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	p, err := storage.FindProfile(context.Background(), store, c.ID)
	if err != nil {
		return err
	}

	if c.Format != formatSummary {
		return writeFlamegraph(g.out(), p.Flamegraph, c.Format)
	}

	w := g.out()
	fmt.Fprintf(w, "## Profile %s\n\n", p.ID)
	fmt.Fprintf(w, "**Log:** %s\n", p.LogPath)
	fmt.Fprintf(w, "**Profiled:** %s\n", p.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "**Total tuples:** %s\n\n", humanize.Comma(p.TotalTuples))

	if p.Flamegraph != nil {
		fmt.Fprintf(w, "### Frames (%s)\n", p.Granularity)
		for _, child := range p.Flamegraph.Children {
			fmt.Fprintf(w, "- %s: %s tuples\n", child.Name, humanize.Comma(child.Value))
		}
	}

	if len(p.Predicates) > 0 {
		cfg, err := g.Config()
		if err != nil {
			return err
		}
		preds := p.Predicates
		if cfg.Top > 0 && len(preds) > cfg.Top {
			preds = preds[:cfg.Top]
		}
		fmt.Fprintf(w, "\n### Top predicates\n")
		for i, pred := range preds {
			fmt.Fprintf(w, "%d. %s (%s): %s tuples\n", i+1, pred.Name, pred.Query, humanize.Comma(pred.Tuples))
		}
	}
	return nil
}

// SearchCmd searches stored predicates by name.
type SearchCmd struct {
	Query string `arg:"" help:"Search text"`
	Limit int    `short:"n" default:"20" help:"Maximum results"`
}

// Run executes the search command.
func (c *SearchCmd) Run(g *Globals) error {
	store, err := loadStorage(g)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	results, err := store.SearchPredicates(context.Background(), c.Query, c.Limit)
	if err != nil {
		return fmt.Errorf("searching: %w", err)
	}

	w := g.out()
	if len(results) == 0 {
		fmt.Fprintln(w, "No results found")
		return nil
	}

	for i, r := range results {
		fmt.Fprintf(w, "\n%d. %s (%s)\n", i+1, r.Predicate.Name, r.Predicate.Query)
		fmt.Fprintf(w, "   Profile: %s %s\n", shortID(r.ProfileID), r.LogPath)
		fmt.Fprintf(w, "   Tuples:  %s\n", humanize.Comma(r.Predicate.Tuples))
		fmt.Fprintf(w, "   Score:   %.0f\n", r.Score)
	}
	return nil
}

// WatchCmd re-profiles logs whenever they change.
type WatchCmd struct {
	Path string `arg:"" optional:"" default:"." type:"path" help:"Log file or directory to watch"`
}

// Run executes the watch command.
func (c *WatchCmd) Run(g *Globals) error {
	cfg, err := g.Config()
	if err != nil {
		return err
	}

	store, err := openStore(cfg, false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle Ctrl+C
	go func() {
		<-osSignalChannel()
		cancel()
	}()

	fmt.Fprintf(g.out(), "## Watch Mode\nWatching %s for changes (Ctrl+C to stop)\n\n", c.Path)

	err = ingestion.WatchLogs(ctx, c.Path, store, ingestion.WatchOptions{
		Options:  g.options(cfg),
		Debounce: cfg.Debounce,
		OnProfile: func(result *ingestion.PipelineResult) {
			fmt.Fprintf(g.out(), "%s  %s  %s tuples\n",
				shortID(result.Profile.ID), result.Profile.LogPath, humanize.Comma(result.Profile.TotalTuples))
		},
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("watch error: %w", err)
	}

	fmt.Fprintln(g.out(), "Watch mode stopped.")
	return nil
}

// ServeCmd starts the MCP server on stdio.
type ServeCmd struct {
	Watch string `short:"w" type:"path" help:"Also re-profile logs changing under this path"`
}

// Run executes the serve command.
func (c *ServeCmd) Run(g *Globals) error {
	cfg, err := g.Config()
	if err != nil {
		return err
	}

	store, err := openStore(cfg, false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := g.Logger()
	mcp.ServerVersion = Version
	server := mcp.NewServer(store, mcp.WithGranularity(cfg.Granularity), mcp.WithLogger(logger))

	if c.Watch != "" {
		go func() {
			err := ingestion.WatchLogs(ctx, c.Watch, store, ingestion.WatchOptions{
				Options:  ingestion.Options{Granularity: cfg.Granularity, Logger: logger},
				Debounce: cfg.Debounce,
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				fmt.Fprintf(g.errOut(), "Watch error: %v\n", err)
			}
		}()
	}

	// Note: No output to stdout - MCP server uses stdio for JSON-RPC only
	return server.Run(ctx, os.Stdin, g.out())
}

// CleanCmd deletes all stored profiles.
type CleanCmd struct {
	Force bool `short:"f" help:"Skip confirmation"`

	stdin io.Reader
}

// Run executes the clean command.
func (c *CleanCmd) Run(g *Globals) error {
	cfg, err := g.Config()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfg.DataDir); os.IsNotExist(err) {
		return fmt.Errorf("no profiles found at %s. Nothing to clean", cfg.DataDir)
	}

	if !c.Force {
		in := c.stdin
		if in == nil {
			in = os.Stdin
		}
		fmt.Fprintf(g.out(), "Delete all profiles in %s? [y/N] ", cfg.DataDir)
		var response string
		_, _ = fmt.Fscanln(in, &response)
		if response != "y" && response != "Y" {
			fmt.Fprintln(g.out(), "Aborted")
			return nil
		}
	}

	if err := os.RemoveAll(cfg.DataDir); err != nil {
		return fmt.Errorf("deleting profiles: %w", err)
	}

	g.status("Deleted %s", cfg.DataDir)
	return nil
}

// Helper functions

// osSignalChannel returns a channel that receives OS signals for graceful shutdown.
func osSignalChannel() <-chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	return sigChan
}

// openStore opens the profile database, creating the data directory when
// writable.
func openStore(cfg config.Config, readOnly bool) (*storage.BadgerBackend, error) {
	if !readOnly {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	store := storage.NewBadgerBackend()
	if err := store.Initialize(cfg.DBPath(), readOnly); err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	return store, nil
}

// loadStorage opens an existing profile database read-only.
func loadStorage(g *Globals) (*storage.BadgerBackend, error) {
	cfg, err := g.Config()
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(cfg.DBPath()); os.IsNotExist(err) {
		return nil, fmt.Errorf("no profiles found at %s. Run 'evalprof flamegraph <log>' first", cfg.DataDir)
	}
	return openStore(cfg, true)
}

func writeFlamegraph(w io.Writer, root *flamegraph.Node, format string) error {
	switch format {
	case formatFolded:
		return flamegraph.WriteFolded(w, root)
	case formatJSON, "":
		data, err := json.MarshalIndent(root, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding flame graph: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	default:
		return fmt.Errorf("unknown format: %s", format)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// CLI is the root Kong command structure.
type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Show version information"`

	// Commands
	Flamegraph FlamegraphCmd `cmd:"" help:"Profile an evaluation log and print its flame graph"`
	Structure  StructureCmd  `cmd:"" help:"Show the query/stage/predicate structure of a log"`
	Top        TopCmd        `cmd:"" help:"Show the most expensive predicates of a log"`
	Scan       ScanCmd       `cmd:"" help:"Profile every log below a directory"`
	Profiles   ProfilesCmd   `cmd:"" help:"List stored profiles"`
	Show       ShowCmd       `cmd:"" help:"Show a stored profile"`
	Search     SearchCmd     `cmd:"" help:"Search stored predicates by name"`
	Watch      WatchCmd      `cmd:"" help:"Re-profile logs whenever they change"`
	Serve      ServeCmd      `cmd:"" help:"Start MCP server (stdio transport)"`
	Clean      CleanCmd      `cmd:"" help:"Delete all stored profiles"`
}

// NewCLI creates a new CLI instance.
func NewCLI() *CLI {
	return &CLI{}
}

// configPaths are the JSON files flag defaults are loaded from, later files
// first.
var configPaths = []string{"./.evalprof.json", "~/.evalprof.json"}

// Execute parses command-line arguments and executes the selected command.
func (c *CLI) Execute(args []string) error {
	parser, err := kong.New(c,
		kong.Name("evalprof"),
		kong.Description("Flame graphs and structure views for query evaluator logs"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact:             true,
			NoExpandSubcommands: true,
		}),
		kong.Configuration(kong.JSON, configPaths...),
		kong.Vars{
			"version": Version,
		},
	)
	if err != nil {
		return err
	}

	kongCtx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	return kongCtx.Run(&c.Globals)
}
