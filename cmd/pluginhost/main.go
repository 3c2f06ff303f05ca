// Package main is the pluginhost command line entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/stencilworks/pluginhost/internal/config"
	"github.com/stencilworks/pluginhost/internal/discovery"
	"github.com/stencilworks/pluginhost/internal/resolver"
	"github.com/stencilworks/pluginhost/internal/runtime"
	"github.com/stencilworks/pluginhost/internal/semver"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "pluginhost",
	Short: "Plugin runtime host",
	Long:  "pluginhost discovers, resolves, and runs sandboxed plugins from configured search paths.",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Load all plugins and serve until interrupted",
	RunE:  runHost,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List discovered plugins and their resolution status",
	RunE:  listPlugins,
}

var validateCmd = &cobra.Command{
	Use:   "validate [dir]",
	Short: "Validate plugin manifests under the search paths or a directory",
	Args:  cobra.MaximumNArgs(1),
	RunE:  validateManifests,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pluginhost %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	rootCmd.AddCommand(runCmd, listCmd, validateCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", cfg.Log.Level)
	}

	var zc zap.Config
	if cfg.Log.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func runHost(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := context.Background()
	rt := runtime.New(cfg, logger)

	if err := rt.Initialize(ctx); err != nil {
		logger.Warn("discovery reported problems", zap.Error(err))
	}
	if err := rt.LoadAll(ctx); err != nil {
		logger.Warn("some plugins failed to load", zap.Error(err))
	}

	printStateTable(rt)

	stats := rt.Statistics()
	logger.Info("host ready",
		zap.Int("plugins", stats.Registered),
		zap.Int("hooks", stats.Hooks),
		zap.Int("filters", stats.Filters))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	return rt.Shutdown(ctx)
}

func printStateTable(rt *runtime.Runtime) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Plugin", "Version", "State", "Error"})
	table.SetBorder(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, m := range rt.Registry().List(nil) {
		state := "discovered"
		if st, ok := rt.Manager().State(m.ID); ok {
			state = st.String()
		}
		errText := ""
		if err := rt.Manager().Err(m.ID); err != nil {
			errText = err.Error()
			if len(errText) > 60 {
				errText = errText[:57] + "..."
			}
		}
		table.Append([]string{m.ID, m.Version, state, errText})
	}
	table.Render()
}

func listPlugins(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	scanner := discovery.NewScanner(logger, cfg.Plugins.Paths...)
	found, scanErr := scanner.Scan()
	if scanErr != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", scanErr)
	}
	if len(found) == 0 {
		fmt.Println("No plugins found.")
		return nil
	}

	// Dry-run resolution so the listing shows what would load.
	plan := dryResolve(cfg, found)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"#", "Plugin", "Version", "Status", "Directory"})
	table.SetBorder(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	position := make(map[string]int, len(plan.Order))
	for i, id := range plan.Order {
		position[id] = i + 1
	}

	for _, f := range found {
		id := f.Manifest.ID
		pos := ""
		status := "ok"
		if p, ok := position[id]; ok {
			pos = fmt.Sprintf("%d", p)
		} else if err, failed := plan.Failed[id]; failed {
			status = err.Error()
			if len(status) > 50 {
				status = status[:47] + "..."
			}
		}
		table.Append([]string{pos, id, f.Manifest.Version, status, f.Dir})
	}
	table.Render()
	return nil
}

func dryResolve(cfg *config.Config, found []discovery.Found) resolver.Plan {
	rt := runtime.New(cfg, nil)
	for _, f := range found {
		_ = rt.RegisterManifest(f.Manifest)
	}

	opts := resolver.Options{}
	if v, err := semver.Parse(cfg.Host.Version); err == nil {
		opts.HostVersion = &v
	}
	plan, _ := resolver.Resolve(rt.Registry().Snapshot(), nil, opts)
	return plan
}

func validateManifests(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	paths := cfg.Plugins.Paths
	if len(args) == 1 {
		paths = []string{args[0]}
	}

	scanner := discovery.NewScanner(zap.NewNop(), paths...)
	found, scanErr := scanner.Scan()

	ids := make([]string, 0, len(found))
	for _, f := range found {
		ids = append(ids, f.Manifest.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("ok\t%s\n", id)
	}

	if scanErr != nil {
		fmt.Fprintf(os.Stderr, "invalid manifests:\n%v\n", scanErr)
		return fmt.Errorf("%d valid, some manifests failed validation", len(found))
	}
	fmt.Printf("%d manifests valid\n", len(found))
	return nil
}
