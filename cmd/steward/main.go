package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stewardproject/steward/pkg/config"
	"github.com/stewardproject/steward/pkg/control"
	"github.com/stewardproject/steward/pkg/dashboard"
	"github.com/stewardproject/steward/pkg/engine"
	"github.com/stewardproject/steward/pkg/events"
	"github.com/stewardproject/steward/pkg/log"
	"github.com/stewardproject/steward/pkg/state"
	"github.com/stewardproject/steward/pkg/tracker"
	"github.com/stewardproject/steward/pkg/transcript"
	"github.com/stewardproject/steward/pkg/vcs"
)

var (
	cfgPath string
	verbose bool

	maxIterations   uint64
	onlyIssue       string
	dryRun          bool
	noPlanner       bool
	noQuality       bool
	plannerInterval int
	qualityInterval int
	agentTimeout    int
	force           bool

	servePort int
	skipDeps  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "steward",
		Short: "Autonomous agent orchestration engine",
		Long: `steward consumes an issue backlog and drives implementer and reviewer
agents in isolated workspaces, merging verified results back to the
mainline.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "steward.toml", "path to the config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(false)
		},
	}
	addRunFlags(runCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with the web dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(true)
		},
	}
	addRunFlags(serveCmd)
	serveCmd.Flags().IntVar(&servePort, "port", 8600, "dashboard listen port")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file and create the data directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}

	doctorCmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the environment the engine needs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor()
		},
	}
	doctorCmd.Flags().BoolVar(&skipDeps, "skip-deps", false, "skip external binary checks")

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Refresh the tracker mirror once and print a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync()
		},
	}

	rootCmd.AddCommand(runCmd, serveCmd, initCmd, doctorCmd, syncCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().Uint64Var(&maxIterations, "max-iterations", 0, "stop after N loop iterations (0 = run forever)")
	cmd.Flags().StringVar(&onlyIssue, "issue", "", "restrict dispatch to a single issue id")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log dispatch decisions without starting agents")
	cmd.Flags().BoolVar(&noPlanner, "no-planner", false, "disable the planner pass")
	cmd.Flags().IntVar(&plannerInterval, "planner-interval", 0, "override the planner pass interval")
	cmd.Flags().BoolVar(&noQuality, "no-quality", false, "disable the quality pass")
	cmd.Flags().IntVar(&qualityInterval, "quality-interval", 0, "override the quality pass interval")
	cmd.Flags().IntVar(&agentTimeout, "agent-timeout", 0, "override agents.timeout_seconds")
	cmd.Flags().BoolVar(&force, "force", false, "reinitialize an unreadable state database")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if plannerInterval > 0 {
		cfg.Passes.PlannerInterval = plannerInterval
	}
	if qualityInterval > 0 {
		cfg.Passes.QualityInterval = qualityInterval
	}
	if agentTimeout > 0 {
		cfg.Agents.TimeoutSeconds = agentTimeout
	}
	return cfg, nil
}

func initLogging() {
	level := log.InfoLevel
	if verbose {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level})
}

func runEngine(withDashboard bool) error {
	initLogging()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := state.Open(cfg.StatePath(), force)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.NewBus()
	defer bus.Close()

	transcripts, err := transcript.Open(cfg.TranscriptPath(), bus)
	if err != nil {
		return err
	}
	defer transcripts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gateway, err := vcs.NewGit(ctx, cfg.Project.RepoDir, cfg.Agents.NumWorkers)
	if err != nil {
		return err
	}
	trk := tracker.New(cfg.Tracker.Bin, cfg.Tracker.Path)

	eng := engine.New(cfg, engine.Options{
		MaxIterations: maxIterations,
		OnlyIssue:     onlyIssue,
		DryRun:        dryRun,
		NoPlanner:     noPlanner,
		NoQuality:     noQuality,
	}, store, trk, gateway, transcripts, bus)

	ctl := control.NewServer(cfg.SocketPath(), eng)
	if err := ctl.Start(); err != nil {
		return err
	}
	defer ctl.Stop()

	var dash *dashboard.Server
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx)
	})
	if withDashboard {
		hub := dashboard.NewHub(bus, eng)
		dash = dashboard.NewServer(fmt.Sprintf(":%d", servePort), eng, transcripts, hub)
		g.Go(dash.Start)
	}

	// First signal: graceful shutdown (pause, drain, persist). Second:
	// interrupt every busy slot so the drain finishes promptly.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown requested, draining")
		eng.Shutdown()
		<-sigCh
		log.Info("second signal, interrupting slots")
		_ = eng.Interrupt()
	}()
	go func() {
		<-eng.Done()
		if dash != nil {
			shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			_ = dash.Stop(shutdownCtx)
		}
		cancel()
	}()

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func runInit() error {
	initLogging()
	if err := config.WriteDefault(cfgPath); err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		// The template needs the agent commands filled in; directories
		// are still created so the first run only edits the file.
		cfg = config.Default()
	}
	for _, dir := range []string{cfg.Project.DataDir, cfg.StatePath(), cfg.TranscriptPath()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	fmt.Printf("Wrote %s and created %s/\n", cfgPath, cfg.Project.DataDir)
	fmt.Println("Edit the [agents] section before running the engine.")
	return nil
}

func runDoctor() error {
	initLogging()
	failures := 0
	check := func(name string, err error) {
		if err != nil {
			failures++
			fmt.Printf("FAIL %-24s %v\n", name, err)
			return
		}
		fmt.Printf("ok   %s\n", name)
	}

	cfg, err := loadConfig()
	check("config", err)
	if cfg == nil {
		return fmt.Errorf("doctor found %d problem(s)", failures)
	}

	if !skipDeps {
		_, err = exec.LookPath("git")
		check("vcs binary (git)", err)
		_, err = exec.LookPath(cfg.Tracker.Bin)
		check("tracker binary ("+cfg.Tracker.Bin+")", err)
	}

	check("repo_dir", dirWritable(cfg.Project.RepoDir))
	check("data_dir", dirWritable(cfg.Project.DataDir))

	if _, err := os.Stat(cfg.Tracker.Path); err != nil {
		check("tracker file", err)
	} else {
		check("tracker file", nil)
	}

	// A live socket means another engine owns this data dir.
	if client, err := control.Dial(cfg.SocketPath()); err == nil {
		client.Close()
		check("control socket", fmt.Errorf("an engine is already running on %s", cfg.SocketPath()))
	} else {
		check("control socket", nil)
	}

	if failures > 0 {
		return fmt.Errorf("doctor found %d problem(s)", failures)
	}
	fmt.Println("All checks passed.")
	return nil
}

func dirWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".steward-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}

func runSync() error {
	initLogging()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	trk := tracker.New(cfg.Tracker.Bin, cfg.Tracker.Path)
	if err := trk.Refresh(); err != nil {
		return err
	}
	all := trk.All()
	ready := trk.ListReady()
	open := 0
	for _, issue := range all {
		if issue.Status != "closed" {
			open++
		}
	}
	fmt.Printf("tracker: %d issue(s), %d open, %d ready\n", len(all), open, len(ready))
	return nil
}
