package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawlcore/pkg/collector"
	"github.com/Sriram-PR/crawlcore/pkg/config"
	"github.com/Sriram-PR/crawlcore/pkg/metrics"
	"github.com/Sriram-PR/crawlcore/pkg/pipeline"
	"github.com/Sriram-PR/crawlcore/pkg/utils"
	"github.com/Sriram-PR/crawlcore/pkg/watch"
)

const version = "0.4.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		runStart(os.Args[2:])
	case "stop":
		runStop(os.Args[2:])
	case "clean":
		runClean(os.Args[2:])
	case "export":
		runExport(os.Args[2:])
	case "import":
		runImport(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "list-crawlers":
		runListCrawlers(os.Args[2:])
	case "version":
		fmt.Printf("collector %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `collector - Crawl lifecycle runner

Usage:
  collector <command> [options]

Commands:
  start          Run every configured crawler (resumes unfinished sessions)
  stop           Ask a running collector to stop
  clean          Delete crawl state, committer output and work files
  export         Export every crawler's reference store
  import         Import reference stores exported earlier
  watch          Re-run the collector on a schedule
  validate       Validate configuration file
  list-crawlers  List configured crawlers
  version        Show version info

Run 'collector <command> -h' for command-specific help.`)
}

// loadConfig loads, validates and applies defaults to the config file.
func loadConfig(path string) (*config.CollectorConfig, []string, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	warnings, err := cfg.Validate()
	if err != nil {
		return nil, warnings, err
	}
	return cfg, warnings, nil
}

func setupLogger(levelStr string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	log.SetLevel(logrus.InfoLevel)

	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		log.Warnf("Invalid log level '%s', using default 'info'. Error: %v", levelStr, err)
	} else {
		log.SetLevel(level)
	}
	return log
}

// mustLoadConfig loads the config or exits, logging validation warnings.
func mustLoadConfig(path string, log *logrus.Logger) *config.CollectorConfig {
	log.Infof("Loading configuration from %s", path)
	cfg, warnings, err := loadConfig(path)
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	return cfg
}

// newCollector wires the local-file fetcher, the configured committers and,
// when reg is non-nil, Prometheus metrics.
func newCollector(cfg *config.CollectorConfig, log *logrus.Logger, reg prometheus.Registerer) (*collector.Collector, error) {
	opts := collector.Options{
		Pipelines: collector.DefaultPipelineFactory(pipeline.FetcherFunc(fetchFile), nil),
		Logger:    log.WithField("component", "collector"),
	}
	if reg != nil {
		m, err := metrics.New(reg)
		if err != nil {
			return nil, err
		}
		opts.Metrics = m
	}
	return collector.New(cfg, opts)
}

// startMetrics serves the registry at addr/metrics if addr is non-empty.
func startMetrics(addr string, reg *prometheus.Registry, log *logrus.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		log.Infof("Serving metrics at http://%s/metrics", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorf("Metrics server error: %v", err)
		}
	}()
}

// startPprof starts the pprof HTTP server if addr is non-empty.
func startPprof(addr string, log *logrus.Logger) {
	if addr != "" {
		go func() {
			log.Infof("Starting pprof server at http://%s/debug/pprof/", addr)
			if err := http.ListenAndServe(addr, nil); err != nil {
				log.Errorf("pprof server error: %v", err)
			}
		}()
	}
}

// handleSignals calls stop on the first SIGINT/SIGTERM and exits on the
// second.
func handleSignals(stop func(), log *logrus.Logger) {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Warnf("Received signal %v, stopping gracefully (repeat to force exit)...", sig)
		go stop()
		sig = <-sigChan
		log.Errorf("Received second signal %v, exiting immediately", sig)
		os.Exit(130)
	}()
}

// runStart handles the start subcommand
func runStart(args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	fresh := fs.Bool("fresh", false, "Ignore unfinished sessions and start new ones")
	metricsAddr := fs.String("metrics", "", "Metrics address, e.g. localhost:9090 (disabled by default)")
	pprofAddr := fs.String("pprof", "", "pprof address, e.g. localhost:6060 (disabled by default)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: collector start [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	log := setupLogger(*logLevel)
	cfg := mustLoadConfig(*configFile, log)

	reg := prometheus.NewRegistry()
	coll, err := newCollector(cfg, log, reg)
	if err != nil {
		log.Fatalf("Failed to create collector: %v", err)
	}
	startMetrics(*metricsAddr, reg, log)
	startPprof(*pprofAddr, log)
	handleSignals(coll.Stop, log)

	results, err := coll.Start(context.Background(), !*fresh)
	if err != nil {
		log.Fatalf("Collector failed: %v", err)
	}
	if err := collector.Failed(results); err != nil {
		log.Errorf("Some crawlers failed: %v", err)
		os.Exit(1)
	}
}

// runStop handles the stop subcommand
func runStop(args []string) {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: collector stop [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doStop(*configFile, os.Stdout, os.Stderr))
}

// doStop requests a stop and returns the exit code. A collector that is not
// running is not an error.
func doStop(configPath string, stdout, stderr io.Writer) int {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	err = collector.RequestStop(cfg)
	switch {
	case errors.Is(err, utils.ErrNotRunning):
		fmt.Fprintf(stdout, "Collector '%s' is not running.\n", cfg.ID)
	case err != nil:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	default:
		fmt.Fprintf(stdout, "Stop requested for collector '%s'.\n", cfg.ID)
	}
	return 0
}

// adminFlags parses the flags shared by clean, export and import.
func adminFlags(name string, args []string, extra func(fs *flag.FlagSet)) (configFile, logLevel string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	cf := fs.String("config", "config.yaml", "Path to config file")
	ll := fs.String("loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	if extra != nil {
		extra(fs)
	}
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: collector %s [options]\n\nOptions:\n", name)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	return *cf, *ll
}

// runClean handles the clean subcommand
func runClean(args []string) {
	configFile, logLevel := adminFlags("clean", args, nil)
	log := setupLogger(logLevel)
	coll, err := newCollector(mustLoadConfig(configFile, log), log, nil)
	if err != nil {
		log.Fatalf("Failed to create collector: %v", err)
	}
	if err := coll.Clean(context.Background()); err != nil {
		log.Fatalf("Clean failed: %v", err)
	}
	log.Info("Clean completed")
}

// runExport handles the export subcommand
func runExport(args []string) {
	var dir string
	configFile, logLevel := adminFlags("export", args, func(fs *flag.FlagSet) {
		fs.StringVar(&dir, "dir", ".", "Directory receiving one archive per crawler")
	})
	log := setupLogger(logLevel)
	coll, err := newCollector(mustLoadConfig(configFile, log), log, nil)
	if err != nil {
		log.Fatalf("Failed to create collector: %v", err)
	}
	paths, err := coll.ExportDataStore(context.Background(), dir)
	if err != nil {
		log.Fatalf("Export failed: %v", err)
	}
	for _, p := range paths {
		fmt.Println(p)
	}
}

// fileList collects repeated or comma-separated -file values.
type fileList []string

func (f *fileList) String() string { return strings.Join(*f, ",") }

func (f *fileList) Set(v string) error {
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			*f = append(*f, s)
		}
	}
	return nil
}

// runImport handles the import subcommand
func runImport(args []string) {
	var files fileList
	configFile, logLevel := adminFlags("import", args, func(fs *flag.FlagSet) {
		fs.Var(&files, "file", "Archive to import (repeatable or comma-separated)")
	})
	log := setupLogger(logLevel)
	if len(files) == 0 {
		log.Fatal("Error: at least one -file is required")
	}
	coll, err := newCollector(mustLoadConfig(configFile, log), log, nil)
	if err != nil {
		log.Fatalf("Failed to create collector: %v", err)
	}
	if err := coll.ImportDataStore(context.Background(), files); err != nil {
		log.Fatalf("Import failed: %v", err)
	}
	log.Infof("Imported %d archive(s)", len(files))
}

// runWatch handles the watch subcommand
func runWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	schedule := fs.String("schedule", "24h", "Interval (30m, 12h, 7d) or cron expression ('0 3 * * *')")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	metricsAddr := fs.String("metrics", "", "Metrics address, e.g. localhost:9090 (disabled by default)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: collector watch [options]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  collector watch -schedule 6h\n")
		fmt.Fprintf(os.Stderr, "  collector watch -schedule '0 3 * * *'\n")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	log := setupLogger(*logLevel)
	sched, err := watch.ParseSchedule(*schedule)
	if err != nil {
		log.Fatalf("Invalid schedule: %v", err)
	}
	cfg := mustLoadConfig(*configFile, log)

	reg := prometheus.NewRegistry()
	coll, err := newCollector(cfg, log, reg)
	if err != nil {
		log.Fatalf("Failed to create collector: %v", err)
	}
	startMetrics(*metricsAddr, reg, log)

	scheduler := watch.NewScheduler(coll, cfg.CrawlerIDs(), sched, collector.WorkDir(cfg), log.WithField("component", "watch"))
	handleSignals(scheduler.Stop, log)

	if err := scheduler.Run(); err != nil {
		log.Fatalf("Watch scheduler error: %v", err)
	}
	log.Info("Watch mode stopped")
}

// runValidate handles the validate subcommand
func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: collector validate [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doValidate(*configFile, os.Stdout, os.Stderr))
}

// doValidate performs validation and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doValidate(configPath string, stdout, stderr io.Writer) int {
	cfg, warnings, err := loadConfig(configPath)
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	for _, id := range cfg.CrawlerIDs() {
		fmt.Fprintf(stdout, "OK: [%s]\n", id)
	}
	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}

// runListCrawlers handles the list-crawlers subcommand
func runListCrawlers(args []string) {
	fs := flag.NewFlagSet("list-crawlers", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: collector list-crawlers [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doListCrawlers(*configFile, os.Stdout, os.Stderr))
}

// doListCrawlers lists crawlers in configuration order with their effective
// settings. Returns exit code (0 = success, 1 = error).
func doListCrawlers(configPath string, stdout, stderr io.Writer) int {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	d := cfg.CrawlerDefaults
	fmt.Fprintf(stdout, "Crawlers of collector '%s':\n\n", cfg.ID)
	for _, cc := range cfg.Crawlers {
		refs := len(config.GetEffectiveStartReferences(cc, d))
		files := len(config.GetEffectiveStartReferencesFiles(cc, d))
		fmt.Fprintf(stdout, "  %s\n", cc.ID)
		fmt.Fprintf(stdout, "    Store: %s\n", config.GetEffectiveStore(cc, d).Engine)
		fmt.Fprintf(stdout, "    Threads: %d\n", config.GetEffectiveNumThreads(cc, d))
		fmt.Fprintf(stdout, "    Start references: %d (files: %d)\n", refs, files)
		fmt.Fprintf(stdout, "    Orphans: %s\n", config.GetEffectiveOrphansStrategy(cc, d))
		fmt.Fprintf(stdout, "    Committers: %d\n", len(config.GetEffectiveCommitters(cc, d)))
		fmt.Fprintln(stdout)
	}
	return 0
}
