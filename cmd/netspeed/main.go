package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"

	"github.com/idanyas/netspeed/internal/app"
	"github.com/idanyas/netspeed/internal/client"
	"github.com/idanyas/netspeed/internal/config"
	"github.com/idanyas/netspeed/internal/data"
	"github.com/idanyas/netspeed/internal/location"
	"github.com/idanyas/netspeed/internal/output"
	"github.com/idanyas/netspeed/internal/server"
)

var (
	version     = "DEV"
	list        = pflag.Bool("list", false, "List the nearest speedtest servers and exit.")
	serverID    = pflag.StringP("server", "s", "", "Test against the server with this ID instead of picking one.")
	interactive = pflag.BoolP("interactive", "i", false, "Choose the server from the nearest ones.")
	configPath  = pflag.StringP("config", "c", "", "Path to a YAML config file.")
	verbose     = pflag.BoolP("verbose", "v", false, "Print diagnostics to stderr.")
)

func main() {
	config.AddFlags(pflag.CommandLine)
	pflag.Usage = func() {
		out := os.Stderr
		fmt.Fprintf(out, "Usage: %s [options...]\n\n", os.Args[0])
		fmt.Fprintln(out, "Measure latency, download and upload speed against the nearest speedtest server.")
		fmt.Fprintln(out, "\nOptions:")
		pflag.PrintDefaults()
		fmt.Fprintf(out, "\nVersion: %s\n", version)
		fmt.Fprintln(out, "Homepage: https://github.com/idanyas/netspeed")
	}
	pflag.CommandLine.Init(os.Args[0], pflag.ContinueOnError)
	err := pflag.CommandLine.Parse(os.Args[1:])
	if err != nil {
		if err == pflag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "\nError parsing flags: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath, ".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.ApplyFlags(pflag.CommandLine); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if *interactive && (cfg.JSON || *serverID != "" || cfg.Schedule != "") {
		fmt.Fprintln(os.Stderr, "Error: --interactive (-i) cannot be combined with --json (-j), --server (-s) or --every.")
		os.Exit(2)
	}

	output.PrintHeader(os.Stdout, cfg.JSON, version)

	if cfg.Insecure && !cfg.JSON {
		output.Warn(os.Stderr, "Skipping TLS certificate verification (--insecure). This is potentially unsafe!")
	}

	httpClient, err := client.NewHTTPClient(client.Options{
		IPv4Only:  cfg.IPv4,
		IPv6Only:  cfg.IPv6,
		Interface: cfg.Interface,
		Insecure:  cfg.Insecure,
		Proxy:     cfg.Proxy,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating HTTP client: %v\n", err)
		handleClientError(err, cfg.Interface)
		os.Exit(1)
	}

	ctx := context.Background()
	reporter := output.NewReporter(os.Stdout, !cfg.JSON)
	engine := newEngine(httpClient, cfg, reporter)

	if *list {
		ranked, err := engine.Shortlist(ctx)
		reporter.Done()
		if err != nil {
			fail(err, cfg)
		}
		if err := output.ShowServers(os.Stdout, ranked, cfg.JSON); err != nil {
			fail(err, cfg)
		}
		return
	}

	run := func(ctx context.Context) (*data.MeasurementResult, error) {
		defer reporter.Done()
		switch {
		case *serverID != "":
			return engine.RunServer(ctx, *serverID)
		case *interactive:
			return runInteractive(ctx, engine, reporter)
		default:
			return engine.Run(ctx)
		}
	}

	if cfg.Schedule == "" {
		result, err := run(ctx)
		if err != nil {
			fail(err, cfg)
		}
		printResult(result, cfg.JSON)
		return
	}

	if err := schedule(cfg, run); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
}

func newEngine(httpClient *http.Client, cfg config.Config, reporter *output.Reporter) *app.Engine {
	logger := log.New(io.Discard, "", 0)
	if *verbose {
		logger = log.New(reporter.Logs(os.Stderr), "", log.Ltime)
	}

	engine := app.New(httpClient, app.Options{
		GeoIPURL:       cfg.GeoIPURL,
		DirectoryURL:   cfg.DirectoryURL,
		Duration:       time.Duration(cfg.Duration),
		RetryDuration:  time.Duration(cfg.RetryDuration),
		Concurrency:    cfg.Workers,
		LatencySamples: cfg.LatencySamples,
		Logger:         logger,
		Progress:       reporter.Progress,
		OnCandidate:    reporter.Candidate,
	})
	engine.Phase = reporter.Phase
	return engine
}

func runInteractive(ctx context.Context, engine *app.Engine, reporter *output.Reporter) (*data.MeasurementResult, error) {
	ranked, err := engine.Shortlist(ctx)
	reporter.Done()
	if err != nil {
		return nil, err
	}
	idx, err := output.SelectServer(ranked)
	if err != nil {
		return nil, err
	}
	output.PrintServer(os.Stdout, ranked[idx])
	return engine.RunWith(ctx, ranked[idx])
}

// schedule runs the test on cfg.Schedule until SIGINT or SIGTERM. A tick
// that fires while a run is still going is skipped, and a run in progress
// at shutdown is waited for.
func schedule(cfg config.Config, run func(context.Context) (*data.MeasurementResult, error)) error {
	stopped, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(cfg.Schedule, func() {
		result, err := run(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error during speed test: %v\n", err)
			return
		}
		printResult(result, cfg.JSON)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", cfg.Schedule, err)
	}

	if !cfg.JSON {
		fmt.Printf("Running on schedule %q, press Ctrl+C to stop.\n", cfg.Schedule)
	}
	c.Start()
	<-stopped.Done()
	<-c.Stop().Done()
	return nil
}

func printResult(result *data.MeasurementResult, jsonOutput bool) {
	if jsonOutput {
		output.OutputJSON(os.Stdout, result)
		return
	}
	output.PrintResult(os.Stdout, result)
}

func fail(err error, cfg config.Config) {
	if errors.Is(err, promptui.ErrInterrupt) {
		os.Exit(130)
	}
	fmt.Fprintf(os.Stderr, "Error during speed test: %v\n", err)
	switch {
	case errors.Is(err, location.ErrLocationUnavailable):
		fmt.Fprintln(os.Stderr, "Hint: The geo-IP service could not be reached. Set geoip_url in the config to use another one.")
	case errors.Is(err, server.ErrCatalogUnavailable):
		fmt.Fprintln(os.Stderr, "Hint: The server directory could not be downloaded. Check connectivity or set directory_url.")
	default:
		handleClientError(err, cfg.Interface)
	}
	if !cfg.Insecure && (strings.Contains(err.Error(), "certificate") || strings.Contains(err.Error(), "tls")) {
		fmt.Fprintln(os.Stderr, "Hint: If you trust the network, try the --insecure flag (use with caution).")
	}
	os.Exit(1)
}

func handleClientError(err error, iface string) {
	var dnsErr *net.DNSError
	if strings.Contains(err.Error(), "failed to find interface") {
		fmt.Fprintln(os.Stderr, "Hint: Ensure the specified interface name exists and is correct.")
	} else if strings.Contains(err.Error(), "IP address found for interface") {
		fmt.Fprintf(os.Stderr, "Hint: Check if interface %q has an IP address matching the requested family (IPv4/IPv6).\n", iface)
	} else if errors.As(err, &dnsErr) || strings.Contains(err.Error(), "DNS resolution failed") {
		fmt.Fprintln(os.Stderr, "Hint: Check network connectivity and DNS settings. Try forcing IPv4 (-4) or IPv6 (-6).")
	} else if strings.Contains(err.Error(), "connection failed") || strings.Contains(err.Error(), "dial tcp") || strings.Contains(err.Error(), "proxy") {
		fmt.Fprintln(os.Stderr, "Hint: Check network connectivity, firewall rules, proxy settings, or try specifying a source IP/interface with -I.")
	}
}
