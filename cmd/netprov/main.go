package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"netprov/internal/ap"
	"netprov/internal/config"
	"netprov/internal/events"
	"netprov/internal/leases"
	"netprov/internal/metrics"
	"netprov/internal/probe"
	"netprov/internal/status"
	"netprov/internal/supervisor"
	"netprov/internal/upstream"
	"netprov/internal/web"
	"netprov/pkg/models"
)

const (
	defaultConfigFile = "/etc/netprov/netprov.ini"
)

var (
	sha1ver   string
	buildTime string
	repoName  string
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s [flags] [command]

Commands:
  run                           supervise the network (default)
  check                         probe once, exit 0 when a link is usable
  status                        print the status record, exit 0 when connected
  notify connected <ssid>       tell the daemon an upstream connection was made
  notify connect-failed <ssid> [detail]

Flags:
`, filepath.Base(os.Args[0]))
	pflag.PrintDefaults()
}

func main() {
	configFile := pflag.StringP("config", "c", defaultConfigFile, "configuration file")
	verbose := pflag.BoolP("verbose", "v", false, "include source locations in log output")
	pflag.Usage = usage
	pflag.Parse()

	if *verbose {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	command, args := "run", pflag.Args()
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	cfg, err := config.New(*configFile)
	fatalIf(err, "Failed to load configuration")

	switch command {
	case "run":
		os.Exit(run(cfg))
	case "check":
		os.Exit(check(cfg))
	case "status":
		os.Exit(printStatus(cfg))
	case "notify":
		os.Exit(notify(cfg, args))
	default:
		usage()
		os.Exit(2)
	}
}

func fatalIf(err error, what string) {
	if err != nil {
		log.Fatalf("%s: %v", what, err)
	}
}

func warnIf(err error, what string) {
	if err != nil {
		log.Printf("Warning - %s: %v", what, err)
	}
}

func newProber(cfg *config.Config, links probe.LinkSource, wifi string) (*probe.Prober, error) {
	return probe.New(links, nil, probe.Options{
		Target:        cfg.ProbeTarget,
		Timeout:       cfg.ProbeTimeout,
		WiredPattern:  cfg.WiredPattern,
		WifiInterface: wifi,
	})
}

func run(cfg *config.Config) int {
	log.Printf("%s: Build %s, Time %s", repoName, sha1ver, buildTime)

	links := probe.NetlinkSource{}
	wifi, err := probe.FindWireless(links, cfg.WifiInterface)
	if err != nil {
		log.Printf("Cannot provision without a wireless interface: %v", err)
		return 1
	}
	apIface := cfg.APInterface
	if apIface == "" {
		apIface = wifi
	}

	hostname, err := os.Hostname()
	fatalIf(err, "Failed to read hostname")

	apCfg, err := cfg.APConfig(apIface, hostname)
	fatalIf(err, "Invalid access point settings")
	if err := apCfg.Validate(); err != nil {
		log.Printf("Cannot provision on %s: %v", apIface, err)
		return 1
	}

	if err := os.MkdirAll(cfg.RunDir, 0o755); err != nil {
		log.Printf("Failed to create %s: %v", cfg.RunDir, err)
		return 1
	}
	if err := os.MkdirAll(filepath.Dir(cfg.StatusFile), 0o755); err != nil {
		log.Printf("Failed to create status directory: %v", err)
		return 1
	}

	collector, err := metrics.New(nil)
	fatalIf(err, "Failed to register metrics")

	prober, err := newProber(cfg, links, wifi)
	fatalIf(err, "Failed to create prober")

	connector := upstream.NewConnector(cfg.Nmcli, wifi, nil)

	var vendors *leases.Vendors
	if cfg.OUIDatabase != "" {
		vendors, err = leases.LoadVendors(cfg.OUIDatabase)
		warnIf(err, "MAC vendor lookup disabled")
	}

	system := ap.NewSystem(ap.SystemOptions{
		Nmcli:   cfg.Nmcli,
		Hostapd: cfg.Hostapd,
		DNSMasq: cfg.DNSMasq,
		RunDir:  cfg.RunDir,
		BeforeDetach: func(ctx context.Context) {
			// the radio cannot scan once it serves the access point
			if _, err := connector.Scan(ctx); err != nil {
				log.Printf("Warning: pre-provisioning scan failed: %v", err)
			}
		},
	})
	clients := leases.NewTable(system.LeaseFile(), vendors)

	portal, err := web.NewServer(web.Options{
		Hostname:  hostname,
		HTMLDir:   cfg.HTMLDir,
		PortalURL: apCfg.PortalURL(),
	}, connector, clients, system)
	fatalIf(err, "Failed to create captive portal")
	system.SetPortal(portal)

	controller := ap.NewController(system, ap.Options{VerifyTimeout: cfg.VerifyTimeout})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A previous run killed without teardown may have left the address
	// behind and the interface unmanaged.
	warnIf(controller.Cleanup(ctx, apCfg), "Failed to clean up after previous run")

	sup := supervisor.New(supervisor.Options{
		PollInterval:            cfg.PollInterval,
		ConnectTimeout:          cfg.ConnectTimeout,
		MaxBackoff:              cfg.MaxBackoff,
		ProvisioningTimeout:     cfg.ProvisioningTimeout,
		APTimeout:               cfg.APOpTimeout,
		MaxActivationFailures:   cfg.MaxActivationFailures,
		MaxDeactivationFailures: cfg.MaxDeactivationFailures,
		DwellCycles:             cfg.DwellCycles,
		AP:                      apCfg,
		UpstreamInterface:       wifi,
		SessionLog:              filepath.Join(cfg.RunDir, "sessions.log"),
		Clients:                 clients.Count,
		Metrics:                 collector,
	}, prober, controller, connector, status.NewStore(cfg.StatusFile))
	portal.SetProvisioner(sup)

	spool := events.NewSpool(cfg.SpoolDir, sup.Notify)
	if err := spool.Start(); err != nil {
		log.Printf("Failed to start event spool: %v", err)
		return 1
	}
	defer spool.Stop()

	if cfg.MetricsListen != "" {
		metricsServer := serveMetrics(cfg.MetricsListen, collector)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsServer.Shutdown(shutdownCtx)
		}()
	}

	log.Printf("Supervising wired=%q wifi=%s access point=%s ssid=%q", cfg.WiredPattern, wifi, apIface, apCfg.SSID)
	if err := sup.Run(ctx); err != nil {
		log.Printf("Supervisor stopped: %v", err)
		return 1
	}

	log.Println("Shutting down...")
	return 0
}

func serveMetrics(addr string, collector *metrics.Collector) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		log.Printf("Starting metrics server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Warning: metrics server failed: %v", err)
		}
	}()
	return srv
}

// check runs one probe cycle without touching the access point
func check(cfg *config.Config) int {
	links := probe.NetlinkSource{}
	wifi, err := probe.FindWireless(links, cfg.WifiInterface)
	if err != nil {
		log.Printf("Warning: %v", err)
	}

	prober, err := newProber(cfg, links, wifi)
	fatalIf(err, "Failed to create prober")

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.ProbeTimeout+time.Second)
	defer cancel()

	for _, class := range []models.InterfaceClass{models.ClassWired, models.ClassWifi} {
		if class == models.ClassWifi && wifi == "" {
			continue
		}
		obs, err := prober.Probe(ctx, class)
		if err != nil {
			log.Printf("Warning: %s probe failed: %v", class, err)
			continue
		}
		if obs.Usable() {
			fmt.Printf("%s %s %s\n", class, obs.Interface, obs.Address)
			return 0
		}
	}

	fmt.Println("no usable link")
	return 1
}

func printStatus(cfg *config.Config) int {
	rec, err := status.Read(cfg.StatusFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	fmt.Printf("state:                %s\n", rec.State)
	fmt.Printf("active interface:     %s\n", rec.ActiveInterface)
	fmt.Printf("last transition:      %s\n", formatTime(rec.LastTransition))
	fmt.Printf("last observation:     %s\n", formatTime(rec.LastObservation))
	fmt.Printf("degraded:             %t\n", rec.Degraded)
	fmt.Printf("consecutive failures: %d\n", rec.ConsecutiveFailures)
	if rec.LastError != "" {
		fmt.Printf("last error:           %s\n", rec.LastError)
	}
	if rec.SessionID != "" {
		fmt.Printf("session:              %s\n", rec.SessionID)
	}

	if rec.State.Connected() {
		return 0
	}
	return 1
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}

func notify(cfg *config.Config, args []string) int {
	if len(args) < 2 {
		usage()
		return 2
	}

	ev := models.Event{Kind: models.EventKind(args[0]), SSID: args[1], At: time.Now()}
	switch ev.Kind {
	case models.EventConnected:
	case models.EventConnectFailed:
		if len(args) > 2 {
			ev.Detail = args[2]
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown event %q\n", args[0])
		return 2
	}

	if err := events.Publish(cfg.SpoolDir, ev); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}
