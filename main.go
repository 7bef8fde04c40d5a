package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/lanrpc/pkg/config"
	"github.com/lanrpc/pkg/discovery"
	"github.com/lanrpc/pkg/discovery/mdns"
	"github.com/lanrpc/pkg/logging"
	"github.com/lanrpc/pkg/node"
)

var (
	configFile    = kingpin.Flag("config.file", "Path to configuration file.").Default("config.yaml").String()
	listenAddress = kingpin.Flag("web.listen-address", "Address to listen on for web interface and telemetry.").Default(":9090").String()
	telemetryPath = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics.").Default("/metrics").String()
	bindAddr      = kingpin.Flag("bind-addr", "Address to bind the call listener (port 0 picks any free port).").Default(":0").String()
	localOnly     = kingpin.Flag("local-only", "Serve and advertise on 127.0.0.1 only.").Bool()

	// Global config
	appConfig *config.Config
)

func main() {
	kingpin.Parse()

	var err error
	appConfig, err = config.LoadConfig(*configFile)
	if err != nil {
		// If config file doesn't exist, continue with defaults
		logging.Logf("Warning: Failed to load config file: %v, using defaults", err)
		appConfig = &config.Config{}
		appConfig.SetDefaults()
		appConfig.ApplyEnvOverrides()
	}
	if *bindAddr != ":0" {
		appConfig.Node.BindAddr = *bindAddr
	}
	if *localOnly {
		appConfig.Node.LocalOnly = true
	}

	logging.Setup(appConfig.Log.Level, appConfig.Log.Format)
	logging.Logf("Node initialized with display id: %s", logging.GetPeerID())

	var feed discovery.Feed
	if appConfig.Node.LocalOnly {
		// All-local mesh: one in-memory hub per process, no multicast
		feed = discovery.NewHub().Feed()
	} else {
		feed = mdns.New(appConfig.Node.ServiceTag, appConfig.Node.Domain)
	}

	n, err := node.New(appConfig, feed)
	if err != nil {
		logging.Fatalf("Node error: %v", err)
	}

	for _, exp := range appConfig.Node.Expose {
		obj, ok := builtinObject(exp.Kind)
		if !ok {
			logging.Errorf("Unknown built-in kind %q for service %q, skipping", exp.Kind, exp.Name)
			continue
		}
		if err := n.Register(exp.Name, obj); err != nil {
			logging.Fatalf("Register %s: %v", exp.Name, err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logging.Log("Received shutdown signal, shutting down gracefully...")
		_ = n.Close()
		os.Exit(0)
	}()

	metricsAddr := *listenAddress
	metricsPath := *telemetryPath
	if appConfig.Node.ListenAddress != "" {
		metricsAddr = appConfig.Node.ListenAddress
	}
	if appConfig.Node.TelemetryPath != "" {
		metricsPath = appConfig.Node.TelemetryPath
	}

	if err := n.StartMetricsServer(metricsAddr, metricsPath); err != nil {
		logging.Fatalf("Metrics server error: %v", err)
	}
}

func builtinObject(kind string) (interface{}, bool) {
	switch kind {
	case "echo":
		return &EchoService{}, true
	case "sysinfo":
		return &SysInfoService{started: time.Now()}, true
	}
	return nil, false
}
