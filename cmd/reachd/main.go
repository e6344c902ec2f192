package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/reachd/internal/addrinfo"
	"github.com/dmdmdm-nz/reachd/internal/advertise"
	"github.com/dmdmdm-nz/reachd/internal/api"
	"github.com/dmdmdm-nz/reachd/internal/netmon"
	"github.com/dmdmdm-nz/reachd/internal/reachability"
	"github.com/dmdmdm-nz/reachd/internal/runtime"
	"github.com/dmdmdm-nz/reachd/internal/sockaddr"
	"github.com/dmdmdm-nz/reachd/internal/targetmgr"
	"github.com/dmdmdm-nz/reachd/pkg/cli"
	"github.com/dmdmdm-nz/reachd/pkg/version"
)

func main() {
	// Parse command line flags
	cfg := cli.ParseFlags()

	// Configure logging
	setLogLevel(cfg.LogLevel)
	log.SetFormatter(&log.TextFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FullTimestamp:   true,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Infof("Config: %s", cfg)

	netmonSvc := netmon.NewService(netmon.NewWatcher(), cfg.ReconcileInterval)
	provider := reachability.NewSystemProvider(
		reachability.WithMonitor(netmonSvc),
		reachability.WithResolveTimeout(cfg.ResolveTimeout),
	)
	reachability.SetDefaultProvider(provider)

	addrInfo, err := addrinfo.Shared()
	if err != nil {
		log.WithError(err).Fatal("Failed to enumerate network interfaces")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	targetMgr := targetmgr.NewManager(nil, targetmgr.NewMetrics(reg), reachability.WithProvider(provider))
	if err := addTargets(targetMgr, cfg); err != nil {
		log.WithError(err).Fatal("Invalid watch target")
	}

	apiSvc := api.NewService(cfg.Host, cfg.Port)

	// Wire subscriptions BEFORE starting producers to avoid missing anything.
	// AddressInfo follows Netmon.
	addrCh, addrUnsub := netmonSvc.Subscribe()

	// API attaches to TargetMgr and AddressInfo.
	apiSvc.AttachTargetMgr(targetMgr)
	apiSvc.AttachAddressInfo(addrInfo)
	apiSvc.AttachMetrics(reg)

	// Start in dependency order: netmon → addrinfo → targetmgr → api → advertise
	super := runtime.NewSupervisor()
	super.Add("netmon", netmonSvc.Start, netmonSvc.Close)
	super.Add("addrinfo", func(ctx context.Context) error { return addrInfo.Follow(ctx, addrCh) }, func() error {
		addrUnsub()
		return nil
	})
	super.Add("targetmgr", targetMgr.Start, targetMgr.Close)
	super.Add("api", apiSvc.Start, apiSvc.Close)

	if cfg.Advertise {
		advSvc := advertise.NewService("", cfg.Port,
			"version="+version.Version,
			"protocol="+version.ProtocolVersion)
		advCh, advUnsub := netmonSvc.Subscribe()
		advSvc.AttachNetmon(advCh, advUnsub)
		super.Add("advertise", advSvc.Start, advSvc.Close)
	}

	if err := super.Start(ctx); err != nil {
		log.WithError(err).Error("Supervisor start failed")
		os.Exit(1)
	}
	if err := super.Wait(ctx); err != nil {
		log.WithError(err).Error("Supervisor wait failed")
		os.Exit(1)
	}
}

func addTargets(tm *targetmgr.Manager, cfg *cli.Config) error {
	var targets []reachability.Target
	if !cfg.NoDefaultRoute {
		targets = append(targets, reachability.DefaultRouteTarget())
	}
	for _, host := range cfg.WatchHosts {
		t, err := reachability.HostTarget(host)
		if err != nil {
			return err
		}
		targets = append(targets, t)
	}
	for _, addr := range cfg.WatchAddresses {
		sa, err := sockaddr.Parse(addr)
		if err != nil {
			return err
		}
		t, err := reachability.AddressTarget(sa)
		if err != nil {
			return err
		}
		targets = append(targets, t)
	}
	for _, pair := range cfg.WatchPairs {
		local, err := sockaddr.Parse(pair.Local)
		if err != nil {
			return err
		}
		remote, err := sockaddr.Parse(pair.Remote)
		if err != nil {
			return err
		}
		t, err := reachability.AddressPairTarget(local, remote)
		if err != nil {
			return err
		}
		targets = append(targets, t)
	}

	for _, t := range targets {
		if _, err := tm.Add(t); err != nil {
			return fmt.Errorf("%s: %w", t, err)
		}
	}
	return nil
}

func setLogLevel(level string) {
	switch level {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}
