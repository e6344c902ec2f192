package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dmdmdm-nz/reachd/pkg/version"
)

// AddressPair is a -watch-pair value.
type AddressPair struct {
	Local  string
	Remote string
}

// Config holds the application configuration from CLI flags
type Config struct {
	Port              int
	Host              string
	LogLevel          string
	WatchHosts        []string
	WatchAddresses    []string
	WatchPairs        []AddressPair
	NoDefaultRoute    bool
	Advertise         bool
	ReconcileInterval time.Duration
	ResolveTimeout    time.Duration
	ShowVersion       bool
}

type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			*l = append(*l, s)
		}
	}
	return nil
}

type pairList []AddressPair

func (l *pairList) String() string {
	parts := make([]string, len(*l))
	for i, p := range *l {
		parts[i] = p.Local + "," + p.Remote
	}
	return strings.Join(parts, " ")
}

func (l *pairList) Set(v string) error {
	local, remote, ok := strings.Cut(v, ",")
	local, remote = strings.TrimSpace(local), strings.TrimSpace(remote)
	if !ok || local == "" || remote == "" {
		return errors.New("expected local,remote")
	}
	*l = append(*l, AddressPair{Local: local, Remote: remote})
	return nil
}

// ParseArgs parses args (without the program name) into a Config.
func ParseArgs(name string, args []string, output io.Writer) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)

	fs.IntVar(&cfg.Port, "port", 60106, "Port to listen on")
	fs.StringVar(&cfg.Host, "host", "127.0.0.1", "Host to bind to")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	fs.Var((*stringList)(&cfg.WatchHosts), "watch-host", "Host name to observe (repeatable, comma separated)")
	fs.Var((*stringList)(&cfg.WatchAddresses), "watch-address", "IPv4 or IPv6 address to observe (repeatable, comma separated)")
	fs.Var((*pairList)(&cfg.WatchPairs), "watch-pair", "Local,remote address pair to observe (repeatable)")
	fs.BoolVar(&cfg.NoDefaultRoute, "no-default-route", false, "Do not observe the default route")
	fs.BoolVar(&cfg.Advertise, "advertise", false, "Advertise the API over mDNS")
	fs.DurationVar(&cfg.ReconcileInterval, "reconcile-interval", time.Minute, "Interval between full network re-evaluations")
	fs.DurationVar(&cfg.ResolveTimeout, "resolve-timeout", 3*time.Second, "Timeout for each host name resolution")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.ReconcileInterval <= 0 {
		return nil, errors.New("reconcile-interval must be positive")
	}
	if cfg.ResolveTimeout <= 0 {
		return nil, errors.New("resolve-timeout must be positive")
	}
	return cfg, nil
}

// ParseFlags parses command line arguments and returns a Config
func ParseFlags() *Config {
	cfg, err := ParseArgs(os.Args[0], os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if cfg.ShowVersion {
		fmt.Printf("reachd version %s (commit: %s, built at: %s)\n",
			version.Version,
			version.CommitHash,
			version.BuildTime)
		os.Exit(0)
	}

	return cfg
}

// String returns a string representation of the Config
func (c *Config) String() string {
	return fmt.Sprintf("Host: %s, Port: %d, LogLevel: %s, WatchHosts: %v, WatchAddresses: %v, WatchPairs: %s, DefaultRoute: %t, Advertise: %t, ReconcileInterval: %s, ResolveTimeout: %s",
		c.Host, c.Port, c.LogLevel, c.WatchHosts, c.WatchAddresses, (*pairList)(&c.WatchPairs).String(),
		!c.NoDefaultRoute, c.Advertise, c.ReconcileInterval, c.ResolveTimeout)
}
