package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/skshohagmiah/doip/internal/config"
	"github.com/skshohagmiah/doip/internal/logging"
	"github.com/skshohagmiah/doip/pkg/client"
)

type globalFlags struct {
	configPath string
	address    string
	serviceID  string
	timeout    time.Duration
	verbose    bool
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	g := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:           "doipcli",
		Short:         "Send DOIP operations to a service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "TOML configuration file ([client] and [logging] are used)")
	pf.StringVarP(&g.address, "address", "a", "127.0.0.1:9000", "service host:port")
	pf.StringVarP(&g.serviceID, "service-id", "s", "20.500.123/service", "identifier of the service")
	pf.DurationVarP(&g.timeout, "timeout", "t", 30*time.Second, "operation timeout")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "log transport activity")

	rootCmd.AddCommand(
		helloCmd(g, out),
		listOperationsCmd(g, out),
		retrieveCmd(g, out),
		createCmd(g, out),
		deleteCmd(g, out),
		searchCmd(g, out),
		opCmd(g, out),
	)
	return rootCmd
}

// session is a connected client plus the service it talks to.
type session struct {
	client *client.Client
	svc    client.ServiceInfo
	ctx    context.Context
	cancel context.CancelFunc
}

func (g *globalFlags) open() (*session, error) {
	cfg := config.Default()
	if g.configPath != "" {
		var err error
		if cfg, err = config.Load(g.configPath); err != nil {
			return nil, err
		}
	}

	host, portStr, err := net.SplitHostPort(g.address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", g.address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q", portStr)
	}

	opts := cfg.Client
	if g.verbose {
		lc := cfg.Logging
		lc.Level = "debug"
		logger, err := logging.New(lc)
		if err != nil {
			return nil, err
		}
		opts.Logger = logger
	}
	c, err := client.New(&opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	return &session{
		client: c,
		svc:    client.ServiceInfo{ID: g.serviceID, Address: host, Port: port},
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (s *session) Close() {
	s.cancel()
	s.client.Close()
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
