package main

import (
	"github.com/spf13/cobra"

	"github.com/skshohagmiah/doip/internal/config"
	"github.com/skshohagmiah/doip/internal/objects"
)

const defaultServiceID = "20.500.123/service"

type serveFlags struct {
	configPath string
	listen     string
	port       int
	metrics    string
	dataDir    string
	inMemory   bool
	serviceID  string
	logLevel   string
}

func (f *serveFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.configPath, "config", "c", "", "TOML configuration file")
	fs.StringVar(&f.listen, "listen", "0.0.0.0", "listen address")
	fs.IntVarP(&f.port, "port", "p", 9000, "listen port")
	fs.StringVar(&f.metrics, "metrics", "", "serve prometheus metrics on this address")
	fs.StringVar(&f.dataDir, "data", "./doip-data", "object store directory")
	fs.BoolVar(&f.inMemory, "memory", false, "keep objects in memory only")
	fs.StringVar(&f.serviceID, "service-id", defaultServiceID, "identifier of this service")
	fs.StringVar(&f.logLevel, "log-level", "info", "debug, info, warn or error")
}

// loadConfig reads the config file, if any, and applies the flags the user
// set. Processor settings missing from both fall back to flag defaults.
func loadConfig(f serveFlags, changed func(string) bool) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return cfg, err
		}
	}

	if changed("listen") {
		cfg.Server.ListenAddress = f.listen
	}
	if changed("port") {
		cfg.Server.Port = f.port
	}
	if changed("metrics") {
		cfg.MetricsAddress = f.metrics
	}
	if changed("log-level") {
		cfg.Logging.Level = f.logLevel
	}

	if cfg.Server.ProcessorName == "" {
		cfg.Server.ProcessorName = objects.ProcessorName
	}
	pc := make(map[string]any, len(cfg.Server.ProcessorConfig)+5)
	for k, v := range cfg.Server.ProcessorConfig {
		pc[k] = v
	}
	setProcessorKey(pc, "serviceId", f.serviceID, changed("service-id"))
	setProcessorKey(pc, "dataDir", f.dataDir, changed("data"))
	setProcessorKey(pc, "inMemory", f.inMemory, changed("memory"))
	setProcessorKey(pc, "address", cfg.Server.ListenAddress, false)
	setProcessorKey(pc, "port", cfg.Server.Port, false)
	cfg.Server.ProcessorConfig = pc
	return cfg, nil
}

// setProcessorKey sets key when the flag was given or the key is absent.
func setProcessorKey(pc map[string]any, key string, v any, force bool) {
	if _, ok := pc[key]; ok && !force {
		return
	}
	pc[key] = v
}
