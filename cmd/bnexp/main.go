// bnexp runs one TCP bottleneck experiment and writes its congestion window
// traces and goodput report. Every flag may also be given through the
// environment, e.g. NFLOWS=4 or LOG_LEVEL=debug.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/iti/bnsim/experiment"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"
)

var logLevels = map[string]log.Level{
	"debug": log.DebugLevel,
	"info":  log.InfoLevel,
	"warn":  log.WarnLevel,
	"error": log.ErrorLevel,
}

// cliFlags holds the values bound to the command line
type cliFlags struct {
	cfg        experiment.Config
	configFile string
	logLevel   flagx.Enum
}

// registerFlags binds the experiment parameters to fs, with the defaults of experiment.DefaultConfig
func registerFlags(fs *flag.FlagSet) *cliFlags {
	cf := &cliFlags{cfg: experiment.DefaultConfig()}
	cf.logLevel = flagx.Enum{Options: []string{"debug", "info", "warn", "error"}, Value: "info"}

	fs.StringVar(&cf.cfg.DataRate, "dataRate", cf.cfg.DataRate, "Bottleneck link data rate")
	fs.StringVar(&cf.cfg.Delay, "delay", cf.cfg.Delay, "Bottleneck link delay")
	fs.Float64Var(&cf.cfg.ErrorRate, "errorRate", cf.cfg.ErrorRate, "Probability a byte crossing the bottleneck is corrupted")
	fs.IntVar(&cf.cfg.NumFlows, "nFlows", cf.cfg.NumFlows, fmt.Sprintf("Number of TCP flows (max %d)", experiment.MaxFlows))
	fs.StringVar(&cf.cfg.TransportProt, "transport_prot", cf.cfg.TransportProt, "Congestion control: TcpNewReno or TcpCubic, optionally with the ns3:: namespace")
	fs.IntVar(&cf.cfg.MTU, "mtu", cf.cfg.MTU, "Size of IP packets to send, in bytes")
	fs.IntVar(&cf.cfg.Run, "run", cf.cfg.Run, "Run index, selects the random substream")
	fs.StringVar(&cf.cfg.PrefixName, "prefix_name", cf.cfg.PrefixName, "Prefix of output trace file")
	fs.BoolVar(&cf.cfg.Tracing, "tracing", cf.cfg.Tracing, "Trace the congestion window of every flow")
	fs.StringVar(&cf.cfg.OutputDir, "outdir", cf.cfg.OutputDir, "Directory receiving all output files")
	fs.StringVar(&cf.cfg.Manifest, "manifest", "", "Write a description of the network and the run here (.yaml or .json)")
	fs.StringVar(&cf.cfg.NetTrace, "nettrace", "", "Write every packet drop here (.yaml or .json)")
	fs.StringVar(&cf.cfg.Metrics, "metrics", "", "Write the packet counters here in Prometheus text format")
	fs.StringVar(&cf.configFile, "config", "", "YAML or JSON file of experiment parameters; flags given explicitly override it")
	fs.Var(&cf.logLevel, "log.level", "Log level: debug, info, warn or error")
	return cf
}

// config returns the experiment configuration: the config file if one is named,
// overlaid with every flag set on fs, else the flags alone
func (cf *cliFlags) config(fs *flag.FlagSet) (experiment.Config, error) {
	if len(cf.configFile) == 0 {
		return cf.cfg, nil
	}
	useYAML := !strings.EqualFold(filepath.Ext(cf.configFile), ".json")
	fileCfg, err := experiment.ReadConfig(cf.configFile, useYAML, nil)
	if err != nil {
		return experiment.Config{}, fmt.Errorf("%w: config %s: %v", experiment.ErrInvalidConfig, cf.configFile, err)
	}
	cfg := *fileCfg
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "dataRate":
			cfg.DataRate = cf.cfg.DataRate
		case "delay":
			cfg.Delay = cf.cfg.Delay
		case "errorRate":
			cfg.ErrorRate = cf.cfg.ErrorRate
		case "nFlows":
			cfg.NumFlows = cf.cfg.NumFlows
		case "transport_prot":
			cfg.TransportProt = cf.cfg.TransportProt
		case "mtu":
			cfg.MTU = cf.cfg.MTU
		case "run":
			cfg.Run = cf.cfg.Run
		case "prefix_name":
			cfg.PrefixName = cf.cfg.PrefixName
		case "tracing":
			cfg.Tracing = cf.cfg.Tracing
		case "outdir":
			cfg.OutputDir = cf.cfg.OutputDir
		case "manifest":
			cfg.Manifest = cf.cfg.Manifest
		case "nettrace":
			cfg.NetTrace = cf.cfg.NetTrace
		case "metrics":
			cfg.Metrics = cf.cfg.Metrics
		}
	})
	return cfg, nil
}

// exitCode maps a configuration error to the process exit status:
// 1 for a flow count out of range, 2 for anything else
func exitCode(err error) int {
	if errors.Is(err, experiment.ErrTooManyFlows) || errors.Is(err, experiment.ErrNoFlows) {
		return 1
	}
	return 2
}

var flags = registerFlags(flag.CommandLine)

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from environment variables")

	log.SetReportTimestamp(true)
	log.SetLevel(logLevels[flags.logLevel.Value])

	cfg, err := flags.config(flag.CommandLine)
	if err == nil {
		_, err = experiment.Run(cfg, os.Stdout)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "bnexp: %v\n", err)
		os.Exit(exitCode(err))
	}
}
