package experiment

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/iti/bnsim"
	"gopkg.in/yaml.v3"
)

// MaxFlows is the largest number of flows an experiment may run
const MaxFlows = 20

// configuration errors
var (
	ErrTooManyFlows    = fmt.Errorf("more than %d flows requested", MaxFlows)
	ErrNoFlows         = errors.New("no flows requested")
	ErrUnknownProtocol = errors.New("unknown congestion control")
	ErrInvalidConfig   = errors.New("invalid configuration")
)

// Config holds the parameters of one experiment run
type Config struct {
	// rate and propagation delay of the bottleneck link, e.g. "1Mbps" and "20ms"
	DataRate string `json:"dataRate" yaml:"dataRate"`
	Delay    string `json:"delay" yaml:"delay"`

	// probability a byte arriving over the bottleneck is corrupted
	ErrorRate float64 `json:"errorRate" yaml:"errorRate"`

	NumFlows      int    `json:"nFlows" yaml:"nFlows"`
	TransportProt string `json:"transport_prot" yaml:"transport_prot"`
	MTU           int    `json:"mtu" yaml:"mtu"`

	// Run selects the random substream, so equal runs give equal results
	Run int `json:"run" yaml:"run"`

	PrefixName string `json:"prefix_name" yaml:"prefix_name"`
	Tracing    bool   `json:"tracing" yaml:"tracing"`

	// artifacts are written below OutputDir. Manifest, NetTrace and Metrics are
	// optional; relative names are taken relative to OutputDir.
	OutputDir string `json:"outdir" yaml:"outdir"`
	Manifest  string `json:"manifest" yaml:"manifest"`
	NetTrace  string `json:"nettrace" yaml:"nettrace"`
	Metrics   string `json:"metrics" yaml:"metrics"`
}

// DefaultConfig returns the configuration used when nothing is specified
func DefaultConfig() Config {
	return Config{
		DataRate:      "1Mbps",
		Delay:         "20ms",
		ErrorRate:     1e-5,
		NumFlows:      1,
		TransportProt: "TcpCubic",
		MTU:           1500,
		Run:           0,
		PrefixName:    "lab2-part1-ref",
		Tracing:       true,
		OutputDir:     ".",
	}
}

// nsPrefix is the namespace a congestion control name may carry, e.g. ns3::TcpCubic
const nsPrefix = "ns3::"

// Protocol returns the congestion control name as it appears in file names,
// with any ns3:: namespace removed
func (cfg *Config) Protocol() string {
	return strings.TrimPrefix(strings.TrimSpace(cfg.TransportProt), nsPrefix)
}

// Validate checks every parameter, returning all the problems found at once.
// Flow count problems wrap ErrTooManyFlows or ErrNoFlows, an unregistered
// congestion control wraps ErrUnknownProtocol and everything else wraps ErrInvalidConfig.
func (cfg *Config) Validate() error {
	errs := []error{}

	switch {
	case cfg.NumFlows > MaxFlows:
		errs = append(errs, fmt.Errorf("%w: %d", ErrTooManyFlows, cfg.NumFlows))
	case cfg.NumFlows < 1:
		errs = append(errs, fmt.Errorf("%w: %d", ErrNoFlows, cfg.NumFlows))
	}
	if _, present := bnsim.LookupCongestionOps(cfg.Protocol()); !present {
		errs = append(errs, fmt.Errorf("%w: %s (registered: %s)", ErrUnknownProtocol,
			cfg.Protocol(), strings.Join(bnsim.CongestionOpsNames(), ", ")))
	}
	if _, err := bnsim.ParseDataRate(cfg.DataRate); err != nil {
		errs = append(errs, fmt.Errorf("%w: dataRate: %v", ErrInvalidConfig, err))
	}
	if _, err := bnsim.ParseDelay(cfg.Delay); err != nil {
		errs = append(errs, fmt.Errorf("%w: delay: %v", ErrInvalidConfig, err))
	}
	if !(cfg.ErrorRate >= 0.0 && cfg.ErrorRate <= 1.0) {
		errs = append(errs, fmt.Errorf("%w: errorRate %g is not a probability", ErrInvalidConfig, cfg.ErrorRate))
	}
	if PayloadSize(cfg.MTU) <= 0 {
		errs = append(errs, fmt.Errorf("%w: mtu %d leaves no room for payload", ErrInvalidConfig, cfg.MTU))
	}
	if cfg.Run < 0 {
		errs = append(errs, fmt.Errorf("%w: negative run %d", ErrInvalidConfig, cfg.Run))
	}
	if strings.ContainsRune(cfg.PrefixName, os.PathSeparator) {
		errs = append(errs, fmt.Errorf("%w: prefix_name %q contains a path separator", ErrInvalidConfig, cfg.PrefixName))
	}
	if _, err := bnsim.CheckDirectories([]string{cfg.OutputDir}); err != nil {
		errs = append(errs, fmt.Errorf("%w: outdir: %v", ErrInvalidConfig, err))
	}
	for _, name := range []string{cfg.Manifest, cfg.NetTrace} {
		if len(name) > 0 && !serializable(name) {
			errs = append(errs, fmt.Errorf("%w: %s needs a .yaml, .yml or .json extension", ErrInvalidConfig, name))
		}
	}
	return bnsim.ReportErrs(errs)
}

// serializable reports whether the extension of filename selects yaml or json
func serializable(filename string) bool {
	switch filepath.Ext(filename) {
	case ".yaml", ".YAML", ".yml", ".json", ".JSON":
		return true
	}
	return false
}

// outputPath places name below the output directory unless it is absolute
func (cfg *Config) outputPath(name string) string {
	if filepath.IsAbs(name) || len(cfg.OutputDir) == 0 {
		return name
	}
	return filepath.Join(cfg.OutputDir, name)
}

// ReadConfig deserializes a byte slice holding a representation of a Config struct.
// If the input argument of dict (those bytes) is empty, the file whose name is given is read
// to acquire them.  Fields the representation leaves out keep their default values.
func ReadConfig(filename string, useYAML bool, dict []byte) (*Config, error) {
	var err error

	// read from the file only if the byte slice is empty
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := DefaultConfig()
	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}
	if err != nil {
		return nil, err
	}
	return &example, nil
}

// formatDouble renders v the way a C++ output stream does by default:
// six significant digits, no trailing zeros, exponent form for very large or small values
func formatDouble(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}
