package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/iti/bnsim/experiment"
	"github.com/m-lab/go/testingx"
)

func parse(t *testing.T, args ...string) (*flag.FlagSet, *cliFlags) {
	t.Helper()
	fs := flag.NewFlagSet("bnexp", flag.ContinueOnError)
	cf := registerFlags(fs)
	testingx.Must(t, fs.Parse(args), "cannot parse %v", args)
	return fs, cf
}

func TestFlagsDefault(t *testing.T) {
	fs, cf := parse(t)
	cfg, err := cf.config(fs)
	testingx.Must(t, err, "cannot build config")
	if cfg != experiment.DefaultConfig() {
		t.Errorf("config from no flags = %+v", cfg)
	}
	if cf.logLevel.Value != "info" {
		t.Errorf("log level = %q", cf.logLevel.Value)
	}
}

func TestFlags(t *testing.T) {
	fs, cf := parse(t, "-nFlows=4", "-transport_prot=TcpNewReno", "-errorRate=0.001", "-tracing=false",
		"-delay=50ms", "-log.level=debug")
	cfg, err := cf.config(fs)
	testingx.Must(t, err, "cannot build config")
	if cfg.NumFlows != 4 || cfg.Protocol() != "TcpNewReno" || cfg.ErrorRate != 0.001 || cfg.Tracing || cfg.Delay != "50ms" {
		t.Errorf("config = %+v", cfg)
	}
	if cf.logLevel.Value != "debug" {
		t.Errorf("log level = %q", cf.logLevel.Value)
	}

	fs = flag.NewFlagSet("bnexp", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	registerFlags(fs)
	if err := fs.Parse([]string{"-log.level=loud"}); err == nil {
		t.Errorf("unknown log level accepted")
	}
}

func TestConfigFileOverlay(t *testing.T) {
	dir := t.TempDir()
	yamlFile := filepath.Join(dir, "exp.yaml")
	testingx.Must(t, os.WriteFile(yamlFile, []byte("nFlows: 6\ndataRate: 2Mbps\nprefix_name: fromfile\n"), 0644),
		"cannot write config")

	fs, cf := parse(t, "-config", yamlFile, "-nFlows=8", "-mtu", "576")
	cfg, err := cf.config(fs)
	testingx.Must(t, err, "cannot build config")
	if cfg.NumFlows != 8 || cfg.MTU != 576 {
		t.Errorf("explicit flags did not override the file: %+v", cfg)
	}
	if cfg.DataRate != "2Mbps" || cfg.PrefixName != "fromfile" {
		t.Errorf("file values lost: %+v", cfg)
	}
	if cfg.Delay != "20ms" || cfg.Protocol() != "TcpCubic" {
		t.Errorf("defaults lost: %+v", cfg)
	}

	jsonFile := filepath.Join(dir, "exp.json")
	testingx.Must(t, os.WriteFile(jsonFile, []byte(`{"transport_prot": "TcpNewReno"}`), 0644), "cannot write config")
	fs, cf = parse(t, "-config", jsonFile)
	cfg, err = cf.config(fs)
	testingx.Must(t, err, "cannot build config")
	if cfg.Protocol() != "TcpNewReno" {
		t.Errorf("json config read as %+v", cfg)
	}

	fs, cf = parse(t, "-config", filepath.Join(dir, "none.yaml"))
	if _, err := cf.config(fs); !errors.Is(err, experiment.ErrInvalidConfig) {
		t.Errorf("missing config file gave %v", err)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: fmt.Errorf("%w: 21", experiment.ErrTooManyFlows), want: 1},
		{err: fmt.Errorf("%w: 0", experiment.ErrNoFlows), want: 1},
		{err: fmt.Errorf("%w: TcpVegas", experiment.ErrUnknownProtocol), want: 2},
		{err: experiment.ErrInvalidConfig, want: 2},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}

	cfg := experiment.DefaultConfig()
	cfg.NumFlows = 21
	cfg.TransportProt = "TcpVegas"
	if got := exitCode(cfg.Validate()); got != 1 {
		t.Errorf("flow count and protocol errors together exit with %d, want 1", got)
	}
}
