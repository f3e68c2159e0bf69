// Package experiment runs a TCP bottleneck experiment: several bulk TCP flows
// share one lossy link and fan out to two destinations with different delays.
// It builds the topology, plans the flows, traces every sender's congestion
// window and reports the goodput each destination obtained.
package experiment

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/iti/bnsim"
	"github.com/prometheus/client_golang/prometheus"
)

// Result lists what a run produced
type Result struct {
	RunID      string
	Summary    *Summary
	Report     string   // empty if the report could not be written
	CwndTraces []string // one per traced socket
	Manifest   string
	NetTrace   string
	Metrics    string
}

// Run validates cfg, then builds and runs the experiment it describes, printing the
// goodput summary to stdout. Only configuration errors are returned: once the
// simulation starts, failures to write an artifact are logged and the run continues.
func Run(cfg Config, stdout io.Writer) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	res := &Result{RunID: uuid.NewString()}

	tm := bnsim.CreateTraceManager(cfg.PrefixName, len(cfg.NetTrace) > 0)
	net := bnsim.CreateNetwork(cfg.Run, tm)
	if err := net.SetSocketType(cfg.Protocol()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownProtocol, err)
	}

	topo, err := BuildTopology(net, &cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	plan, err := PlanFlows(topo, &cfg)
	if err != nil {
		return nil, err
	}
	plan.Schedule()

	var cwnd *CwndCollector
	if cfg.Tracing {
		cwnd = NewCwndCollector(net, &cfg)
		cwnd.ScheduleAttach(FlowStart + AttachDelay)
	}

	log.Info("starting simulation", "run", res.RunID, "protocol", cfg.Protocol(), "flows", cfg.NumFlows,
		"branch1", plan.Branch1, "branch2", plan.Branch2, "dataRate", cfg.DataRate, "delay", cfg.Delay,
		"errorRate", cfg.ErrorRate, "segment", plan.PayloadSize)
	net.Run(SimTime)
	log.Info("simulation finished", "run", res.RunID, "corrupted", topo.ErrorModel.Corrupted(), "examined", topo.ErrorModel.Examined())

	if cwnd != nil {
		if err := cwnd.Close(); err != nil {
			log.Error("cannot close cwnd traces", "err", err)
		}
		for _, idx := range cwnd.Attached() {
			res.CwndTraces = append(res.CwndTraces, cwnd.FileName(idx))
		}
	}

	res.Summary = Summarize(&cfg, Collect(plan))
	res.Summary.Print(stdout)

	reportName := ReportFileName(&cfg)
	if err := res.Summary.WriteReport(reportName); err != nil {
		log.Error("cannot create report", "file", reportName, "err", err)
	} else {
		res.Report = reportName
		fmt.Fprintf(stdout, "Report saved to: %s\n", reportName)
	}

	if len(cfg.Manifest) > 0 {
		name := cfg.outputPath(cfg.Manifest)
		if err := writeManifest(name, net, &cfg, res); err != nil {
			log.Error("cannot write manifest", "file", name, "err", err)
		} else {
			res.Manifest = name
		}
	}
	if len(cfg.NetTrace) > 0 {
		name := cfg.outputPath(cfg.NetTrace)
		if err := tm.WriteToFile(name); err != nil {
			log.Error("cannot write packet trace", "file", name, "err", err)
		} else {
			res.NetTrace = name
		}
	}
	if len(cfg.Metrics) > 0 {
		name := cfg.outputPath(cfg.Metrics)
		if err := prometheus.WriteToTextfile(name, net.Registry()); err != nil {
			log.Error("cannot write metrics", "file", name, "err", err)
		} else {
			res.Metrics = name
		}
	}
	return res, nil
}

// writeManifest describes the network, the configuration and the results of the run in filename
func writeManifest(filename string, net *bnsim.Network, cfg *Config, res *Result) error {
	td := net.Describe(cfg.PrefixName)
	td.RunID = res.RunID

	td.Attrbs["protocol"] = cfg.Protocol()
	td.Attrbs["flows"] = strconv.Itoa(cfg.NumFlows)
	td.Attrbs["dataRate"] = cfg.DataRate
	td.Attrbs["delay"] = cfg.Delay
	td.Attrbs["errorRate"] = formatDouble(cfg.ErrorRate)
	td.Attrbs["mtu"] = strconv.Itoa(cfg.MTU)
	td.Attrbs["run"] = strconv.Itoa(cfg.Run)
	td.Attrbs["aggregateGoodputMbps"] = formatDouble(res.Summary.Aggregate / 1e6)
	td.Attrbs["totalBytesReceived"] = strconv.FormatUint(res.Summary.TotalBytes, 10)
	if len(res.Report) > 0 {
		td.Attrbs["report"] = res.Report
	}
	return td.WriteToFile(filename)
}
