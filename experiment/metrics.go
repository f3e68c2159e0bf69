package experiment

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// ActiveDuration is the time every flow had to send, in seconds
const ActiveDuration = SimTime - FlowStart

// Snapshot is the post-run measurement of one flow
type Snapshot struct {
	Flow    int
	Branch  int
	Port    uint16
	RxBytes uint64
}

// Collect reads the byte counter of every flow's sink. Call it only after the run ends.
func Collect(plan *FlowPlan) []Snapshot {
	snaps := make([]Snapshot, 0, len(plan.Flows))
	for _, flow := range plan.Flows {
		snaps = append(snaps, Snapshot{Flow: flow.Index, Branch: flow.Branch, Port: flow.Port, RxBytes: flow.Sink.TotalRx()})
	}
	return snaps
}

// Summary holds the goodput figures of a run. Rates are in bits per second.
type Summary struct {
	Protocol  string
	Flows     int
	ErrorRate float64
	DataRate  string
	Delay     string

	Snapshots []Snapshot
	Goodput   []float64 // per flow, in snapshot order

	AvgDest1   float64
	AvgDest2   float64
	Aggregate  float64
	TotalBytes uint64
}

// goodput converts a byte count received over the active duration into bits per second
func goodput(bytes uint64) float64 {
	return float64(bytes) * 8.0 / ActiveDuration
}

// Summarize computes the goodput figures of a run. The average of a destination is
// the goodput of all its flows together divided by their number, 0 if it has none.
func Summarize(cfg *Config, snaps []Snapshot) *Summary {
	sum := &Summary{Protocol: cfg.Protocol(), Flows: cfg.NumFlows, ErrorRate: cfg.ErrorRate,
		DataRate: cfg.DataRate, Delay: cfg.Delay, Snapshots: snaps}

	var bytesByBranch [3]uint64
	var flowsByBranch [3]int
	for _, snap := range snaps {
		sum.Goodput = append(sum.Goodput, goodput(snap.RxBytes))
		sum.TotalBytes += snap.RxBytes
		bytesByBranch[snap.Branch] += snap.RxBytes
		flowsByBranch[snap.Branch] += 1
	}
	if flowsByBranch[1] > 0 {
		sum.AvgDest1 = goodput(bytesByBranch[1]) / float64(flowsByBranch[1])
	}
	if flowsByBranch[2] > 0 {
		sum.AvgDest2 = goodput(bytesByBranch[2]) / float64(flowsByBranch[2])
	}
	sum.Aggregate = goodput(sum.TotalBytes)
	return sum
}

// Print writes the per-flow goodputs and the summary figures, in Mbps
func (sum *Summary) Print(w io.Writer) {
	for idx, gp := range sum.Goodput {
		fmt.Fprintf(w, "Flow %d Goodput: %s Mbps\n", sum.Snapshots[idx].Flow, formatDouble(gp/1e6))
	}
	fmt.Fprintf(w, "\n=== Results ===\n")
	fmt.Fprintf(w, "Avg goodput Dest1: %s Mbps\n", formatDouble(sum.AvgDest1/1e6))
	fmt.Fprintf(w, "Avg goodput Dest2: %s Mbps\n", formatDouble(sum.AvgDest2/1e6))
	fmt.Fprintf(w, "Aggregate goodput: %s Mbps\n", formatDouble(sum.Aggregate/1e6))
	fmt.Fprintf(w, "Total bytes received: %d\n", sum.TotalBytes)
}

// ReportFileName returns the path of the report of a run with configuration cfg
func ReportFileName(cfg *Config) string {
	name := fmt.Sprintf("%s-%s-%dflows-%serroRate.txt", cfg.PrefixName, cfg.Protocol(), cfg.NumFlows,
		formatDouble(cfg.ErrorRate))
	return cfg.outputPath(name)
}

// report returns the key: value lines of the report
func (sum *Summary) report() string {
	lines := []string{
		"Protocol: " + sum.Protocol,
		fmt.Sprintf("Flows: %d", sum.Flows),
		"ErrorRate: " + formatDouble(sum.ErrorRate),
		"DataRate: " + sum.DataRate,
		"Delay: " + sum.Delay,
		"AvgGoodputDest1(Mbps): " + formatDouble(sum.AvgDest1/1e6),
		"AvgGoodputDest2(Mbps): " + formatDouble(sum.AvgDest2/1e6),
		"AggregateGoodput(Mbps): " + formatDouble(sum.Aggregate/1e6),
		fmt.Sprintf("TotalBytesReceived: %d", sum.TotalBytes),
	}
	return strings.Join(lines, "\n") + "\n"
}

// WriteReport stores the report in filename
func (sum *Summary) WriteReport(filename string) error {
	return os.WriteFile(filename, []byte(sum.report()), 0644)
}

// ReadReport parses a report written by WriteReport into its key: value pairs
func ReadReport(filename string) (map[string]string, error) {
	bytes, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]string)
	for _, line := range strings.Split(string(bytes), "\n") {
		key, value, found := strings.Cut(line, ": ")
		if found {
			fields[key] = value
		}
	}
	return fields, nil
}
