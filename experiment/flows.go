package experiment

import (
	"fmt"
	"net/netip"

	"github.com/iti/bnsim"
)

// schedule of every run, in seconds of simulation time
const (
	SinkStart = 0.0
	FlowStart = 1.0
	SimTime   = 20.0

	// cwnd traces attach this long after the sources start, once their sockets exist
	AttachDelay = 0.00001
)

// BasePort is the first port of branch 1. Branch 2 continues right after the last port of branch 1.
const BasePort = 50000

// FlowDesc describes one planned flow
type FlowDesc struct {
	// Index is the position of the flow in creation order, and so the index
	// of its socket in the source's SocketList
	Index  int
	Branch int // 1 or 2
	Port   uint16
	Sink   *bnsim.PacketSink
	Source *bnsim.BulkSend
}

// FlowPlan is the ordered set of flows of an experiment with the containers
// through which their applications are scheduled
type FlowPlan struct {
	Flows       []FlowDesc
	Sinks       bnsim.ApplicationContainer
	Sources     bnsim.ApplicationContainer
	Branch1     int
	Branch2     int
	PayloadSize int
}

// SplitFlows divides n flows between the branches: floor(n/2) to branch 1,
// the rest (so the odd flow) to branch 2
func SplitFlows(n int) (branch1, branch2 int) {
	branch1 = n / 2
	return branch1, n - branch1
}

// PayloadSize returns the TCP payload carried by a packet that fills the MTU
func PayloadSize(mtu int) int {
	return mtu - (bnsim.Ipv4HeaderSize + bnsim.TcpHeaderSize)
}

// CreateTcpFlows installs count sinks on dst, listening on basePort, basePort+1, ...,
// and count unlimited bulk senders on src, each aimed at the matching sink through the
// address dst has on the link dstIfaces. The applications are appended to sinks and
// sources; none is started.
func CreateTcpFlows(src, dst *bnsim.Node, dstIfaces bnsim.InterfaceContainer, basePort uint16, count int,
	segSize int, sinks, sources *bnsim.ApplicationContainer) {

	for idx := 0; idx < count; idx++ {
		port := basePort + uint16(idx)
		sinks.Add(bnsim.InstallPacketSink(dst, port))
		remote := netip.AddrPortFrom(dstIfaces.Address(1), port)
		sources.Add(bnsim.InstallBulkSend(src, remote, segSize, 0))
	}
}

// PlanFlows installs the flows of the experiment on the topology and sets the
// segment size of the network's TCP sockets to the payload the MTU allows
func PlanFlows(topo *Topology, cfg *Config) (*FlowPlan, error) {
	if cfg.NumFlows < 1 {
		return nil, fmt.Errorf("%w: %d", ErrNoFlows, cfg.NumFlows)
	}
	if cfg.NumFlows > MaxFlows {
		return nil, fmt.Errorf("%w: %d", ErrTooManyFlows, cfg.NumFlows)
	}
	plan := new(FlowPlan)
	plan.PayloadSize = PayloadSize(cfg.MTU)
	if plan.PayloadSize <= 0 {
		return nil, fmt.Errorf("%w: mtu %d", ErrInvalidConfig, cfg.MTU)
	}
	topo.Net.SetSegmentSize(uint32(plan.PayloadSize))

	plan.Branch1, plan.Branch2 = SplitFlows(cfg.NumFlows)
	basePort := [3]uint16{0, BasePort, BasePort + uint16(plan.Branch1)}
	counts := [3]int{0, plan.Branch1, plan.Branch2}

	for branch := 1; branch <= 2; branch++ {
		CreateTcpFlows(topo.Source, topo.Dest(branch), topo.DestIfaces(branch), basePort[branch], counts[branch],
			plan.PayloadSize, &plan.Sinks, &plan.Sources)
	}

	for idx := 0; idx < plan.Sinks.Len(); idx++ {
		sink := plan.Sinks.Get(idx).(*bnsim.PacketSink)
		branch := 2
		if idx < plan.Branch1 {
			branch = 1
		}
		plan.Flows = append(plan.Flows, FlowDesc{Index: idx, Branch: branch, Port: sink.Port(),
			Sink: sink, Source: plan.Sources.Get(idx).(*bnsim.BulkSend)})
	}
	return plan, nil
}

// Schedule starts the sinks at SinkStart and the sources at FlowStart, stopping both at SimTime
func (plan *FlowPlan) Schedule() {
	plan.Sinks.Start(SinkStart)
	plan.Sinks.Stop(SimTime)
	plan.Sources.Start(FlowStart)
	plan.Sources.Stop(SimTime)
}
