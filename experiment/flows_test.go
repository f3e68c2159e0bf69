package experiment

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/iti/bnsim"
	"github.com/m-lab/go/testingx"
)

func TestSplitFlows(t *testing.T) {
	for n := 1; n <= MaxFlows; n++ {
		b1, b2 := SplitFlows(n)
		if b1 != n/2 || b1+b2 != n || b2 < b1 || b2-b1 > 1 {
			t.Errorf("SplitFlows(%d) = %d, %d", n, b1, b2)
		}
	}
}

func TestPayloadSize(t *testing.T) {
	if got := PayloadSize(1500); got != 1460 {
		t.Errorf("PayloadSize(1500) = %d, want 1460", got)
	}
	if got := PayloadSize(576); got != 536 {
		t.Errorf("PayloadSize(576) = %d, want 536", got)
	}
}

func planFor(t *testing.T, numFlows int) (*Topology, *FlowPlan) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.NumFlows = numFlows
	topo := buildDefault(t, &cfg)
	plan, err := PlanFlows(topo, &cfg)
	testingx.Must(t, err, "cannot plan %d flows", numFlows)
	return topo, plan
}

func TestPlanFlowsFour(t *testing.T) {
	topo, plan := planFor(t, 4)
	want := []struct {
		branch int
		port   uint16
	}{{1, 50000}, {1, 50001}, {2, 50002}, {2, 50003}}

	if len(plan.Flows) != len(want) {
		t.Fatalf("planned %d flows, want %d", len(plan.Flows), len(want))
	}
	for idx, w := range want {
		flow := plan.Flows[idx]
		if flow.Index != idx || flow.Branch != w.branch || flow.Port != w.port {
			t.Errorf("flow %d = branch %d port %d, want branch %d port %d", idx, flow.Branch, flow.Port, w.branch, w.port)
		}
		dest := topo.Dest(w.branch)
		if flow.Sink.Node() != dest || flow.Sink.Port() != w.port {
			t.Errorf("flow %d sink on %s:%d", idx, flow.Sink.Node().Name(), flow.Sink.Port())
		}
		remote := netip.AddrPortFrom(topo.DestIfaces(w.branch).Address(1), w.port)
		if flow.Source.Node() != topo.Source || flow.Source.Remote() != remote {
			t.Errorf("flow %d source aims at %s, want %s", idx, flow.Source.Remote(), remote)
		}
		if flow.Source.SendSize != 1460 || flow.Source.MaxBytes != 0 {
			t.Errorf("flow %d sends %d byte chunks up to %d", idx, flow.Source.SendSize, flow.Source.MaxBytes)
		}
	}
	if topo.Net.SegmentSize() != 1460 || plan.PayloadSize != 1460 {
		t.Errorf("segment size %d, payload %d", topo.Net.SegmentSize(), plan.PayloadSize)
	}
	if len(topo.Dest1.Applications()) != 2 || len(topo.Dest2.Applications()) != 2 || len(topo.Source.Applications()) != 4 {
		t.Errorf("applications installed: dest1 %d dest2 %d source %d", len(topo.Dest1.Applications()),
			len(topo.Dest2.Applications()), len(topo.Source.Applications()))
	}
}

func TestPlanFlowsPortsDisjoint(t *testing.T) {
	for n := 1; n <= MaxFlows; n++ {
		_, plan := planFor(t, n)
		b1, b2 := SplitFlows(n)
		if plan.Branch1 != b1 || plan.Branch2 != b2 || plan.Sinks.Len() != n || plan.Sources.Len() != n {
			t.Errorf("n=%d: plan has %d+%d flows, %d sinks, %d sources", n, plan.Branch1, plan.Branch2,
				plan.Sinks.Len(), plan.Sources.Len())
		}
		seen := make(map[uint16]bool)
		for _, flow := range plan.Flows {
			if seen[flow.Port] {
				t.Errorf("n=%d: port %d used twice", n, flow.Port)
			}
			seen[flow.Port] = true
			if flow.Port < BasePort || flow.Port >= BasePort+uint16(n) {
				t.Errorf("n=%d: port %d out of range", n, flow.Port)
			}
		}
	}
}

func TestPlanFlowsOneFlowUsesBranch2(t *testing.T) {
	topo, plan := planFor(t, 1)
	if plan.Branch1 != 0 || plan.Flows[0].Branch != 2 || plan.Flows[0].Port != BasePort {
		t.Errorf("single flow planned as %+v", plan.Flows[0])
	}
	if len(topo.Dest1.Applications()) != 0 {
		t.Errorf("dest1 has applications")
	}
}

func TestPlanFlowsRejectsCounts(t *testing.T) {
	for _, tt := range []struct {
		n    int
		want error
	}{{0, ErrNoFlows}, {-2, ErrNoFlows}, {21, ErrTooManyFlows}} {
		cfg := DefaultConfig()
		cfg.NumFlows = tt.n
		topo := buildDefault(t, &cfg)
		if _, err := PlanFlows(topo, &cfg); !errors.Is(err, tt.want) {
			t.Errorf("PlanFlows(%d) = %v, want %v", tt.n, err, tt.want)
		}
		if len(topo.Source.Applications()) != 0 {
			t.Errorf("PlanFlows(%d) installed applications", tt.n)
		}
	}
}

func TestScheduleOrdersSockets(t *testing.T) {
	topo, plan := planFor(t, 6)
	plan.Schedule()
	topo.Net.Run(FlowStart + AttachDelay)

	socks := topo.Source.Sockets()
	if len(socks) != 6 {
		t.Fatalf("source has %d sockets, want 6", len(socks))
	}
	for idx, sock := range socks {
		if plan.Flows[idx].Source.Socket() != sock || sock.Index() != idx {
			t.Errorf("socket %d does not belong to flow %d", sock.Index(), idx)
		}
		if sock.RemoteAddrPort().Port() != plan.Flows[idx].Port {
			t.Errorf("socket %d connects to port %d, want %d", idx, sock.RemoteAddrPort().Port(), plan.Flows[idx].Port)
		}
	}
	for _, dest := range []*bnsim.Node{topo.Dest1, topo.Dest2} {
		if len(dest.Sockets()) != 3 {
			t.Errorf("%s has %d listening sockets, want 3", dest.Name(), len(dest.Sockets()))
		}
	}
}
