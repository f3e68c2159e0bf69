package experiment

import (
	"errors"
	"math"
	"net/netip"
	"testing"

	"github.com/iti/bnsim"
	"github.com/m-lab/go/testingx"
)

func buildDefault(t *testing.T, cfg *Config) *Topology {
	t.Helper()
	topo, err := BuildTopology(bnsim.CreateNetwork(cfg.Run, nil), cfg)
	testingx.Must(t, err, "cannot build topology")
	return topo
}

func TestBuildTopology(t *testing.T) {
	cfg := DefaultConfig()
	topo := buildDefault(t, &cfg)

	nodes := topo.Net.Nodes()
	if len(nodes) != 5 || nodes[0] != topo.Source {
		t.Fatalf("topology has %d nodes, source first = %v", len(nodes), nodes[0] == topo.Source)
	}

	wantAddrs := []struct {
		ifaces bnsim.InterfaceContainer
		a, b   string
	}{
		{topo.FastIfaces, "10.1.1.1", "10.1.1.2"},
		{topo.BottleneckIfaces, "10.1.2.1", "10.1.2.2"},
		{topo.Dest1Ifaces, "10.1.3.1", "10.1.3.2"},
		{topo.Dest2Ifaces, "10.1.4.1", "10.1.4.2"},
	}
	for _, w := range wantAddrs {
		if w.ifaces.Address(0) != netip.MustParseAddr(w.a) || w.ifaces.Address(1) != netip.MustParseAddr(w.b) {
			t.Errorf("link addressed %s,%s, want %s,%s", w.ifaces.Address(0), w.ifaces.Address(1), w.a, w.b)
		}
	}

	if topo.Bottleneck.Get(1).ReceiveErrorModel() != topo.ErrorModel {
		t.Errorf("error model not on the relay2 side of the bottleneck")
	}
	if topo.Bottleneck.Get(0).ReceiveErrorModel() != nil {
		t.Errorf("relay1 side of the bottleneck has an error model")
	}
	for _, link := range []bnsim.DeviceContainer{topo.Fast, topo.Branch1, topo.Branch2} {
		if link.Get(0).ReceiveErrorModel() != nil || link.Get(1).ReceiveErrorModel() != nil {
			t.Errorf("link %s has an error model", link.Get(0).Name())
		}
	}
	if topo.ErrorModel.Rate() != cfg.ErrorRate || topo.ErrorModel.Unit() != bnsim.ErrorUnitByte {
		t.Errorf("error model rate %v per %s", topo.ErrorModel.Rate(), topo.ErrorModel.Unit())
	}

	if float64(topo.Bottleneck.Get(0).DataRate()) != 1e6 || math.Abs(topo.Bottleneck.Get(0).Delay()-0.02) > 1e-12 {
		t.Errorf("bottleneck is %s / %v", topo.Bottleneck.Get(0).DataRate(), topo.Bottleneck.Get(0).Delay())
	}
	if math.Abs(topo.Branch2.Get(0).Delay()-0.05) > 1e-12 || math.Abs(topo.Branch1.Get(0).Delay()-0.00001) > 1e-12 {
		t.Errorf("branch delays are %v and %v", topo.Branch1.Get(0).Delay(), topo.Branch2.Get(0).Delay())
	}

	if got := bnsim.ShowPath(topo.Source, topo.Dest2); got != "source,relay1,relay2,dest2" {
		t.Errorf("path to dest2 = %q", got)
	}
	if got := bnsim.ShowPath(topo.Dest1, topo.Source); got != "dest1,relay2,relay1,source" {
		t.Errorf("path from dest1 = %q", got)
	}

	if err := topo.Net.PopulateRoutingTables(); !errors.Is(err, bnsim.ErrRoutesPopulated) {
		t.Errorf("routing computed twice: %v", err)
	}
}

func TestBuildTopologyRejectsUsedNetwork(t *testing.T) {
	cfg := DefaultConfig()
	net := bnsim.CreateNetwork(0, nil)
	net.CreateNodes("stray")
	if _, err := BuildTopology(net, &cfg); err == nil {
		t.Errorf("BuildTopology on a network with nodes succeeded")
	}
}

func TestBuildTopologyBadBottleneck(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataRate = "lots"
	if _, err := BuildTopology(bnsim.CreateNetwork(0, nil), &cfg); err == nil {
		t.Errorf("BuildTopology with a bad bottleneck rate succeeded")
	}
}
