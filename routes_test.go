package bnsim

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/m-lab/go/testingx"
)

func TestAddressHelperAssign(t *testing.T) {
	net := CreateNetwork(0, nil)
	nodes := net.CreateNodes("a", "b")
	p2p, err := CreatePointToPointHelper("1Mbps", "1ms")
	testingx.Must(t, err, "cannot create helper")
	devs := p2p.Install(nodes[0], nodes[1])

	ah, err := CreateAddressHelper("10.1.3.0", "255.255.255.0")
	testingx.Must(t, err, "cannot create address helper")
	ifaces, err := ah.Assign(devs)
	testingx.Must(t, err, "cannot assign")

	if ifaces.Address(0) != netip.MustParseAddr("10.1.3.1") || ifaces.Address(1) != netip.MustParseAddr("10.1.3.2") {
		t.Errorf("assigned %s and %s, want 10.1.3.1 and 10.1.3.2", ifaces.Address(0), ifaces.Address(1))
	}
	if ifaces.Prefix() != netip.MustParsePrefix("10.1.3.0/24") {
		t.Errorf("prefix = %s, want 10.1.3.0/24", ifaces.Prefix())
	}
	if _, err := ah.Assign(devs); err == nil {
		t.Errorf("second assignment to the same devices succeeded")
	}
}

func TestAddressHelperErrors(t *testing.T) {
	tests := []struct {
		base, mask string
	}{
		{"10.1.1.0", "255.0.255.0"},
		{"10.1.1.7", "255.255.255.0"},
		{"not-an-address", "255.255.255.0"},
		{"10.1.1.0", "mask"},
	}
	for _, tt := range tests {
		if _, err := CreateAddressHelper(tt.base, tt.mask); err == nil {
			t.Errorf("CreateAddressHelper(%q, %q) succeeded", tt.base, tt.mask)
		}
	}
}

func TestAddressHelperExhausted(t *testing.T) {
	net := CreateNetwork(0, nil)
	nodes := net.CreateNodes("a", "b", "c")
	p2p, err := CreatePointToPointHelper("1Mbps", "1ms")
	testingx.Must(t, err, "cannot create helper")

	// a /30 holds exactly two hosts
	ah, err := CreateAddressHelper("10.5.0.0", "255.255.255.252")
	testingx.Must(t, err, "cannot create address helper")
	_, err = ah.Assign(p2p.Install(nodes[0], nodes[1]))
	testingx.Must(t, err, "cannot assign first link")
	if _, err := ah.Assign(p2p.Install(nodes[1], nodes[2])); err == nil {
		t.Errorf("assignment beyond the end of the subnet succeeded")
	}
}

func TestPopulateRoutingTables(t *testing.T) {
	net, nodes, _ := buildLine(t, "10Mbps", "1ms")

	// every node reaches every address of every other node
	for _, src := range nodes {
		for _, dst := range nodes {
			if src == dst {
				continue
			}
			for _, addr := range dst.Addresses() {
				if _, present := src.routeTo(addr); !present {
					t.Errorf("%s has no route to %s on %s", src.Name(), addr, dst.Name())
				}
			}
		}
	}
	if got := ShowPath(nodes[0], nodes[2]); got != "a,b,c" {
		t.Errorf("ShowPath(a,c) = %q, want a,b,c", got)
	}
	if got := ShowPath(nodes[2], nodes[0]); got != "c,b,a" {
		t.Errorf("ShowPath(c,a) = %q, want c,b,a", got)
	}

	err := net.PopulateRoutingTables()
	if !errors.Is(err, ErrRoutesPopulated) {
		t.Errorf("second PopulateRoutingTables() = %v, want ErrRoutesPopulated", err)
	}
}

func TestPopulateRoutingTablesUnaddressed(t *testing.T) {
	net := CreateNetwork(0, nil)
	nodes := net.CreateNodes("a", "b")
	p2p, err := CreatePointToPointHelper("1Mbps", "1ms")
	testingx.Must(t, err, "cannot create helper")
	p2p.Install(nodes[0], nodes[1])

	if err := net.PopulateRoutingTables(); err == nil {
		t.Errorf("routing over unaddressed devices succeeded")
	}
}
