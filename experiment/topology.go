package experiment

import (
	"fmt"

	"github.com/iti/bnsim"
)

// attributes of the links around the bottleneck
const (
	fastRate     = "100Mbps"
	fastDelay    = "0.01ms"
	branchRate   = "100Mbps"
	branch1Delay = "0.01ms"
	branch2Delay = "50ms"
	netmask      = "255.255.255.0"
)

// subnets assigned to the four links, in link order
var subnets = []string{"10.1.1.0", "10.1.2.0", "10.1.3.0", "10.1.4.0"}

// Topology is the dumbbell-like network of an experiment:
//
//	source --fast-- relay1 ==bottleneck== relay2 --branch1-- dest1
//	                                             \--branch2-- dest2
//
// The only lossy element is the error model on the relay2 side of the bottleneck.
type Topology struct {
	Net *bnsim.Network

	Source, Relay1, Relay2, Dest1, Dest2 *bnsim.Node

	Fast, Bottleneck, Branch1, Branch2 bnsim.DeviceContainer

	FastIfaces, BottleneckIfaces, Dest1Ifaces, Dest2Ifaces bnsim.InterfaceContainer

	ErrorModel *bnsim.RateErrorModel
}

// BuildTopology creates the nodes and links of the experiment on net, addresses
// them and computes the routing tables. The source is node 0 of the NodeList.
func BuildTopology(net *bnsim.Network, cfg *Config) (*Topology, error) {
	if len(net.Nodes()) != 0 {
		return nil, fmt.Errorf("topology must be built on an empty network, it has %d nodes", len(net.Nodes()))
	}
	topo := &Topology{Net: net}
	nodes := net.CreateNodes("source", "relay1", "relay2", "dest1", "dest2")
	topo.Source, topo.Relay1, topo.Relay2, topo.Dest1, topo.Dest2 = nodes[0], nodes[1], nodes[2], nodes[3], nodes[4]

	fast, err := bnsim.CreatePointToPointHelper(fastRate, fastDelay)
	if err != nil {
		return nil, err
	}
	bottleneck, err := bnsim.CreatePointToPointHelper(cfg.DataRate, cfg.Delay)
	if err != nil {
		return nil, fmt.Errorf("bottleneck: %w", err)
	}
	toDest1, err := bnsim.CreatePointToPointHelper(branchRate, branch1Delay)
	if err != nil {
		return nil, err
	}
	toDest2, err := bnsim.CreatePointToPointHelper(branchRate, branch2Delay)
	if err != nil {
		return nil, err
	}

	topo.Fast = fast.Install(topo.Source, topo.Relay1)
	topo.Bottleneck = bottleneck.Install(topo.Relay1, topo.Relay2)
	topo.Branch1 = toDest1.Install(topo.Relay2, topo.Dest1)
	topo.Branch2 = toDest2.Install(topo.Relay2, topo.Dest2)

	topo.ErrorModel, err = bnsim.CreateRateErrorModel(cfg.ErrorRate, bnsim.ErrorUnitByte,
		net.CreateRngStream("bottleneck-errors"))
	if err != nil {
		return nil, err
	}
	topo.Bottleneck.Get(1).SetReceiveErrorModel(topo.ErrorModel)

	links := []bnsim.DeviceContainer{topo.Fast, topo.Bottleneck, topo.Branch1, topo.Branch2}
	ifaces := []*bnsim.InterfaceContainer{&topo.FastIfaces, &topo.BottleneckIfaces, &topo.Dest1Ifaces, &topo.Dest2Ifaces}
	for idx, link := range links {
		ah, err := bnsim.CreateAddressHelper(subnets[idx], netmask)
		if err != nil {
			return nil, err
		}
		*ifaces[idx], err = ah.Assign(link)
		if err != nil {
			return nil, err
		}
	}

	if err := net.PopulateRoutingTables(); err != nil {
		return nil, err
	}
	return topo, nil
}

// DestIfaces returns the interfaces of the link leading to the destination of branch (1 or 2)
func (topo *Topology) DestIfaces(branch int) bnsim.InterfaceContainer {
	if branch == 1 {
		return topo.Dest1Ifaces
	}
	return topo.Dest2Ifaces
}

// Dest returns the destination node of branch (1 or 2)
func (topo *Topology) Dest(branch int) *bnsim.Node {
	if branch == 1 {
		return topo.Dest1
	}
	return topo.Dest2
}
