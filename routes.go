package bnsim

// routes.go computes the global routing tables of a network from shortest paths

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// ErrRoutesPopulated is returned when routing tables are computed a second time
var ErrRoutesPopulated = errors.New("routing tables already populated")

// The general approach is to convert the network's nodes and channels into the
// data structures used by a graph package that has built-in path discovery algorithms.
// Weighting each edge by 1, a shortest path minimizes the number of hops.
//   For every node the Dijkstra algorithm computes a tree of shortest paths rooted there.
// The first step of the path to each other node names the neighbor packets
// are forwarded to, and so the local device that faces it. Every address owned
// by the other node is then routed out through that device.

// buildConnGraph returns a graph.Graph with one graph node per network node
// (labeled by the node's id) and a unit-weight edge per channel
func buildConnGraph(net *Network) graph.Graph {
	connGraph := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for _, node := range net.nodes {
		connGraph.AddNode(simple.Node(node.id))
	}
	for _, ch := range net.channels {
		from := simple.Node(ch.ends[0].node.id)
		to := simple.Node(ch.ends[1].node.id)
		connGraph.SetWeightedEdge(simple.WeightedEdge{F: from, T: to, W: 1.0})
	}
	return connGraph
}

// convertNodeSeq extracts the network node ids from a sequence of graph nodes
// (e.g. like a path) and returns that list
func convertNodeSeq(nsQ []graph.Node) []int {
	rtn := []int{}
	for _, node := range nsQ {
		rtn = append(rtn, int(node.ID()))
	}
	return rtn
}

// PopulateRoutingTables fills every node's forwarding table. It must be called
// after all links exist and are addressed, before any traffic starts, and only once.
func (net *Network) PopulateRoutingTables() error {
	if net.routed {
		return ErrRoutesPopulated
	}

	for _, node := range net.nodes {
		for _, dev := range node.devices {
			if !dev.addr.IsValid() {
				return fmt.Errorf("device %s has no address", dev.name)
			}
		}
	}

	nodeByID := make(map[int]*Node)
	for _, node := range net.nodes {
		nodeByID[node.id] = node
	}

	connGraph := buildConnGraph(net)
	for _, src := range net.nodes {
		spTree := path.DijkstraFrom(simple.Node(src.id), connGraph)
		for _, dst := range net.nodes {
			if dst == src {
				continue
			}
			nodeSeq, _ := spTree.To(int64(dst.id))
			route := convertNodeSeq(nodeSeq)

			// unreachable destinations are simply left out of the table
			if len(route) < 2 {
				continue
			}
			nxtHop := nodeByID[route[1]]
			dev := facingDevice(src, nxtHop)
			if dev == nil {
				panic(fmt.Errorf("no device on %s faces %s", src.name, nxtHop.name))
			}
			for _, addr := range dst.Addresses() {
				src.routes[addr] = dev
			}
		}
	}
	net.routed = true
	return nil
}

// facingDevice returns the device of node whose channel ends at peer
func facingDevice(node, peer *Node) *NetDevice {
	for _, dev := range node.devices {
		if dev.channel.peer(dev).node == peer {
			return dev
		}
	}
	return nil
}

// ShowPath returns a string that lists the names of the nodes a packet from src
// to the address dst visits, following the routing tables
func ShowPath(src *Node, dst *Node) string {
	visited := []string{src.name}
	dstAddrs := dst.Addresses()
	if len(dstAddrs) == 0 {
		return src.name
	}
	here := src
	for here != dst {
		dev, present := here.routeTo(dstAddrs[0])
		if !present {
			visited = append(visited, "?")
			break
		}
		here = dev.channel.peer(dev).node
		if slices.Contains(visited, here.name) {
			visited = append(visited, here.name+"(loop)")
			break
		}
		visited = append(visited, here.name)
	}
	return strings.Join(visited, ",")
}
