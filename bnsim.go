package bnsim

// bnsim.go holds the Network struct, which owns the event manager and
// every node, device and channel built for one experiment run

import (
	"fmt"
	"math"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/iti/rngstream"
	"github.com/prometheus/client_golang/prometheus"
)

// defaults applied to every TCP socket created on the network unless
// changed through SetSocketType and SetSegmentSize
const (
	defaultSocketType  = "TcpNewReno"
	defaultSegmentSize = 536

	// master seed of every random stream, fixed so a run index always selects the same substream
	rngMasterSeed = 123456789
)

// Network is the run-time representation of one simulated network. All of its
// state is touched only from event handlers dispatched by its event manager,
// so none of it is protected by locks.
type Network struct {
	evtMgr   *evtm.EventManager
	traceMgr *TraceManager
	metrics  *netMetrics

	nodes    []*Node
	channels []*channel

	// run selects the random number substream used by every stream the network creates
	run int

	routed bool

	socketType  string
	newCongOps  func() CongestionOps
	segmentSize uint32

	// utility counter for generating unique integer ids on demand
	numIDs int
}

// CreateNetwork is a constructor. The run index selects the random substream
// (so repeated runs with the same index are identical) and the trace manager,
// which may be nil, records packet drops. Creating a network restarts the
// random streams from the master seed, so only one network may be live at a time.
func CreateNetwork(run int, traceMgr *TraceManager) *Network {
	if traceMgr == nil {
		traceMgr = CreateTraceManager("", false)
	}
	rngstream.SetRngStreamMasterSeed(rngMasterSeed)

	net := new(Network)
	net.evtMgr = evtm.New()
	net.traceMgr = traceMgr
	net.metrics = createNetMetrics()
	net.nodes = make([]*Node, 0)
	net.channels = make([]*channel, 0)
	net.run = run
	net.segmentSize = defaultSegmentSize

	if err := net.SetSocketType(defaultSocketType); err != nil {
		panic(err)
	}
	return net
}

// nxtID creates an id for objects created within the network that is unique among those objects
func (net *Network) nxtID() int {
	net.numIDs += 1
	return net.numIDs
}

// EvtMgr exposes the event manager that drives the network
func (net *Network) EvtMgr() *evtm.EventManager {
	return net.evtMgr
}

// TraceMgr returns the trace manager recording the network's packet drops
func (net *Network) TraceMgr() *TraceManager {
	return net.traceMgr
}

// Now returns the current simulation time, in seconds
func (net *Network) Now() float64 {
	return net.evtMgr.CurrentSeconds()
}

// Schedule enqueues a call to handler, offset seconds from now. The handler is
// given context and data back when it is called.
func (net *Network) Schedule(offset float64, context any, data any, handler evtm.EventHandlerFunction) {
	if offset < 0.0 {
		panic(fmt.Errorf("negative schedule offset %g", offset))
	}
	net.evtMgr.Schedule(context, data, handler, vrtime.SecondsToTime(offset))
}

// ScheduleAt enqueues a call to handler at absolute simulation time at
func (net *Network) ScheduleAt(at float64, context any, data any, handler evtm.EventHandlerFunction) {
	net.Schedule(math.Max(at-net.Now(), 0.0), context, data, handler)
}

// Run executes events in time order until the event list empties or
// the simulation clock reaches stop
func (net *Network) Run(stop float64) {
	net.evtMgr.Run(stop)
}

// CreateNodes appends one node per name to the network's NodeList and returns them,
// in the order given
func (net *Network) CreateNodes(names ...string) []*Node {
	created := make([]*Node, 0, len(names))
	for _, name := range names {
		node := createNode(net, name)
		net.nodes = append(net.nodes, node)
		created = append(created, node)
	}
	return created
}

// Nodes returns the NodeList, in creation order
func (net *Network) Nodes() []*Node {
	return net.nodes
}

// SetSocketType selects, by name, the congestion control every TCP socket
// created afterwards will use
func (net *Network) SetSocketType(name string) error {
	factory, present := LookupCongestionOps(name)
	if !present {
		return fmt.Errorf("%w: %s", ErrUnknownSocketType, name)
	}
	net.socketType = name
	net.newCongOps = factory
	return nil
}

// SocketType returns the name of the congestion control given to new sockets
func (net *Network) SocketType() string {
	return net.socketType
}

// SetSegmentSize sets the TCP segment size (payload bytes) given to new sockets
func (net *Network) SetSegmentSize(bytes uint32) {
	if bytes == 0 {
		panic("zero TCP segment size")
	}
	net.segmentSize = bytes
}

// SegmentSize returns the TCP segment size given to new sockets
func (net *Network) SegmentSize() uint32 {
	return net.segmentSize
}

// Registry returns the registry holding the network's packet counters
func (net *Network) Registry() *prometheus.Registry {
	return net.metrics.registry
}

// CreateRngStream returns a random number stream positioned on the substream
// selected by the network's run index
func (net *Network) CreateRngStream(name string) *rngstream.RngStream {
	rng := rngstream.New(name)
	for idx := 0; idx < net.run; idx++ {
		rng.ResetNextSubstream()
	}
	return rng
}

// NullHandler exists to provide as a link for data fields that call for
// an event handler, but no event handler is actually needed
func NullHandler(evtMgr *evtm.EventManager, context any, msg any) any {
	return nil
}

var rdigits uint = 12

// roundFloat rounds computed simulation time to avoid non-sensical comparisons
// induced by rounding error
func roundFloat(val float64, precision uint) float64 {
	ratio := math.Pow(10, float64(precision))
	return math.Round(val*ratio) / ratio
}
