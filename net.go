package bnsim

// net.go contains the nodes, devices and point-to-point channels of the
// network, and the event handlers that carry packets across them

import (
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/iti/evt/evtm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// header sizes in bytes, as serialized on the wire
const (
	Ipv4HeaderSize = 20
	TcpHeaderSize  = 20
)

// defaultQueueSize is the drop-tail limit (in packets) of a device transmit queue
const defaultQueueSize = 100

// reasons a packet is discarded
const (
	dropRxError = "rxerror"
	dropQueue   = "queue"
	dropNoRoute = "noroute"
	dropNoSock  = "nosocket"
)

// netMetrics are the packet counters of one network, registered on its own
// registry so a run reports only its own packets
type netMetrics struct {
	registry  *prometheus.Registry
	dropped   *prometheus.CounterVec
	delivered prometheus.Counter
}

func createNetMetrics() *netMetrics {
	reg := prometheus.NewRegistry()
	return &netMetrics{
		registry: reg,
		dropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "bnsim_packets_dropped_total",
			Help: "Number of packets discarded by the simulated network, by reason.",
		}, []string{"reason"}),
		delivered: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "bnsim_packets_delivered_total",
			Help: "Number of packets delivered to a transport endpoint.",
		}),
	}
}

// Packet is one IPv4/TCP packet in flight. Sequence numbers count payload bytes
// from zero; SYN and pure ACK segments carry no payload.
type Packet struct {
	uid     int
	Src     netip.Addr
	Dst     netip.Addr
	SrcPort uint16
	DstPort uint16
	Seq     int64
	Ack     int64
	Flags   TcpFlags
	Payload int
}

// Size is the number of bytes the packet occupies on the wire
func (pckt *Packet) Size() int {
	return pckt.Payload + Ipv4HeaderSize + TcpHeaderSize
}

func (pckt *Packet) String() string {
	return fmt.Sprintf("%s:%d>%s:%d seq %d ack %d len %d %s",
		pckt.Src, pckt.SrcPort, pckt.Dst, pckt.DstPort, pckt.Seq, pckt.Ack, pckt.Payload, pckt.Flags)
}

// DataRate is a link transmission rate in bits per second
type DataRate float64

// rateUnits maps the accepted rate suffixes to their multiplier in bits per second
var rateUnits = map[string]float64{
	"bps": 1, "b/s": 1,
	"kbps": 1e3, "Kbps": 1e3, "kb/s": 1e3, "Kb/s": 1e3,
	"Mbps": 1e6, "mbps": 1e6, "Mb/s": 1e6,
	"Gbps": 1e9, "gbps": 1e9, "Gb/s": 1e9,
	"Bps": 8, "B/s": 8,
	"kBps": 8e3, "KBps": 8e3, "KB/s": 8e3,
	"MBps": 8e6, "MB/s": 8e6,
	"GBps": 8e9, "GB/s": 8e9,
	"Kibps": 1024, "Mibps": 1024 * 1024, "Gibps": 1024 * 1024 * 1024,
}

// ParseDataRate converts a rate string such as "1Mbps" or "100kbps" into a DataRate.
// A bare number is taken as bits per second.
func ParseDataRate(rate string) (DataRate, error) {
	rate = strings.TrimSpace(rate)

	// try the longest suffixes first so that "Mbps" is not mistaken for "bps"
	units := make([]string, 0, len(rateUnits))
	for unit := range rateUnits {
		units = append(units, unit)
	}
	sort.Slice(units, func(i, j int) bool {
		if len(units[i]) != len(units[j]) {
			return len(units[i]) > len(units[j])
		}
		return units[i] < units[j]
	})

	mult := 1.0
	number := rate
	for _, unit := range units {
		if strings.HasSuffix(rate, unit) {
			mult = rateUnits[unit]
			number = strings.TrimSpace(strings.TrimSuffix(rate, unit))
			break
		}
	}
	value, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid data rate %q", rate)
	}
	if !(value > 0) {
		return 0, fmt.Errorf("data rate %q is not positive", rate)
	}
	return DataRate(value * mult), nil
}

// TxTime returns the time, in seconds, needed to serialize bytes onto a link at this rate
func (dr DataRate) TxTime(bytes int) float64 {
	return float64(bytes*8) / float64(dr)
}

func (dr DataRate) String() string {
	bps := float64(dr)
	switch {
	case bps >= 1e9:
		return strconv.FormatFloat(bps/1e9, 'g', -1, 64) + "Gbps"
	case bps >= 1e6:
		return strconv.FormatFloat(bps/1e6, 'g', -1, 64) + "Mbps"
	case bps >= 1e3:
		return strconv.FormatFloat(bps/1e3, 'g', -1, 64) + "kbps"
	}
	return strconv.FormatFloat(bps, 'g', -1, 64) + "bps"
}

// ParseDelay converts a delay string such as "20ms" or "0.01ms" into seconds.
// A bare number is taken as seconds.
func ParseDelay(delay string) (float64, error) {
	delay = strings.TrimSpace(delay)
	if secs, err := strconv.ParseFloat(delay, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative delay %q", delay)
		}
		return secs, nil
	}
	dur, err := time.ParseDuration(delay)
	if err != nil {
		return 0, fmt.Errorf("invalid delay %q", delay)
	}
	if dur < 0 {
		return 0, fmt.Errorf("negative delay %q", delay)
	}
	return dur.Seconds(), nil
}

// Node is a host or router. Every node runs an IPv4 forwarding layer and a TCP stack.
type Node struct {
	name    string
	id      int
	index   int // position in the network's NodeList
	net     *Network
	devices []*NetDevice

	// next-hop device by destination address, filled by PopulateRoutingTables
	routes map[netip.Addr]*NetDevice

	tcp  *tcpL4
	apps []Application
}

// createNode is a constructor
func createNode(net *Network, name string) *Node {
	node := new(Node)
	node.net = net
	node.id = net.nxtID()
	node.index = len(net.nodes)
	if len(name) == 0 {
		name = fmt.Sprintf("node[%d]", node.index)
	}
	node.name = name
	node.devices = make([]*NetDevice, 0)
	node.routes = make(map[netip.Addr]*NetDevice)
	node.apps = make([]Application, 0)
	node.tcp = createTcpL4(node)
	net.traceMgr.AddName(node.id, node.name, "node")
	return node
}

// Name returns the node's name
func (node *Node) Name() string {
	return node.name
}

// Index returns the node's position in the NodeList
func (node *Node) Index() int {
	return node.index
}

// Devices returns the devices installed on the node, in installation order
func (node *Node) Devices() []*NetDevice {
	return node.devices
}

// Applications returns the applications installed on the node, in installation order
func (node *Node) Applications() []Application {
	return node.apps
}

// Sockets returns the node's TCP SocketList, in creation order
func (node *Node) Sockets() []*TcpSocket {
	return node.tcp.sockets
}

// Addresses lists the IPv4 addresses assigned to the node's devices
func (node *Node) Addresses() []netip.Addr {
	addrs := []netip.Addr{}
	for _, dev := range node.devices {
		if dev.addr.IsValid() {
			addrs = append(addrs, dev.addr)
		}
	}
	return addrs
}

// owns reports whether addr is assigned to one of the node's devices
func (node *Node) owns(addr netip.Addr) bool {
	for _, dev := range node.devices {
		if dev.addr == addr {
			return true
		}
	}
	return false
}

// routeTo returns the device through which packets for dst leave the node
func (node *Node) routeTo(dst netip.Addr) (*NetDevice, bool) {
	for _, dev := range node.devices {
		if dev.prefix.IsValid() && dev.prefix.Contains(dst) && dev.channel.peer(dev).addr == dst {
			return dev, true
		}
	}
	dev, present := node.routes[dst]
	return dev, present
}

// send hands a locally generated packet to the forwarding layer
func (node *Node) send(pckt *Packet) bool {
	if pckt.uid == 0 {
		pckt.uid = node.net.nxtID()
	}
	return node.forward(pckt)
}

// forward looks up the next hop and queues the packet on the outgoing device
func (node *Node) forward(pckt *Packet) bool {
	dev, present := node.routeTo(pckt.Dst)
	if !present {
		node.drop(pckt, dropNoRoute)
		return false
	}
	return dev.enqueue(pckt)
}

// receive is called when a packet arrives at one of the node's devices
func (node *Node) receive(pckt *Packet) {
	if node.owns(pckt.Dst) {
		node.net.metrics.delivered.Inc()
		node.tcp.receive(pckt)
		return
	}
	node.forward(pckt)
}

// drop counts and traces a discarded packet
func (node *Node) drop(pckt *Packet, reason string) {
	node.net.metrics.dropped.WithLabelValues(reason).Inc()
	AddDropTrace(node.net.traceMgr, node.net.evtMgr.CurrentTime(), node.id, pckt, reason)
}

// NetDevice is one end of a point-to-point link
type NetDevice struct {
	name    string
	id      int
	node    *Node
	addr    netip.Addr
	prefix  netip.Prefix
	rate    DataRate
	channel *channel
	txq     *txQueue
	rxErr   ErrorModel
}

// createNetDevice is a constructor, attaching the new device to node
func createNetDevice(node *Node, rate DataRate, queueSize int) *NetDevice {
	dev := new(NetDevice)
	dev.node = node
	dev.id = node.net.nxtID()
	dev.name = fmt.Sprintf("%s/dev%d", node.name, len(node.devices))
	dev.rate = rate
	dev.txq = createTxQueue(queueSize)
	node.devices = append(node.devices, dev)
	node.net.traceMgr.AddName(dev.id, dev.name, "device")
	return dev
}

// Name returns the device's name, built from its node's name and its index there
func (dev *NetDevice) Name() string {
	return dev.name
}

// Node returns the node the device is installed on
func (dev *NetDevice) Node() *Node {
	return dev.node
}

// Address returns the device's IPv4 address, invalid if none is assigned yet
func (dev *NetDevice) Address() netip.Addr {
	return dev.addr
}

// Prefix returns the subnet the device's address was assigned from
func (dev *NetDevice) Prefix() netip.Prefix {
	return dev.prefix
}

// DataRate returns the transmission rate of the device
func (dev *NetDevice) DataRate() DataRate {
	return dev.rate
}

// Delay returns the propagation delay of the channel the device is attached to
func (dev *NetDevice) Delay() float64 {
	return dev.channel.delay
}

// SetReceiveErrorModel installs em to decide which arriving packets are corrupted
func (dev *NetDevice) SetReceiveErrorModel(em ErrorModel) {
	dev.rxErr = em
}

// ReceiveErrorModel returns the receive error model, if any
func (dev *NetDevice) ReceiveErrorModel() ErrorModel {
	return dev.rxErr
}

// enqueue puts the packet on the device's transmit queue, which starts
// transmitting it at once if the wire is idle
func (dev *NetDevice) enqueue(pckt *Packet) bool {
	txTime := roundFloat(dev.rate.TxTime(pckt.Size()), rdigits)
	accepted := dev.txq.schedule(dev.node.net, pckt, txTime, dev, transmitComplete)
	if !accepted {
		dev.node.drop(pckt, dropQueue)
	}
	return accepted
}

// transmitComplete is called when the last bit of a packet has left the device.
// The packet arrives at the peer device one propagation delay later.
func transmitComplete(evtMgr *evtm.EventManager, context any, data any) any {
	dev := context.(*NetDevice)
	pckt := data.(*Packet)
	peer := dev.channel.peer(dev)
	dev.node.net.Schedule(dev.channel.delay, peer, pckt, arriveAtDevice)
	return nil
}

// arriveAtDevice is called when a packet has been fully received by a device
func arriveAtDevice(evtMgr *evtm.EventManager, context any, data any) any {
	dev := context.(*NetDevice)
	pckt := data.(*Packet)
	if dev.rxErr != nil && dev.rxErr.IsCorrupt(pckt) {
		dev.node.drop(pckt, dropRxError)
		return nil
	}
	dev.node.receive(pckt)
	return nil
}

// channel is the wire between the two devices of a point-to-point link
type channel struct {
	name  string
	delay float64
	ends  [2]*NetDevice
}

// peer returns the device at the other end of the channel
func (ch *channel) peer(dev *NetDevice) *NetDevice {
	if ch.ends[0] == dev {
		return ch.ends[1]
	}
	return ch.ends[0]
}

// DeviceContainer holds the two devices of a point-to-point link,
// the first installed on the first node given to Install
type DeviceContainer [2]*NetDevice

// Get returns the device at index idx (0 or 1)
func (dc DeviceContainer) Get(idx int) *NetDevice {
	return dc[idx]
}

// PointToPointHelper holds the attributes given to every link it installs
type PointToPointHelper struct {
	DataRate  DataRate
	Delay     float64 // propagation delay, in seconds
	QueueSize int     // transmit queue limit in packets, defaultQueueSize if zero
}

// CreatePointToPointHelper builds a helper from rate and delay strings, e.g. ("100Mbps","0.01ms")
func CreatePointToPointHelper(rate, delay string) (*PointToPointHelper, error) {
	dr, err := ParseDataRate(rate)
	if err != nil {
		return nil, err
	}
	secs, err := ParseDelay(delay)
	if err != nil {
		return nil, err
	}
	return &PointToPointHelper{DataRate: dr, Delay: secs, QueueSize: defaultQueueSize}, nil
}

// Install creates a device on each of nodeA and nodeB and joins them with a channel
func (p2p *PointToPointHelper) Install(nodeA, nodeB *Node) DeviceContainer {
	if nodeA.net != nodeB.net {
		panic("point-to-point link between nodes of different networks")
	}
	if nodeA == nodeB {
		panic(fmt.Errorf("point-to-point link from %s to itself", nodeA.name))
	}
	qsize := p2p.QueueSize
	if qsize <= 0 {
		qsize = defaultQueueSize
	}
	devA := createNetDevice(nodeA, p2p.DataRate, qsize)
	devB := createNetDevice(nodeB, p2p.DataRate, qsize)

	ch := &channel{name: nodeA.name + "-" + nodeB.name, delay: p2p.Delay, ends: [2]*NetDevice{devA, devB}}
	devA.channel = ch
	devB.channel = ch
	nodeA.net.channels = append(nodeA.net.channels, ch)

	return DeviceContainer{devA, devB}
}
