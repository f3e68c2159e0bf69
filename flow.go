package bnsim

// flow.go holds the applications that generate and absorb TCP flows, and the
// container through which a group of them is started and stopped together

import (
	"net/netip"

	"github.com/charmbracelet/log"
	"github.com/iti/evt/evtm"
)

// Application is a traffic source or sink installed on a node
type Application interface {
	Node() *Node
	startApp()
	stopApp()
}

// ApplicationContainer is an ordered group of applications
type ApplicationContainer struct {
	apps []Application
}

// Add appends apps to the container
func (ac *ApplicationContainer) Add(apps ...Application) {
	ac.apps = append(ac.apps, apps...)
}

// Len returns the number of applications in the container
func (ac *ApplicationContainer) Len() int {
	return len(ac.apps)
}

// Get returns the application at position idx
func (ac *ApplicationContainer) Get(idx int) Application {
	return ac.apps[idx]
}

// Start schedules, at absolute time at, a single event that starts every
// application in container order. Sockets the applications create are
// therefore numbered in that order.
func (ac *ApplicationContainer) Start(at float64) {
	if len(ac.apps) == 0 {
		return
	}
	net := ac.apps[0].Node().net
	apps := append([]Application{}, ac.apps...)
	net.ScheduleAt(at, apps, nil, startApps)
}

// Stop schedules, at absolute time at, the stop of every application in container order
func (ac *ApplicationContainer) Stop(at float64) {
	if len(ac.apps) == 0 {
		return
	}
	net := ac.apps[0].Node().net
	apps := append([]Application{}, ac.apps...)
	net.ScheduleAt(at, apps, nil, stopApps)
}

func startApps(evtMgr *evtm.EventManager, context any, data any) any {
	for _, app := range context.([]Application) {
		app.startApp()
	}
	return nil
}

func stopApps(evtMgr *evtm.EventManager, context any, data any) any {
	for _, app := range context.([]Application) {
		app.stopApp()
	}
	return nil
}

// PacketSink accepts TCP connections on a port and counts the bytes it receives
type PacketSink struct {
	node     *Node
	port     uint16
	listener *TcpSocket
	accepted []*TcpSocket
	totalRx  uint64
	running  bool
}

// InstallPacketSink creates a sink listening on port of node. It takes effect when started.
func InstallPacketSink(node *Node, port uint16) *PacketSink {
	sink := new(PacketSink)
	sink.node = node
	sink.port = port
	sink.accepted = make([]*TcpSocket, 0)
	node.apps = append(node.apps, sink)
	return sink
}

func (sink *PacketSink) Node() *Node {
	return sink.node
}

// Port returns the port the sink listens on
func (sink *PacketSink) Port() uint16 {
	return sink.port
}

// TotalRx returns the number of bytes received in order across all accepted connections
func (sink *PacketSink) TotalRx() uint64 {
	return sink.totalRx
}

// Accepted returns the connections the sink has accepted
func (sink *PacketSink) Accepted() []*TcpSocket {
	return sink.accepted
}

func (sink *PacketSink) startApp() {
	if sink.running {
		return
	}
	sink.listener = sink.node.CreateSocket()
	if err := sink.listener.Listen(sink.port); err != nil {
		log.Error("packet sink cannot listen", "node", sink.node.name, "port", sink.port, "err", err)
		return
	}
	sink.listener.SetAcceptCallback(sink.handleAccept)
	sink.running = true
}

func (sink *PacketSink) stopApp() {
	if !sink.running {
		return
	}
	sink.running = false
	for _, sock := range sink.accepted {
		sock.Close()
	}
	sink.listener.Close()
}

func (sink *PacketSink) handleAccept(sock *TcpSocket) {
	sink.accepted = append(sink.accepted, sock)
	sock.SetRecvCallback(sink.handleRecv)
}

func (sink *PacketSink) handleRecv(sock *TcpSocket, n int) {
	sink.totalRx += uint64(n)
}

// BulkSend opens one TCP connection and writes to it as fast as the send
// buffer allows, until MaxBytes have been written (forever if MaxBytes is 0)
type BulkSend struct {
	node     *Node
	remote   netip.AddrPort
	SendSize int
	MaxBytes uint64
	sock     *TcpSocket
	totalTx  uint64
	running  bool
}

// InstallBulkSend creates a bulk sender on node aimed at remote. It takes effect when started.
func InstallBulkSend(node *Node, remote netip.AddrPort, sendSize int, maxBytes uint64) *BulkSend {
	if sendSize <= 0 {
		panic("bulk send with non-positive send size")
	}
	bs := new(BulkSend)
	bs.node = node
	bs.remote = remote
	bs.SendSize = sendSize
	bs.MaxBytes = maxBytes
	node.apps = append(node.apps, bs)
	return bs
}

func (bs *BulkSend) Node() *Node {
	return bs.node
}

// Remote returns the address the sender connects to
func (bs *BulkSend) Remote() netip.AddrPort {
	return bs.remote
}

// Socket returns the sender's socket, nil before the application starts
func (bs *BulkSend) Socket() *TcpSocket {
	return bs.sock
}

// TotalTx returns the number of bytes written to the socket
func (bs *BulkSend) TotalTx() uint64 {
	return bs.totalTx
}

func (bs *BulkSend) startApp() {
	if bs.running {
		return
	}
	bs.sock = bs.node.CreateSocket()
	bs.sock.SetConnectCallback(func(sock *TcpSocket) { bs.fill() })
	bs.sock.SetSendCallback(func(sock *TcpSocket, avail int) { bs.fill() })
	if err := bs.sock.Connect(bs.remote); err != nil {
		log.Warn("bulk send cannot connect", "node", bs.node.name, "remote", bs.remote, "err", err)
		return
	}
	bs.running = true
}

func (bs *BulkSend) stopApp() {
	if !bs.running {
		return
	}
	bs.running = false
	bs.sock.Close()
}

// fill writes SendSize chunks until the send buffer or the byte budget is exhausted
func (bs *BulkSend) fill() {
	for bs.running && bs.sock.Established() {
		toSend := uint64(bs.SendSize)
		if bs.MaxBytes > 0 {
			if bs.totalTx >= bs.MaxBytes {
				return
			}
			toSend = min(toSend, bs.MaxBytes-bs.totalTx)
		}
		sent := bs.sock.Send(int(toSend))
		if sent == 0 {
			return
		}
		bs.totalTx += uint64(sent)
	}
}
