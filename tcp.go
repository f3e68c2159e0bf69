package bnsim

// tcp.go holds the TCP layer of a node and its sockets. Sequence numbers count
// payload bytes from zero in each direction; the SYN does not consume one.
// The sender runs slow start and congestion avoidance through its CongestionOps,
// fast retransmit with NewReno recovery (RFC 6582) and a retransmission timer
// per RFC 6298. The receiver acknowledges every segment and buffers segments
// that arrive out of order.

import (
	"fmt"
	"math"
	"net/netip"
	"strings"

	"github.com/iti/evt/evtm"
)

// TcpFlags are the control bits of a segment
type TcpFlags uint8

const (
	FlagSyn TcpFlags = 1 << iota
	FlagAck
)

func (tf TcpFlags) String() string {
	names := []string{}
	if tf&FlagSyn != 0 {
		names = append(names, "SYN")
	}
	if tf&FlagAck != 0 {
		names = append(names, "ACK")
	}
	return "[" + strings.Join(names, "|") + "]"
}

// socket buffer and timer parameters
const (
	sndBufSize    = 131072
	rcvWndSize    = 131072
	initialCwnd   = 10 // segments
	dupAckThresh  = 3
	initialRto    = 1.0
	minRto        = 1.0
	maxRto        = 60.0
	clockGranule  = 0.001
	firstEphemera = 49153
	noRto         = -1
)

// tcpState is the connection state of a socket
type tcpState int

const (
	tcpClosed tcpState = iota
	tcpListen
	tcpSynSent
	tcpSynRcvd
	tcpEstablished
)

var tcpStateToStr = map[tcpState]string{tcpClosed: "CLOSED", tcpListen: "LISTEN",
	tcpSynSent: "SYN_SENT", tcpSynRcvd: "SYN_RCVD", tcpEstablished: "ESTABLISHED"}

func (ts tcpState) String() string {
	return tcpStateToStr[ts]
}

// connKey identifies a connection from the point of view of the local node
type connKey struct {
	local  netip.AddrPort
	remote netip.AddrPort
}

// tcpL4 is the TCP layer of one node. It owns the node's SocketList and
// demultiplexes arriving segments to connected and listening sockets.
type tcpL4 struct {
	node      *Node
	sockets   []*TcpSocket
	listeners map[uint16]*TcpSocket
	conns     map[connKey]*TcpSocket
	nxtPort   uint16
}

// createTcpL4 is a constructor
func createTcpL4(node *Node) *tcpL4 {
	l4 := new(tcpL4)
	l4.node = node
	l4.sockets = make([]*TcpSocket, 0)
	l4.listeners = make(map[uint16]*TcpSocket)
	l4.conns = make(map[connKey]*TcpSocket)
	l4.nxtPort = firstEphemera
	return l4
}

// CreateSocket appends a new TCP socket to the node's SocketList and returns it.
// The socket takes the network's current socket type and segment size.
func (node *Node) CreateSocket() *TcpSocket {
	return node.tcp.createSocket()
}

func (l4 *tcpL4) createSocket() *TcpSocket {
	net := l4.node.net
	sock := new(TcpSocket)
	sock.l4 = l4
	sock.index = len(l4.sockets)
	sock.state = tcpClosed
	sock.cong = net.newCongOps()
	sock.tcb = new(TcpSocketState)
	sock.tcb.SegmentSize = net.segmentSize
	sock.tcb.Cwnd.init(initialCwnd * net.segmentSize)
	sock.tcb.SsThresh.init(math.MaxUint32)
	sock.rto = initialRto
	sock.armedGen = noRto
	sock.recover = -1
	sock.ooo = make(map[int64]int)
	l4.sockets = append(l4.sockets, sock)
	return sock
}

// allocPort returns an ephemeral port not in use on the node
func (l4 *tcpL4) allocPort() uint16 {
	for {
		port := l4.nxtPort
		l4.nxtPort += 1
		if l4.nxtPort == 0 {
			l4.nxtPort = firstEphemera
		}
		if _, present := l4.listeners[port]; !present {
			return port
		}
	}
}

// receive demultiplexes a segment addressed to the node
func (l4 *tcpL4) receive(pckt *Packet) {
	key := connKey{local: netip.AddrPortFrom(pckt.Dst, pckt.DstPort),
		remote: netip.AddrPortFrom(pckt.Src, pckt.SrcPort)}

	if sock, present := l4.conns[key]; present {
		sock.receive(pckt)
		return
	}
	if pckt.Flags == FlagSyn {
		if lsn, present := l4.listeners[pckt.DstPort]; present {
			lsn.fork(pckt)
			return
		}
	}
	l4.node.drop(pckt, dropNoSock)
}

// TcpSocketState is the congestion state of a socket shared with its CongestionOps
type TcpSocketState struct {
	SegmentSize uint32
	Cwnd        TracedUint32
	SsThresh    TracedUint32
}

// TcpSocket is one end of a TCP connection, or a listening socket
type TcpSocket struct {
	l4     *tcpL4
	index  int
	state  tcpState
	local  netip.AddrPort
	remote netip.AddrPort
	parent *TcpSocket // listening socket a connection was forked from

	cong CongestionOps
	tcb  *TcpSocketState

	// sender
	sndUna     int64 // oldest unacknowledged byte
	sndNxt     int64 // next byte to send
	sndMax     int64 // highest byte sent, plus one
	bufEnd     int64 // end of the data written by the application
	dupAcks    int
	inRecovery bool
	recover    int64
	partials   int // partial acknowledgements seen in the current recovery

	// retransmission timer
	rto      float64
	srtt     float64
	rttvar   float64
	hasRtt   bool
	rtoGen   int // bumped by every start and cancel
	armedGen int // generation of the pending expiry, noRto when the timer is stopped
	timing   bool
	timedAt  float64
	timedTo  int64 // sequence whose acknowledgement ends the RTT sample

	// receiver
	rcvNxt int64
	ooo    map[int64]int

	// statistics
	retransmits int
	timeouts    int
	rxBytes     uint64

	acceptCb    func(*TcpSocket)
	recvCb      func(*TcpSocket, int)
	sendCb      func(*TcpSocket, int)
	connectedCb func(*TcpSocket)
}

// Index returns the position of the socket in its node's SocketList
func (sock *TcpSocket) Index() int {
	return sock.index
}

// Node returns the node the socket belongs to
func (sock *TcpSocket) Node() *Node {
	return sock.l4.node
}

// Cwnd returns the congestion window, in bytes
func (sock *TcpSocket) Cwnd() uint32 {
	return sock.tcb.Cwnd.Get()
}

// SsThresh returns the slow start threshold, in bytes
func (sock *TcpSocket) SsThresh() uint32 {
	return sock.tcb.SsThresh.Get()
}

// CongestionOps returns the congestion control of the socket
func (sock *TcpSocket) CongestionOps() CongestionOps {
	return sock.cong
}

// Established reports whether the handshake has completed
func (sock *TcpSocket) Established() bool {
	return sock.state == tcpEstablished
}

// LocalAddrPort returns the local endpoint
func (sock *TcpSocket) LocalAddrPort() netip.AddrPort {
	return sock.local
}

// RemoteAddrPort returns the remote endpoint, invalid for a listening socket
func (sock *TcpSocket) RemoteAddrPort() netip.AddrPort {
	return sock.remote
}

// BytesAcked returns the number of bytes sent and acknowledged by the peer
func (sock *TcpSocket) BytesAcked() int64 {
	return sock.sndUna
}

// BytesReceived returns the number of in-order bytes delivered to the application
func (sock *TcpSocket) BytesReceived() uint64 {
	return sock.rxBytes
}

// Retransmits returns the number of segments sent more than once
func (sock *TcpSocket) Retransmits() int {
	return sock.retransmits
}

// Timeouts returns the number of retransmission timer expirations
func (sock *TcpSocket) Timeouts() int {
	return sock.timeouts
}

// SetAcceptCallback sets the function a listening socket calls with each new connection
func (sock *TcpSocket) SetAcceptCallback(cb func(*TcpSocket)) {
	sock.acceptCb = cb
}

// SetRecvCallback sets the function called with the number of bytes delivered in order
func (sock *TcpSocket) SetRecvCallback(cb func(*TcpSocket, int)) {
	sock.recvCb = cb
}

// SetSendCallback sets the function called with the free send buffer space
// after acknowledgements release some of it
func (sock *TcpSocket) SetSendCallback(cb func(*TcpSocket, int)) {
	sock.sendCb = cb
}

// SetConnectCallback sets the function called when an active open completes
func (sock *TcpSocket) SetConnectCallback(cb func(*TcpSocket)) {
	sock.connectedCb = cb
}

func (sock *TcpSocket) net() *Network {
	return sock.l4.node.net
}

// Listen makes the socket accept connections on port
func (sock *TcpSocket) Listen(port uint16) error {
	if sock.state != tcpClosed {
		return fmt.Errorf("listen on socket in state %s", sock.state)
	}
	if _, present := sock.l4.listeners[port]; present {
		return fmt.Errorf("port %d already has a listener on %s", port, sock.l4.node.name)
	}
	sock.state = tcpListen
	sock.local = netip.AddrPortFrom(netip.IPv4Unspecified(), port)
	sock.l4.listeners[port] = sock
	return nil
}

// Connect starts the handshake with remote
func (sock *TcpSocket) Connect(remote netip.AddrPort) error {
	if sock.state != tcpClosed {
		return fmt.Errorf("connect on socket in state %s", sock.state)
	}
	dev, present := sock.l4.node.routeTo(remote.Addr())
	if !present {
		return fmt.Errorf("no route from %s to %s", sock.l4.node.name, remote.Addr())
	}
	sock.local = netip.AddrPortFrom(dev.addr, sock.l4.allocPort())
	sock.remote = remote
	sock.l4.conns[connKey{local: sock.local, remote: sock.remote}] = sock
	sock.state = tcpSynSent
	sock.sendControl(FlagSyn)
	sock.armRto()
	return nil
}

// fork creates the connection socket for a SYN arriving at a listener
func (sock *TcpSocket) fork(syn *Packet) {
	conn := sock.l4.createSocket()
	conn.parent = sock
	conn.local = netip.AddrPortFrom(syn.Dst, syn.DstPort)
	conn.remote = netip.AddrPortFrom(syn.Src, syn.SrcPort)
	conn.state = tcpSynRcvd
	sock.l4.conns[connKey{local: conn.local, remote: conn.remote}] = conn
	conn.sendControl(FlagSyn | FlagAck)
	conn.armRto()
}

// Close stops the socket. Segments arriving for it afterwards are discarded.
func (sock *TcpSocket) Close() {
	switch sock.state {
	case tcpClosed:
		return
	case tcpListen:
		delete(sock.l4.listeners, sock.local.Port())
	default:
		delete(sock.l4.conns, connKey{local: sock.local, remote: sock.remote})
	}
	sock.cancelRto()
	sock.state = tcpClosed
}

// SendBufferAvailable returns the free space in the send buffer
func (sock *TcpSocket) SendBufferAvailable() int {
	return int(sndBufSize - (sock.bufEnd - sock.sndUna))
}

// Send queues n bytes for transmission. The write is all or nothing: the return
// is n if the bytes fit in the send buffer, and 0 otherwise.
func (sock *TcpSocket) Send(n int) int {
	if n <= 0 || sock.state == tcpClosed || sock.state == tcpListen {
		return 0
	}
	if n > sock.SendBufferAvailable() {
		return 0
	}
	sock.bufEnd += int64(n)
	sock.trySend()
	return n
}

// sendControl emits a segment without payload
func (sock *TcpSocket) sendControl(flags TcpFlags) {
	pckt := &Packet{Src: sock.local.Addr(), Dst: sock.remote.Addr(), SrcPort: sock.local.Port(),
		DstPort: sock.remote.Port(), Seq: sock.sndNxt, Ack: sock.rcvNxt, Flags: flags}
	sock.l4.node.send(pckt)
}

// sendSegment emits length bytes of data starting at seq
func (sock *TcpSocket) sendSegment(seq int64, length int) {
	if seq < sock.sndMax {
		sock.retransmits += 1
		// Karn: no RTT sample from retransmitted data
		if sock.timing && seq < sock.timedTo {
			sock.timing = false
		}
	} else if !sock.timing {
		sock.timing = true
		sock.timedAt = sock.net().Now()
		sock.timedTo = seq + int64(length)
	}

	pckt := &Packet{Src: sock.local.Addr(), Dst: sock.remote.Addr(), SrcPort: sock.local.Port(),
		DstPort: sock.remote.Port(), Seq: seq, Ack: sock.rcvNxt, Flags: FlagAck, Payload: length}
	sock.l4.node.send(pckt)

	if end := seq + int64(length); end > sock.sndMax {
		sock.sndMax = end
	}
}

// trySend transmits as much buffered data as the windows allow
func (sock *TcpSocket) trySend() {
	if sock.state != tcpEstablished {
		return
	}
	seg := int64(sock.tcb.SegmentSize)
	for {
		window := min(int64(sock.tcb.Cwnd.Get()), rcvWndSize)
		inFlight := sock.sndNxt - sock.sndUna
		avail := sock.bufEnd - sock.sndNxt
		if avail <= 0 || inFlight >= window {
			break
		}
		length := min(seg, avail, window-inFlight)

		// no runt segments while more data than fits is waiting
		if length < seg && avail > length {
			break
		}
		sock.sendSegment(sock.sndNxt, int(length))
		sock.sndNxt += length
		if sock.armedGen == noRto {
			sock.armRto()
		}
	}
}

// receive handles a segment addressed to the socket
func (sock *TcpSocket) receive(pckt *Packet) {
	switch sock.state {
	case tcpSynSent:
		if pckt.Flags == FlagSyn|FlagAck {
			sock.cancelRto()
			sock.state = tcpEstablished
			sock.sendControl(FlagAck)
			if sock.connectedCb != nil {
				sock.connectedCb(sock)
			}
			sock.trySend()
		}
		return
	case tcpSynRcvd:
		if pckt.Flags == FlagSyn {
			sock.sendControl(FlagSyn | FlagAck)
			return
		}
		if pckt.Flags&FlagAck == 0 {
			return
		}
		sock.cancelRto()
		sock.state = tcpEstablished
		if sock.parent != nil && sock.parent.acceptCb != nil {
			sock.parent.acceptCb(sock)
		}
	case tcpEstablished:
		if pckt.Flags == FlagSyn|FlagAck {
			// our ACK of the handshake was lost
			sock.sendControl(FlagAck)
			return
		}
	default:
		return
	}

	if pckt.Payload > 0 {
		sock.receiveData(pckt)
	}
	if pckt.Flags&FlagAck != 0 {
		sock.receiveAck(pckt)
	}
}

// receiveData delivers in-order bytes, buffers out of order ones and acknowledges
func (sock *TcpSocket) receiveData(pckt *Packet) {
	end := pckt.Seq + int64(pckt.Payload)
	delivered := int64(0)

	switch {
	case pckt.Seq <= sock.rcvNxt && end > sock.rcvNxt:
		delivered = end - sock.rcvNxt
		sock.rcvNxt = end
		for {
			length, present := sock.ooo[sock.rcvNxt]
			if !present {
				break
			}
			delete(sock.ooo, sock.rcvNxt)
			sock.rcvNxt += int64(length)
			delivered += int64(length)
		}
	case pckt.Seq > sock.rcvNxt && end-sock.rcvNxt <= rcvWndSize:
		if length, present := sock.ooo[pckt.Seq]; !present || length < pckt.Payload {
			sock.ooo[pckt.Seq] = pckt.Payload
		}
	}
	sock.sendControl(FlagAck)

	if delivered > 0 {
		sock.rxBytes += uint64(delivered)
		if sock.recvCb != nil {
			sock.recvCb(sock, int(delivered))
		}
	}
}

// receiveAck processes the acknowledgement carried by a segment
func (sock *TcpSocket) receiveAck(pckt *Packet) {
	ack := pckt.Ack
	now := sock.net().Now()
	seg := sock.tcb.SegmentSize

	switch {
	case ack > sock.sndMax:
		return

	case ack > sock.sndUna:
		bytesAcked := ack - sock.sndUna
		segsAcked := uint32((bytesAcked + int64(seg) - 1) / int64(seg))

		if sock.timing && ack >= sock.timedTo {
			rtt := now - sock.timedAt
			sock.timing = false
			sock.updateRto(rtt)
			sock.cong.PktsAcked(sock.tcb, segsAcked, rtt)
		}
		sock.sndUna = ack
		if sock.sndNxt < sock.sndUna {
			sock.sndNxt = sock.sndUna
		}

		restart := true
		if sock.inRecovery {
			if ack >= sock.recover {
				sock.inRecovery = false
				sock.dupAcks = 0
				sock.tcb.Cwnd.Set(sock.tcb.SsThresh.Get())
			} else {
				// partial acknowledgement: the next hole is lost too
				sock.sendSegment(sock.sndUna, sock.segmentAt(sock.sndUna))
				cwnd := int64(sock.tcb.Cwnd.Get())
				if cwnd > bytesAcked {
					cwnd -= bytesAcked
				} else {
					cwnd = 0
				}
				sock.tcb.Cwnd.Set(uint32(max(cwnd+int64(seg), int64(seg))))

				// impatient variant: only the first partial acknowledgement restarts the timer
				sock.partials += 1
				restart = sock.partials == 1
			}
		} else {
			sock.dupAcks = 0
			sock.cong.IncreaseWindow(sock.tcb, segsAcked, now)
		}

		if sock.sndUna == sock.sndMax {
			sock.cancelRto()
		} else if restart {
			sock.armRto()
		}
		if sock.sendCb != nil {
			sock.sendCb(sock, sock.SendBufferAvailable())
		}
		sock.trySend()

	case ack == sock.sndUna && pckt.Payload == 0 && sock.sndMax > sock.sndUna:
		sock.dupAcks += 1
		if sock.inRecovery {
			sock.tcb.Cwnd.Set(sock.tcb.Cwnd.Get() + seg)
			sock.trySend()
			return
		}
		if sock.dupAcks == dupAckThresh && sock.sndUna > sock.recover {
			sock.enterRecovery()
		}
	}
}

// enterRecovery performs fast retransmit on the third duplicate acknowledgement
func (sock *TcpSocket) enterRecovery() {
	seg := sock.tcb.SegmentSize
	inFlight := uint32(sock.sndMax - sock.sndUna)
	sock.tcb.SsThresh.Set(sock.cong.GetSsThresh(sock.tcb, inFlight, sock.net().Now()))
	sock.recover = sock.sndMax
	sock.inRecovery = true
	sock.partials = 0
	sock.sendSegment(sock.sndUna, sock.segmentAt(sock.sndUna))
	sock.tcb.Cwnd.Set(sock.tcb.SsThresh.Get() + dupAckThresh*seg)
	sock.armRto()
	sock.trySend()
}

// segmentAt returns the length of the segment starting at seq
func (sock *TcpSocket) segmentAt(seq int64) int {
	return int(min(int64(sock.tcb.SegmentSize), sock.sndMax-seq))
}

// updateRto folds an RTT sample into the estimators of RFC 6298
func (sock *TcpSocket) updateRto(rtt float64) {
	if !sock.hasRtt {
		sock.srtt = rtt
		sock.rttvar = rtt / 2.0
		sock.hasRtt = true
	} else {
		sock.rttvar = 0.75*sock.rttvar + 0.25*math.Abs(sock.srtt-rtt)
		sock.srtt = 0.875*sock.srtt + 0.125*rtt
	}
	sock.rto = math.Min(math.Max(sock.srtt+math.Max(clockGranule, 4.0*sock.rttvar), minRto), maxRto)
}

// armRto (re)starts the retransmission timer, replacing any pending expiry
func (sock *TcpSocket) armRto() {
	sock.rtoGen += 1
	sock.armedGen = sock.rtoGen
	sock.net().Schedule(sock.rto, sock, sock.rtoGen, rtoExpired)
}

// cancelRto stops the retransmission timer
func (sock *TcpSocket) cancelRto() {
	sock.rtoGen += 1
	sock.armedGen = noRto
}

// rtoExpired is the event handler of the retransmission timer. Expiries
// scheduled before the timer was last restarted or cancelled are ignored.
func rtoExpired(evtMgr *evtm.EventManager, context any, data any) any {
	sock := context.(*TcpSocket)
	gen := data.(int)
	if gen != sock.armedGen {
		return nil
	}
	sock.armedGen = noRto
	sock.timeout()
	return nil
}

// timeout retransmits after the retransmission timer expires
func (sock *TcpSocket) timeout() {
	sock.timeouts += 1
	sock.rto = math.Min(sock.rto*2.0, maxRto)

	switch sock.state {
	case tcpSynSent:
		sock.sendControl(FlagSyn)
		sock.armRto()
		return
	case tcpSynRcvd:
		sock.sendControl(FlagSyn | FlagAck)
		sock.armRto()
		return
	case tcpEstablished:
	default:
		return
	}
	if sock.sndUna == sock.sndMax {
		return
	}

	seg := sock.tcb.SegmentSize
	inFlight := uint32(sock.sndMax - sock.sndUna)
	sock.tcb.SsThresh.Set(sock.cong.GetSsThresh(sock.tcb, inFlight, sock.net().Now()))
	sock.tcb.Cwnd.Set(seg)
	sock.recover = sock.sndMax
	sock.inRecovery = false
	sock.dupAcks = 0
	sock.timing = false

	// go back N
	sock.sndNxt = sock.sndUna
	sock.trySend()
	if sock.armedGen == noRto {
		sock.armRto()
	}
}
