package bnsim

import (
	"net/netip"
	"testing"

	"github.com/m-lab/go/testingx"
)

// startBulk installs a sink on the last node and a bulk sender on the first,
// starts them and returns both
func startBulk(t *testing.T, net *Network, nodes []*Node, dst netip.Addr, maxBytes uint64) (*PacketSink, *BulkSend) {
	t.Helper()
	sink := InstallPacketSink(nodes[len(nodes)-1], 9)
	bulk := InstallBulkSend(nodes[0], netip.AddrPortFrom(dst, 9), int(net.SegmentSize()), maxBytes)

	sinks := ApplicationContainer{}
	sinks.Add(sink)
	sinks.Start(0.0)
	sources := ApplicationContainer{}
	sources.Add(bulk)
	sources.Start(0.5)
	return sink, bulk
}

// deepQueues lifts the drop-tail limit of every device so that only the error model loses packets
func deepQueues(net *Network) {
	for _, node := range net.Nodes() {
		for _, dev := range node.Devices() {
			dev.txq.limit = 10000
		}
	}
}

func TestTcpBulkTransferLossless(t *testing.T) {
	for _, socketType := range CongestionOpsNames() {
		t.Run(socketType, func(t *testing.T) {
			net, nodes, links := buildLine(t, "10Mbps", "2ms")
			deepQueues(net)
			testingx.Must(t, net.SetSocketType(socketType), "cannot set socket type")
			sink, bulk := startBulk(t, net, nodes, links[1].Get(1).Address(), 100000)

			net.Run(10.0)

			if sink.TotalRx() != 100000 {
				t.Errorf("sink received %d bytes, want 100000", sink.TotalRx())
			}
			sock := bulk.Socket()
			if sock == nil {
				t.Fatalf("bulk sender never created its socket")
			}
			if sock.BytesAcked() != 100000 {
				t.Errorf("sender has %d bytes acknowledged, want 100000", sock.BytesAcked())
			}
			if sock.Retransmits() != 0 || sock.Timeouts() != 0 {
				t.Errorf("lossless transfer retransmitted %d segments with %d timeouts", sock.Retransmits(), sock.Timeouts())
			}
			if sock.CongestionOps().Name() != socketType {
				t.Errorf("socket runs %s, want %s", sock.CongestionOps().Name(), socketType)
			}
			if len(sink.Accepted()) != 1 {
				t.Errorf("sink accepted %d connections, want 1", len(sink.Accepted()))
			}
			// slow start never saw a loss
			if sock.SsThresh() != ^uint32(0) {
				t.Errorf("ssthresh = %d, want it untouched", sock.SsThresh())
			}
		})
	}
}

func TestTcpRecoversFromLoss(t *testing.T) {
	for _, socketType := range CongestionOpsNames() {
		t.Run(socketType, func(t *testing.T) {
			net, nodes, links := buildLine(t, "10Mbps", "2ms")
			deepQueues(net)
			testingx.Must(t, net.SetSocketType(socketType), "cannot set socket type")

			em, err := CreateRateErrorModel(0.02, ErrorUnitPacket, net.CreateRngStream("loss"))
			testingx.Must(t, err, "cannot create error model")
			links[1].Get(1).SetReceiveErrorModel(em)

			sink, bulk := startBulk(t, net, nodes, links[1].Get(1).Address(), 200000)
			net.Run(300.0)

			if em.Corrupted() == 0 {
				t.Fatalf("error model corrupted no packets")
			}
			if sink.TotalRx() != 200000 {
				t.Errorf("sink received %d bytes, want 200000", sink.TotalRx())
			}
			if bulk.Socket().Retransmits() == 0 {
				t.Errorf("sender recovered from loss without retransmitting")
			}
			if bulk.Socket().SsThresh() == ^uint32(0) {
				t.Errorf("ssthresh never reduced despite loss")
			}
		})
	}
}

func TestBulkSendUnlimited(t *testing.T) {
	net, nodes, links := buildLine(t, "1Mbps", "5ms")
	deepQueues(net)
	sink, bulk := startBulk(t, net, nodes, links[1].Get(1).Address(), 0)
	net.Run(5.0)

	// 4.5 seconds at 1Mbps moves a little under 562500 bytes including headers
	if sink.TotalRx() < 300000 || sink.TotalRx() > 562500 {
		t.Errorf("sink received %d bytes, want between 300000 and 562500", sink.TotalRx())
	}
	if bulk.TotalTx() < sink.TotalRx() {
		t.Errorf("bulk sender wrote %d bytes, less than the %d received", bulk.TotalTx(), sink.TotalRx())
	}
}

func TestApplicationsStartInContainerOrder(t *testing.T) {
	net, nodes, links := buildLine(t, "10Mbps", "1ms")
	dst := links[1].Get(1).Address()

	sinks := ApplicationContainer{}
	sources := ApplicationContainer{}
	for idx := 0; idx < 4; idx++ {
		port := uint16(5000 + idx)
		sinks.Add(InstallPacketSink(nodes[2], port))
		sources.Add(InstallBulkSend(nodes[0], netip.AddrPortFrom(dst, port), 536, 10000))
	}
	sinks.Start(0.0)
	sources.Start(1.0)
	sources.Stop(3.0)
	net.Run(4.0)

	sockets := nodes[0].Sockets()
	if len(sockets) != 4 {
		t.Fatalf("source node has %d sockets, want 4", len(sockets))
	}
	for idx, sock := range sockets {
		if sock.Index() != idx {
			t.Errorf("socket at %d reports index %d", idx, sock.Index())
		}
		if want := uint16(5000 + idx); sock.RemoteAddrPort().Port() != want {
			t.Errorf("socket %d connects to port %d, want %d", idx, sock.RemoteAddrPort().Port(), want)
		}
	}
	for idx := 0; idx < sinks.Len(); idx++ {
		if got := sinks.Get(idx).(*PacketSink).TotalRx(); got != 10000 {
			t.Errorf("sink %d received %d bytes, want 10000", idx, got)
		}
	}
}

func TestConnectWithoutRoute(t *testing.T) {
	net := CreateNetwork(0, nil)
	nodes := net.CreateNodes("lonely")
	sock := nodes[0].CreateSocket()
	if err := sock.Connect(netip.MustParseAddrPort("10.1.1.1:80")); err == nil {
		t.Errorf("Connect without a route succeeded")
	}
}

func TestListenTwice(t *testing.T) {
	net := CreateNetwork(0, nil)
	nodes := net.CreateNodes("server")
	testingx.Must(t, nodes[0].CreateSocket().Listen(80), "cannot listen")
	if err := nodes[0].CreateSocket().Listen(80); err == nil {
		t.Errorf("second listener on port 80 succeeded")
	}
}
