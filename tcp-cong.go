package bnsim

// tcp-cong.go holds the congestion control algorithms a TcpSocket can be given,
// and the registry that selects them by name

import (
	"errors"
	"math"
	"sort"
)

// ErrUnknownSocketType is returned when a congestion control name is not registered
var ErrUnknownSocketType = errors.New("unknown TCP socket type")

// CongestionOps is the congestion control of one socket. Each socket owns its own
// instance, so implementations may keep per-connection state.
type CongestionOps interface {
	// Name is the name the algorithm is registered under
	Name() string

	// IncreaseWindow grows the congestion window after segmentsAcked new
	// segments were cumulatively acknowledged outside of loss recovery
	IncreaseWindow(tcb *TcpSocketState, segmentsAcked uint32, now float64)

	// GetSsThresh returns the slow start threshold to use after a loss is detected
	GetSsThresh(tcb *TcpSocketState, bytesInFlight uint32, now float64) uint32

	// PktsAcked reports an RTT sample taken from an acknowledgement
	PktsAcked(tcb *TcpSocketState, segmentsAcked uint32, rtt float64)
}

var congOpsByName = map[string]func() CongestionOps{
	"TcpNewReno": func() CongestionOps { return new(NewReno) },
	"TcpCubic":   func() CongestionOps { return CreateCubic() },
}

// LookupCongestionOps returns the constructor of the congestion control registered as name
func LookupCongestionOps(name string) (func() CongestionOps, bool) {
	factory, present := congOpsByName[name]
	return factory, present
}

// CongestionOpsNames lists the registered congestion control names, sorted
func CongestionOpsNames() []string {
	names := make([]string, 0, len(congOpsByName))
	for name := range congOpsByName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// slowStart grows cwnd by one segment per acknowledged segment, up to ssthresh,
// and returns the number of acknowledged segments left over
func slowStart(tcb *TcpSocketState, segmentsAcked uint32) uint32 {
	if segmentsAcked >= 1 {
		tcb.Cwnd.Set(tcb.Cwnd.Get() + tcb.SegmentSize)
		return segmentsAcked - 1
	}
	return 0
}

// NewReno is the classic AIMD congestion control
type NewReno struct {
	cwndCnt uint32 // segments acked since the window last grew in congestion avoidance
}

func (nr *NewReno) Name() string {
	return "TcpNewReno"
}

func (nr *NewReno) IncreaseWindow(tcb *TcpSocketState, segmentsAcked uint32, now float64) {
	if tcb.Cwnd.Get() < tcb.SsThresh.Get() {
		segmentsAcked = slowStart(tcb, segmentsAcked)
	}
	if tcb.Cwnd.Get() >= tcb.SsThresh.Get() && segmentsAcked > 0 {
		nr.congestionAvoidance(tcb, segmentsAcked)
	}
}

// congestionAvoidance adds one segment to cwnd per window of acknowledged segments
func (nr *NewReno) congestionAvoidance(tcb *TcpSocketState, segmentsAcked uint32) {
	w := tcb.Cwnd.Get() / tcb.SegmentSize
	if w == 0 {
		w = 1
	}
	nr.cwndCnt += segmentsAcked
	if nr.cwndCnt >= w {
		delta := nr.cwndCnt / w
		nr.cwndCnt -= delta * w
		tcb.Cwnd.Set(tcb.Cwnd.Get() + delta*tcb.SegmentSize)
	}
}

func (nr *NewReno) GetSsThresh(tcb *TcpSocketState, bytesInFlight uint32, now float64) uint32 {
	return max(2*tcb.SegmentSize, bytesInFlight/2)
}

func (nr *NewReno) PktsAcked(tcb *TcpSocketState, segmentsAcked uint32, rtt float64) {}

// Cubic grows the window as a cubic function of the time since the last loss
// (RFC 8312), with fast convergence and the TCP-friendly region.
type Cubic struct {
	C               float64
	Beta            float64
	FastConvergence bool

	cwndCnt     uint32
	lastMaxCwnd float64 // in segments
	epochStart  float64 // -1 when no epoch is open
	originPoint float64
	k           float64
	delayMin    float64
	ackCnt      uint32
	tcpCwnd     float64
}

// CreateCubic is a constructor with the RFC 8312 parameters
func CreateCubic() *Cubic {
	cb := new(Cubic)
	cb.C = 0.4
	cb.Beta = 0.7
	cb.FastConvergence = true
	cb.epochStart = -1.0
	cb.delayMin = math.Inf(1)
	return cb
}

func (cb *Cubic) Name() string {
	return "TcpCubic"
}

func (cb *Cubic) IncreaseWindow(tcb *TcpSocketState, segmentsAcked uint32, now float64) {
	if tcb.Cwnd.Get() < tcb.SsThresh.Get() {
		segmentsAcked = slowStart(tcb, segmentsAcked)
	}
	if tcb.Cwnd.Get() < tcb.SsThresh.Get() || segmentsAcked == 0 {
		return
	}
	cb.cwndCnt += segmentsAcked
	cnt := cb.update(tcb, segmentsAcked, now)
	if cb.cwndCnt >= cnt {
		tcb.Cwnd.Set(tcb.Cwnd.Get() + tcb.SegmentSize)
		cb.cwndCnt = 0
	}
}

// update returns the number of segments that must be acknowledged before cwnd
// grows by one segment
func (cb *Cubic) update(tcb *TcpSocketState, segmentsAcked uint32, now float64) uint32 {
	segCwnd := float64(tcb.Cwnd.Get() / tcb.SegmentSize)
	cb.ackCnt += segmentsAcked

	if cb.epochStart < 0 {
		cb.epochStart = now
		cb.ackCnt = segmentsAcked
		cb.tcpCwnd = segCwnd
		if cb.lastMaxCwnd <= segCwnd {
			cb.k = 0.0
			cb.originPoint = segCwnd
		} else {
			cb.k = math.Cbrt((cb.lastMaxCwnd - segCwnd) / cb.C)
			cb.originPoint = cb.lastMaxCwnd
		}
	}

	delay := cb.delayMin
	if math.IsInf(delay, 1) {
		delay = 0.0
	}
	t := now + delay - cb.epochStart
	target := cb.originPoint + cb.C*math.Pow(t-cb.k, 3)

	var cnt float64
	if target > segCwnd {
		cnt = segCwnd / (target - segCwnd)
	} else {
		cnt = 100.0 * segCwnd
	}

	// the window should grow at least as fast as a Reno flow would
	acksPerSeg := segCwnd * (1.0 + cb.Beta) / (3.0 * (1.0 - cb.Beta))
	if acksPerSeg >= 1.0 {
		for float64(cb.ackCnt) > acksPerSeg {
			cb.ackCnt -= uint32(acksPerSeg)
			cb.tcpCwnd += 1
		}
	}
	if cb.tcpCwnd > segCwnd {
		maxCnt := segCwnd / (cb.tcpCwnd - segCwnd)
		cnt = math.Min(cnt, maxCnt)
	}

	return uint32(math.Max(cnt, 2.0))
}

func (cb *Cubic) GetSsThresh(tcb *TcpSocketState, bytesInFlight uint32, now float64) uint32 {
	segCwnd := float64(tcb.Cwnd.Get() / tcb.SegmentSize)
	cb.epochStart = -1.0

	if cb.FastConvergence && segCwnd < cb.lastMaxCwnd {
		cb.lastMaxCwnd = segCwnd * (1.0 + cb.Beta) / 2.0
	} else {
		cb.lastMaxCwnd = segCwnd
	}
	ssThresh := uint32(segCwnd*cb.Beta) * tcb.SegmentSize
	return max(2*tcb.SegmentSize, ssThresh)
}

func (cb *Cubic) PktsAcked(tcb *TcpSocketState, segmentsAcked uint32, rtt float64) {
	if rtt > 0 && rtt < cb.delayMin {
		cb.delayMin = rtt
	}
}
