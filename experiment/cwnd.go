package experiment

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/charmbracelet/log"
	"github.com/iti/bnsim"
	"github.com/iti/evt/evtm"
)

// traceBus is what the collector needs of the simulation: a clock, a queue of
// deferred actions and a way to subscribe to traced values by path
type traceBus interface {
	Now() float64
	Schedule(offset float64, context any, data any, handler evtm.EventHandlerFunction)
	Connect(path string, cb bnsim.TraceCallback) error
}

// cwndEntry is the trace state of one socket. firstWrite is true until the
// first change has been recorded.
type cwndEntry struct {
	file       *os.File
	stream     *bufio.Writer
	firstWrite bool
}

// CwndCollector writes the congestion window of every flow's socket to its own file.
// A socket moves from unattached, to attached when its file is opened and
// subscribed, to recording once its first change is written.
type CwndCollector struct {
	bus      traceBus
	dir      string
	prefix   string
	protocol string
	numFlows int
	delay    string
	entries  map[int]*cwndEntry
	closed   bool
}

// NewCwndCollector is a constructor
func NewCwndCollector(bus traceBus, cfg *Config) *CwndCollector {
	cc := new(CwndCollector)
	cc.bus = bus
	cc.dir = cfg.OutputDir
	cc.prefix = cfg.PrefixName
	cc.protocol = cfg.Protocol()
	cc.numFlows = cfg.NumFlows
	cc.delay = cfg.Delay
	cc.entries = make(map[int]*cwndEntry)
	return cc
}

// FileName returns the path of the trace of the socket with index sockIdx
func (cc *CwndCollector) FileName(sockIdx int) string {
	name := fmt.Sprintf("%s-%s-%dflows-%s-sock%d-cwnd.dat", cc.prefix, cc.protocol, cc.numFlows, cc.delay, sockIdx)
	return filepath.Join(cc.dir, name)
}

// ScheduleAttach enqueues, at absolute time at, one attach action per flow
func (cc *CwndCollector) ScheduleAttach(at float64) {
	offset := max(at-cc.bus.Now(), 0.0)
	for idx := 0; idx < cc.numFlows; idx++ {
		cc.bus.Schedule(offset, cc, idx, attachCwnd)
	}
}

// attachCwnd is the event handler of a deferred attach
func attachCwnd(evtMgr *evtm.EventManager, context any, data any) any {
	cc := context.(*CwndCollector)
	cc.Attach(data.(int))
	return nil
}

// Attach opens the trace file of socket sockIdx of the source node and subscribes to
// its congestion window. Failure is logged and leaves no file behind; it does not
// affect other sockets. The return reports whether the socket is now traced.
func (cc *CwndCollector) Attach(sockIdx int) bool {
	if cc.closed {
		return false
	}
	if _, present := cc.entries[sockIdx]; present {
		return true
	}
	filename := cc.FileName(sockIdx)
	f, err := os.Create(filename)
	if err != nil {
		log.Warn("cannot create cwnd trace", "sock", sockIdx, "file", filename, "err", err)
		return false
	}
	entry := &cwndEntry{file: f, stream: bufio.NewWriter(f), firstWrite: true}

	tracePath := bnsim.SocketTracePath(0, sockIdx, bnsim.CwndTrace)
	err = cc.bus.Connect(tracePath, func(oldCwnd, newCwnd uint32) { cc.record(entry, oldCwnd, newCwnd) })
	if err != nil {
		log.Warn("cannot connect cwnd trace", "sock", sockIdx, "path", tracePath, "err", err)
		f.Close()
		os.Remove(filename)
		return false
	}
	cc.entries[sockIdx] = entry
	log.Debug("cwnd trace attached", "sock", sockIdx, "file", filename)
	return true
}

// record writes one change of the window. The value the first change replaced
// is written first with time 0.0.
func (cc *CwndCollector) record(entry *cwndEntry, oldCwnd, newCwnd uint32) {
	if cc.closed {
		return
	}
	if entry.firstWrite {
		fmt.Fprintf(entry.stream, "0.0 %d\n", oldCwnd)
		entry.firstWrite = false
	}
	fmt.Fprintf(entry.stream, "%s %d\n", formatDouble(cc.bus.Now()), newCwnd)
}

// Attached returns the indices of the sockets being traced, in increasing order
func (cc *CwndCollector) Attached() []int {
	indices := make([]int, 0, len(cc.entries))
	for idx := range cc.entries {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices
}

// Close flushes and closes every trace file. Calls after the first do nothing.
func (cc *CwndCollector) Close() error {
	if cc.closed {
		return nil
	}
	cc.closed = true
	errs := []error{}
	for _, idx := range cc.Attached() {
		entry := cc.entries[idx]
		errs = append(errs, entry.stream.Flush(), entry.file.Close())
	}
	return bnsim.ReportErrs(errs)
}
