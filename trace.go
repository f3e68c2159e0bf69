package bnsim

// trace.go holds the traced values whose changes can be subscribed to by path,
// and the TraceManager that records packet drops for post-run analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/iti/evt/vrtime"
	"gopkg.in/yaml.v3"
)

// errors returned by Connect
var (
	ErrBadTracePath = errors.New("malformed trace path")
	ErrNoSuchNode   = errors.New("no such node")
	ErrNoSuchSocket = errors.New("no such socket")
	ErrNoSuchTrace  = errors.New("no such trace source")
)

// TraceCallback is invoked with the value before and after a change
type TraceCallback func(oldValue, newValue uint32)

// TracedUint32 is a value whose every change is reported to its subscribers
type TracedUint32 struct {
	value uint32
	sinks []TraceCallback
}

// Get returns the current value
func (tv *TracedUint32) Get() uint32 {
	return tv.value
}

// Set changes the value, calling the subscribers if it differs from the current one
func (tv *TracedUint32) Set(value uint32) {
	if value == tv.value {
		return
	}
	old := tv.value
	tv.value = value
	for _, sink := range tv.sinks {
		sink(old, value)
	}
}

// init sets the value without reporting it
func (tv *TracedUint32) init(value uint32) {
	tv.value = value
}

// subscribe adds a callback
func (tv *TracedUint32) subscribe(cb TraceCallback) {
	tv.sinks = append(tv.sinks, cb)
}

// trace source names of a TCP socket
const (
	CwndTrace     = "CongestionWindow"
	SsThreshTrace = "SlowStartThreshold"
)

// SocketTracePath builds the path of a trace source on the socket at position
// sockIdx of the SocketList of the node at position nodeIdx of the NodeList
func SocketTracePath(nodeIdx, sockIdx int, source string) string {
	return fmt.Sprintf("/NodeList/%d/$TcpL4Protocol/SocketList/%d/%s", nodeIdx, sockIdx, source)
}

// Connect subscribes cb to the trace source named by path, e.g.
// /NodeList/0/$TcpL4Protocol/SocketList/3/CongestionWindow. An error is returned,
// and nothing subscribed, if the path does not (yet) name an existing source.
func (net *Network) Connect(tracePath string, cb TraceCallback) error {
	fields := strings.Split(strings.TrimPrefix(tracePath, "/"), "/")
	if len(fields) != 6 || fields[0] != "NodeList" || fields[2] != "$TcpL4Protocol" || fields[3] != "SocketList" {
		return fmt.Errorf("%w: %s", ErrBadTracePath, tracePath)
	}
	nodeIdx, err := strconv.Atoi(fields[1])
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBadTracePath, tracePath)
	}
	sockIdx, err := strconv.Atoi(fields[4])
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBadTracePath, tracePath)
	}
	if nodeIdx < 0 || nodeIdx >= len(net.nodes) {
		return fmt.Errorf("%w: %d in %s", ErrNoSuchNode, nodeIdx, tracePath)
	}
	sockets := net.nodes[nodeIdx].tcp.sockets
	if sockIdx < 0 || sockIdx >= len(sockets) {
		return fmt.Errorf("%w: %d in %s", ErrNoSuchSocket, sockIdx, tracePath)
	}
	sock := sockets[sockIdx]

	switch fields[5] {
	case CwndTrace:
		sock.tcb.Cwnd.subscribe(cb)
	case SsThreshTrace:
		sock.tcb.SsThresh.subscribe(cb)
	default:
		return fmt.Errorf("%w: %s in %s", ErrNoSuchTrace, fields[5], tracePath)
	}
	return nil
}

// TraceInst is one serialized trace record
type TraceInst struct {
	TraceTime string `json:"tracetime" yaml:"tracetime"`
	TraceType string `json:"tracetype" yaml:"tracetype"`
	TraceStr  string `json:"tracestr" yaml:"tracestr"`
}

// NameType is a an entry in a dictionary created for a trace
// that maps object id numbers to a (name,type) pair
type NameType struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// TraceManager gathers information about a network and the packets it dropped
// during one run.
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// text name associated with each objID
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// all trace records for this experiment, by the id of the object that made them
	Traces map[int][]TraceInst `json:"traces" yaml:"traces"`
}

// CreateTraceManager is a constructor.  It saves the name of the experiment
// and a flag indicating whether the trace manager is active.  By testing this
// flag we can inhibit the activity of gathering a trace when we don't want it,
// while embedding calls to its methods everywhere we need them when it is
func CreateTraceManager(expName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.NameByID = make(map[int]NameType)
	tm.Traces = make(map[int][]TraceInst)
	return tm
}

// Active tells the caller whether the Trace Manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm.InUse
}

// AddTrace stores a trace record made by the object with id objID
func (tm *TraceManager) AddTrace(vrt vrtime.Time, objID int, trace TraceInst) {
	if !tm.InUse {
		return
	}
	tm.Traces[objID] = append(tm.Traces[objID], trace)
}

// AddName is used to add an element to the id -> (name,type) dictionary for the trace file
func (tm *TraceManager) AddName(id int, name string, objDesc string) {
	if tm.InUse {
		_, present := tm.NameByID[id]
		if present {
			panic("duplicated id in AddName")
		}
		tm.NameByID[id] = NameType{Name: name, Type: objDesc}
	}
}

// WriteToFile stores the TraceManager to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (tm *TraceManager) WriteToFile(filename string) error {
	if !tm.InUse {
		return nil
	}
	bytes, err := marshalByExt(filename, *tm)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, bytes, 0644)
}

// DropTrace saves information about a packet discarded by the network
type DropTrace struct {
	Time     float64 `json:"time" yaml:"time"`         // time in float64
	Ticks    int64   `json:"ticks" yaml:"ticks"`       // ticks variable of time
	Priority int64   `json:"priority" yaml:"priority"` // priority field of time-stamp
	ObjID    int     `json:"objid" yaml:"objid"`       // id of the node that dropped the packet
	PcktUID  int     `json:"pcktuid" yaml:"pcktuid"`
	Packet   string  `json:"packet" yaml:"packet"`
	Reason   string  `json:"reason" yaml:"reason"`
}

// Serialize returns the yaml form of the record
func (dtr *DropTrace) Serialize() string {
	bytes, merr := yaml.Marshal(*dtr)
	if merr != nil {
		panic(merr)
	}
	return string(bytes[:])
}

// AddDropTrace creates a record of a dropped packet and stores it
func AddDropTrace(tm *TraceManager, vrt vrtime.Time, objID int, pckt *Packet, reason string) {
	if !tm.Active() {
		return
	}
	dtr := new(DropTrace)
	dtr.Time = vrt.Seconds()
	dtr.Ticks = vrt.Ticks()
	dtr.Priority = vrt.Pri()
	dtr.ObjID = objID
	dtr.PcktUID = pckt.uid
	dtr.Packet = pckt.String()
	dtr.Reason = reason

	traceTime := strconv.FormatFloat(vrt.Seconds(), 'f', -1, 64)
	tm.AddTrace(vrt, objID, TraceInst{TraceTime: traceTime, TraceType: "drop", TraceStr: dtr.Serialize()})
}

// marshalByExt serializes v as yaml or json, chosen by the extension of filename
func marshalByExt(filename string, v any) ([]byte, error) {
	switch path.Ext(filename) {
	case ".yaml", ".YAML", ".yml":
		return yaml.Marshal(v)
	case ".json", ".JSON":
		return json.MarshalIndent(v, "", "\t")
	}
	return nil, fmt.Errorf("cannot tell serialization of %s from its extension", filename)
}
