package bnsim

// scheduler.go holds the transmit queue of a device. The wire is a resource
// that serves one packet at a time: when a packet is scheduled the caller
// specifies how much service it requires (its transmission time), and the
// packet either goes into service at once or waits first-come first-serve.
// The waiting room has a fixed capacity, and packets arriving to a full
// waiting room are refused (drop-tail).

import (
	"github.com/iti/evt/evtm"
)

// txTask describes the service requirement of one packet on the wire
type txTask struct {
	pckt         *Packet
	req          float64                   // required service, in seconds
	completeFunc evtm.EventHandlerFunction // call when finished
	context      any                       // remember this from caller, to return when finished
}

// txQueue holds data structures supporting the serialization of packets onto a wire
type txQueue struct {
	limit     int       // capacity of the waiting room, in packets
	waiting   []*txTask // work to do, not in service
	inservice *txTask   // packet on the wire, nil when idle
}

// createTxQueue is a constructor
func createTxQueue(limit int) *txQueue {
	tq := new(txQueue)
	tq.limit = limit
	tq.waiting = []*txTask{}
	return tq
}

// schedule puts a packet either in service or in the waiting room. Parameters are
// - net : the network whose event manager times the service
// - pckt : the packet to transmit
// - req : the transmission time of the packet on this wire
// - context, complete : an event handler called (with the packet as data) when transmission ends
// The return is false if the waiting room was full and the packet was refused.
func (tq *txQueue) schedule(net *Network, pckt *Packet, req float64,
	context any, complete evtm.EventHandlerFunction) bool {

	task := &txTask{pckt: pckt, req: req, context: context, completeFunc: complete}

	// wire busy, wait if there is room
	if tq.inservice != nil {
		if len(tq.waiting) >= tq.limit {
			return false
		}
		tq.waiting = append(tq.waiting, task)
		return true
	}
	tq.joinService(net, task)
	return true
}

// joinService puts a task on the wire and schedules the end of its service
func (tq *txQueue) joinService(net *Network, task *txTask) {
	tq.inservice = task
	net.Schedule(task.req, tq, net, serviceComplete)
}

// serviceComplete is called when the packet in service has left the wire
func serviceComplete(evtMgr *evtm.EventManager, context any, data any) any {
	tq := context.(*txQueue)
	net := data.(*Network)

	task := tq.inservice
	tq.inservice = nil

	// if the waiting room is not empty its first (FCFS) member goes into service
	if len(tq.waiting) > 0 {
		nxt := tq.waiting[0]
		tq.waiting = tq.waiting[1:]
		tq.joinService(net, nxt)
	}

	task.completeFunc(evtMgr, task.context, task.pckt)
	return nil
}

// qlen returns the number of packets waiting for the wire
func (tq *txQueue) qlen() int {
	return len(tq.waiting)
}

// busy reports whether a packet is on the wire
func (tq *txQueue) busy() bool {
	return tq.inservice != nil
}
