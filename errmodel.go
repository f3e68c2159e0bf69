package bnsim

// errmodel.go holds the models that decide whether a received packet is corrupted

import (
	"fmt"
	"math"

	"github.com/iti/rngstream"
)

// ErrorModel decides whether an arriving packet is corrupted (and so discarded)
type ErrorModel interface {
	IsCorrupt(pckt *Packet) bool
}

// ErrorUnit selects what the error rate of a RateErrorModel applies to
type ErrorUnit int

const (
	ErrorUnitByte ErrorUnit = iota
	ErrorUnitPacket
)

var errUnitToStr = map[ErrorUnit]string{ErrorUnitByte: "byte", ErrorUnitPacket: "packet"}

func (eu ErrorUnit) String() string {
	return errUnitToStr[eu]
}

// RateErrorModel corrupts packets independently with a fixed probability. With
// ErrorUnitByte the rate is per byte, so a packet of n bytes survives with
// probability (1-rate)^n; with ErrorUnitPacket the rate applies to the packet.
type RateErrorModel struct {
	rate      float64
	unit      ErrorUnit
	enabled   bool
	rngstrm   *rngstream.RngStream
	corrupted int
	examined  int
}

// CreateRateErrorModel is a constructor. The rate must be a probability.
func CreateRateErrorModel(rate float64, unit ErrorUnit, rngstrm *rngstream.RngStream) (*RateErrorModel, error) {
	if rate < 0.0 || rate > 1.0 || math.IsNaN(rate) {
		return nil, fmt.Errorf("error rate %g is not a probability", rate)
	}
	em := new(RateErrorModel)
	em.rate = rate
	em.unit = unit
	em.enabled = true
	em.rngstrm = rngstrm
	return em, nil
}

// Rate returns the configured error rate
func (em *RateErrorModel) Rate() float64 {
	return em.rate
}

// Unit returns what the error rate applies to
func (em *RateErrorModel) Unit() ErrorUnit {
	return em.unit
}

// Enable turns corruption on or off; a disabled model passes every packet
func (em *RateErrorModel) Enable(enabled bool) {
	em.enabled = enabled
}

// Corrupted returns the number of packets the model has corrupted
func (em *RateErrorModel) Corrupted() int {
	return em.corrupted
}

// Examined returns the number of packets presented to the model
func (em *RateErrorModel) Examined() int {
	return em.examined
}

// IsCorrupt samples the model for one packet
func (em *RateErrorModel) IsCorrupt(pckt *Packet) bool {
	if !em.enabled {
		return false
	}
	em.examined += 1

	prCorrupt := em.rate
	if em.unit == ErrorUnitByte {
		prCorrupt = 1.0 - math.Pow(1.0-em.rate, float64(pckt.Size()))
	}

	// the draw is always taken so the stream advances identically whatever the rate
	u01 := em.rngstrm.RandU01()
	if u01 < prCorrupt {
		em.corrupted += 1
		return true
	}
	return false
}
