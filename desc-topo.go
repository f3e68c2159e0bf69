package bnsim

// desc-topo.go holds the serializable description of a built network: its
// nodes, their interfaces and addresses, and the links joining them. A description
// is written out as a run manifest and can be read back for analysis.

import (
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// IntrfcDesc describes one device of a node
type IntrfcDesc struct {
	Name       string  `json:"name" yaml:"name"`
	Address    string  `json:"address" yaml:"address"`
	Prefix     string  `json:"prefix" yaml:"prefix"`
	DataRate   string  `json:"datarate" yaml:"datarate"`
	Delay      float64 `json:"delay" yaml:"delay"`
	Peer       string  `json:"peer" yaml:"peer"`
	ErrorModel string  `json:"errormodel,omitempty" yaml:"errormodel,omitempty"`
}

// NodeDesc describes a node and its interfaces, in installation order
type NodeDesc struct {
	Name       string       `json:"name" yaml:"name"`
	Index      int          `json:"index" yaml:"index"`
	Interfaces []IntrfcDesc `json:"interfaces" yaml:"interfaces"`
	Routes     []string     `json:"routes,omitempty" yaml:"routes,omitempty"`
}

// LinkDesc describes a point-to-point channel by the names of its end devices
type LinkDesc struct {
	Name     string   `json:"name" yaml:"name"`
	Ends     []string `json:"ends" yaml:"ends"`
	DataRate string   `json:"datarate" yaml:"datarate"`
	Delay    float64  `json:"delay" yaml:"delay"`
}

// TopoDesc is the description of a whole network together with attributes
// of the run that used it
type TopoDesc struct {
	Name   string            `json:"name" yaml:"name"`
	RunID  string            `json:"runid" yaml:"runid"`
	Attrbs map[string]string `json:"attrbs" yaml:"attrbs"`
	Nodes  []NodeDesc        `json:"nodes" yaml:"nodes"`
	Links  []LinkDesc        `json:"links" yaml:"links"`
}

// Describe builds the description of the network as it stands
func (net *Network) Describe(name string) *TopoDesc {
	td := new(TopoDesc)
	td.Name = name
	td.Attrbs = make(map[string]string)
	td.Nodes = make([]NodeDesc, 0, len(net.nodes))
	td.Links = make([]LinkDesc, 0, len(net.channels))

	for _, node := range net.nodes {
		nd := NodeDesc{Name: node.name, Index: node.index, Interfaces: make([]IntrfcDesc, 0, len(node.devices))}
		for _, dev := range node.devices {
			nd.Interfaces = append(nd.Interfaces, dev.describe())
		}
		for addr, dev := range node.routes {
			nd.Routes = append(nd.Routes, addr.String()+" via "+dev.name)
		}
		slices.Sort(nd.Routes)
		td.Nodes = append(td.Nodes, nd)
	}
	for _, ch := range net.channels {
		td.Links = append(td.Links, LinkDesc{Name: ch.name, Ends: []string{ch.ends[0].name, ch.ends[1].name},
			DataRate: ch.ends[0].rate.String(), Delay: ch.delay})
	}
	return td
}

// describe builds the description of one device
func (dev *NetDevice) describe() IntrfcDesc {
	id := IntrfcDesc{Name: dev.name, DataRate: dev.rate.String()}
	if dev.addr.IsValid() {
		id.Address = dev.addr.String()
		id.Prefix = dev.prefix.String()
	}
	if dev.channel != nil {
		id.Delay = dev.channel.delay
		id.Peer = dev.channel.peer(dev).name
	}
	if em, ok := dev.rxErr.(*RateErrorModel); ok {
		id.ErrorModel = fmt.Sprintf("rate %g per %s", em.rate, em.unit)
	}
	return id
}

// NodeByName returns the description of the node with the given name
func (td *TopoDesc) NodeByName(name string) (*NodeDesc, bool) {
	idx := slices.IndexFunc(td.Nodes, func(nd NodeDesc) bool { return nd.Name == name })
	if idx < 0 {
		return nil, false
	}
	return &td.Nodes[idx], true
}

// WriteToFile stores the TopoDesc struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (td *TopoDesc) WriteToFile(filename string) error {
	bytes, merr := marshalByExt(filename, *td)
	if merr != nil {
		return merr
	}
	return os.WriteFile(filename, bytes, 0644)
}

// ReadTopoDesc deserializes a byte slice holding a representation of a TopoDesc struct.
// If the input argument of dict (those bytes) is empty, the file whose name is given is read
// to acquire them.  A deserialized representation is returned, or an error if one is generated
// from a file read or the deserialization.
func ReadTopoDesc(filename string, useYAML bool, dict []byte) (*TopoDesc, error) {
	var err error

	// if the dict slice of bytes is empty we get them from the file whose name is an argument
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := TopoDesc{}
	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}
	if err != nil {
		return nil, err
	}
	return &example, nil
}

// ReportErrs transforms a list of errors and transforms the non-nil ones into a single error
// with comma-separated report of all the constituent errors, and returns it.  The
// constituents remain visible to errors.Is and errors.As.
func ReportErrs(errs []error) error {
	nonNil := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	}
	return joinedErr{errs: nonNil}
}

// joinedErr reports a list of errors on one line
type joinedErr struct {
	errs []error
}

func (je joinedErr) Error() string {
	msg := ""
	for idx, err := range je.errs {
		if idx > 0 {
			msg += ","
		}
		msg += err.Error()
	}
	return msg
}

func (je joinedErr) Unwrap() []error {
	return je.errs
}

// CheckDirectories probes the file system for the existence
// of every directory listed.  Returns a boolean indicating
// whether all dirs are valid, and returns an aggregated error
// if any checks failed.
func CheckDirectories(dirs []string) (bool, error) {
	errs := []error{}

	// for every offered (non-empty) directory
	for _, dir := range dirs {
		if len(dir) == 0 {
			continue
		}
		info, err := os.Stat(dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s not reachable", dir))
			continue
		}
		if !info.IsDir() {
			errs = append(errs, fmt.Errorf("%s not a directory", dir))
		}
	}
	if len(errs) == 0 {
		return true, nil
	}
	return false, ReportErrs(errs)
}
