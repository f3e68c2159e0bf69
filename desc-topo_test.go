package bnsim

import (
	"path/filepath"
	"testing"

	"github.com/m-lab/go/testingx"
)

func TestDescribeRoundTrip(t *testing.T) {
	net, _, links := buildLine(t, "10Mbps", "2ms")
	em, err := CreateRateErrorModel(0.001, ErrorUnitByte, net.CreateRngStream("desc"))
	testingx.Must(t, err, "cannot create error model")
	links[1].Get(1).SetReceiveErrorModel(em)

	td := net.Describe("line")
	td.RunID = "run-0"
	td.Attrbs["purpose"] = "test"

	for _, ext := range []string{"yaml", "json"} {
		filename := filepath.Join(t.TempDir(), "line."+ext)
		testingx.Must(t, td.WriteToFile(filename), "cannot write %s", filename)
		back, err := ReadTopoDesc(filename, ext == "yaml", nil)
		testingx.Must(t, err, "cannot read %s", filename)

		if back.Name != "line" || back.RunID != "run-0" || back.Attrbs["purpose"] != "test" {
			t.Errorf("%s: header read back as %q %q %v", ext, back.Name, back.RunID, back.Attrbs)
		}
		if len(back.Nodes) != 3 || len(back.Links) != 2 {
			t.Fatalf("%s: read back %d nodes and %d links", ext, len(back.Nodes), len(back.Links))
		}
		c, present := back.NodeByName("c")
		if !present {
			t.Fatalf("%s: node c missing", ext)
		}
		if c.Interfaces[0].Address != "10.0.2.2" || c.Interfaces[0].ErrorModel == "" {
			t.Errorf("%s: interface of c read back as %+v", ext, c.Interfaces[0])
		}
		// a, and both addresses of b
		if len(c.Routes) != 3 {
			t.Errorf("%s: c has %d routes, want 3", ext, len(c.Routes))
		}
		if back.Links[0].DataRate != "10Mbps" || back.Links[0].Delay != 0.002 {
			t.Errorf("%s: link read back as %+v", ext, back.Links[0])
		}
	}
}

func TestReportErrs(t *testing.T) {
	if ReportErrs([]error{nil, nil}) != nil {
		t.Errorf("ReportErrs of nils is not nil")
	}
	err := ReportErrs([]error{ErrNoSuchNode, nil, ErrRoutesPopulated})
	if err.Error() != "no such node,routing tables already populated" {
		t.Errorf("ReportErrs() = %q", err.Error())
	}
}

func TestCheckDirectories(t *testing.T) {
	dir := t.TempDir()
	if ok, err := CheckDirectories([]string{dir, ""}); !ok || err != nil {
		t.Errorf("CheckDirectories(%s) = %v, %v", dir, ok, err)
	}
	if ok, _ := CheckDirectories([]string{filepath.Join(dir, "missing")}); ok {
		t.Errorf("CheckDirectories accepted a missing directory")
	}
}
