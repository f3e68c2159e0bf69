package experiment

import (
	"bufio"
	"fmt"
	"os"
	"testing"

	"github.com/m-lab/go/testingx"
)

type traceLine struct {
	time float64
	cwnd uint32
}

// readTrace parses the "time cwnd" lines of a congestion window trace
func readTrace(t *testing.T, filename string) []traceLine {
	t.Helper()
	f, err := os.Open(filename)
	testingx.Must(t, err, "cannot open %s", filename)
	defer f.Close()

	lines := []traceLine{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var tl traceLine
		_, err := fmt.Sscanf(scanner.Text(), "%g %d", &tl.time, &tl.cwnd)
		testingx.Must(t, err, "bad trace line %q", scanner.Text())
		lines = append(lines, tl)
	}
	testingx.Must(t, scanner.Err(), "cannot scan %s", filename)
	return lines
}
