package telemetry_test

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// ExampleMetrics_WriteTextfile records promise outcomes and writes them for
// the node_exporter textfile collector.
func ExampleMetrics_WriteTextfile() {
	metrics := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
	metrics.RecordPromise("files", engine.OutcomeRepaired, 20*time.Millisecond)
	metrics.RecordPromise("files", engine.OutcomeUnchanged, time.Millisecond)
	metrics.RecordPromise("commands", engine.OutcomeFailed, time.Second)

	dir, err := os.MkdirTemp("", "metrics")
	if err != nil {
		fmt.Println(err)
		return
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "converge.prom")
	if err := metrics.WriteTextfile(path); err != nil {
		fmt.Println(err)
		return
	}

	data, _ := os.ReadFile(path)
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "converge_promises_total{") {
			lines = append(lines, line)
		}
	}
	sort.Strings(lines)
	for _, line := range lines {
		fmt.Println(line)
	}
	// Output:
	// converge_promises_total{outcome="failed",type="commands"} 1
	// converge_promises_total{outcome="repaired",type="files"} 1
	// converge_promises_total{outcome="unchanged",type="files"} 1
}
