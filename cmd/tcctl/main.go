// Command tcctl is a small gazctl-style admin client for tcd: it has no
// protocol of its own (the inter-node transport is an out-of-scope
// external collaborator, and nothing justifies inventing a parallel
// admin RPC surface for it), so it reads the same Prometheus exposition
// tcd already serves at /metrics and renders the reporting set as a
// colorized terminal dashboard.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/jessevdk/go-flags"
)

type statsCmd struct {
	Endpoint string `long:"endpoint" short:"e" default:"http://localhost:8080" description:"tcd server address"`
}

// reportFields is the reporting set, in display order; each maps to the
// Prometheus metric name NewMetrics registers it under
// (internal/tc/metrics.go).
var reportFields = []struct {
	label  string
	metric string
}{
	{"open connections", "tc_open_connections"},
	{"ops in flight", "tc_ops_in_flight"},
	{"commits", "tc_commits_total"},
	{"aborts", "tc_aborts_total"},
	{"takeovers", "tc_takeovers_total"},
	{"scan fragments in flight", "tc_scan_fragments_in_flight"},
}

func (s statsCmd) Execute(_ []string) error {
	resp, err := http.Get(strings.TrimRight(s.Endpoint, "/") + "/metrics")
	if err != nil {
		return fmt.Errorf("fetching %s/metrics: %w", s.Endpoint, err)
	}
	defer resp.Body.Close()

	samples, err := parsePrometheusText(resp.Body)
	if err != nil {
		return err
	}

	var bold = color.New(color.Bold)
	bold.Println("tcd status  —", s.Endpoint)
	for _, f := range reportFields {
		v, ok := samples[f.metric]
		var rendered string
		if !ok {
			rendered = color.New(color.FgHiBlack).Sprint("n/a")
		} else {
			rendered = colorizeCount(v)
		}
		fmt.Printf("  %-28s %s\n", f.label, rendered)
	}

	printVector(samples, "tc_watchdog_actions_total", "watchdog actions")
	printVector(samples, "tc_client_errors_total", "client errors")
	return nil
}

// colorizeCount renders a zero count dim and a non-zero count in the
// color its kind suggests is worth noticing -- callers decide which by
// passing already-selected rows, so this stays a plain "is it nonzero"
// highlight rather than guessing severity from the metric name.
func colorizeCount(v float64) string {
	if v == 0 {
		return color.New(color.FgHiBlack).Sprint("0")
	}
	return color.New(color.FgGreen).Sprintf("%g", v)
}

// printVector prints every label=value pair of a CounterVec-backed
// metric family (watchdog_actions / client_errors, both labeled), sorted
// by label for stable output, non-zero entries highlighted in yellow
// since both families are "something unusual happened" counters.
func printVector(samples map[string]float64, prefix, heading string) {
	var rows []string
	for k := range samples {
		if strings.HasPrefix(k, prefix+"{") {
			rows = append(rows, k)
		}
	}
	if len(rows) == 0 {
		return
	}
	sort.Strings(rows)
	color.New(color.Bold).Println(heading + ":")
	for _, k := range rows {
		label := strings.TrimPrefix(k, prefix)
		v := samples[k]
		rendered := fmt.Sprintf("%g", v)
		if v > 0 {
			rendered = color.New(color.FgYellow).Sprint(rendered)
		} else {
			rendered = color.New(color.FgHiBlack).Sprint(rendered)
		}
		fmt.Printf("  %-32s %s\n", label, rendered)
	}
}

// parsePrometheusText does the minimum needed to read back the plain
// text exposition format tcd serves: "name{labels} value" or "name
// value" per line, comments (#) skipped. It is not a general client --
// tcctl only ever reads metrics this same repo defines.
func parsePrometheusText(body io.Reader) (map[string]float64, error) {
	buf, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading metrics body: %w", err)
	}
	samples := make(map[string]float64)
	for _, line := range strings.Split(string(buf), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.LastIndexByte(line, ' ')
		if idx < 0 {
			continue
		}
		name, valStr := line[:idx], strings.TrimSpace(line[idx+1:])
		val, err := strconv.ParseFloat(valStr, 64)
		if err != nil {
			continue
		}
		samples[name] = val
	}
	return samples, nil
}

func main() {
	var parser = flags.NewParser(nil, flags.Default)
	_, err := parser.AddCommand("stats", "Show live coordinator statistics", `
Fetch tcd's Prometheus metrics endpoint and render the reporting set
(open connections, ops in flight, commits, aborts, takeovers, scan
fragments in flight, watchdog actions, client errors) as a colorized
summary.
`, &statsCmd{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}
