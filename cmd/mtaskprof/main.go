// Command mtaskprof turns a dumped table of per-task CPU-time
// accounting into a pprof-format profile, so the usual `go tool
// pprof` flame graph/top views work against kernel-internal timing
// data. Grounded on accnt.Accnt_t's rusage encoding (accnt/accnt.go)
// for the input shape, and on google/pprof/profile for the output
// format, per SPEC_FULL.md's domain-stack commitment to wire that
// library into the CPU-accounting path.
//
// Input is a text file, one task per line:
//
//	<pid> <name> <usersec> <userusec> <syssec> <sysusec>
//
// matching the four (sec, usec) fields Accnt_t.Fetch encodes. A
// kernel-side dump tool would write this by decoding Fetch's 32-byte
// rusage blob per task; mtaskprof itself only turns already-decoded
// rows into a profile, so it has no dependency on the kernel packages.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/pprof/profile"
)

type taskUsage struct {
	pid             int64
	name            string
	userSec, userUs int64
	sysSec, sysUs   int64
}

func main() {
	in := flag.String("in", "", "path to a task-usage dump (default: stdin)")
	out := flag.String("out", "mtask.pprof", "output pprof file path")
	flag.Parse()

	rows, err := readUsage(*in)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mtaskprof:", err)
		os.Exit(1)
	}
	if len(rows) == 0 {
		fmt.Fprintln(os.Stderr, "mtaskprof: no task-usage rows to profile")
		os.Exit(1)
	}

	prof := buildProfile(rows)

	f, err := os.Create(*out)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mtaskprof:", err)
		os.Exit(1)
	}
	defer f.Close()
	if err := prof.Write(f); err != nil {
		fmt.Fprintln(os.Stderr, "mtaskprof:", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "mtaskprof: wrote %d task samples to %s\n", len(rows), *out)
}

func readUsage(path string) ([]taskUsage, error) {
	f := os.Stdin
	if path != "" {
		var err error
		f, err = os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
	}

	var rows []taskUsage
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 6 {
			return nil, fmt.Errorf("malformed row %q: want 6 fields, got %d", line, len(fields))
		}
		row := taskUsage{name: fields[1]}
		var err error
		if row.pid, err = strconv.ParseInt(fields[0], 10, 64); err != nil {
			return nil, fmt.Errorf("row %q: bad pid: %w", line, err)
		}
		if row.userSec, err = strconv.ParseInt(fields[2], 10, 64); err != nil {
			return nil, fmt.Errorf("row %q: bad usersec: %w", line, err)
		}
		if row.userUs, err = strconv.ParseInt(fields[3], 10, 64); err != nil {
			return nil, fmt.Errorf("row %q: bad userusec: %w", line, err)
		}
		if row.sysSec, err = strconv.ParseInt(fields[4], 10, 64); err != nil {
			return nil, fmt.Errorf("row %q: bad syssec: %w", line, err)
		}
		if row.sysUs, err = strconv.ParseInt(fields[5], 10, 64); err != nil {
			return nil, fmt.Errorf("row %q: bad sysusec: %w", line, err)
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

// buildProfile lays out one Location/Function per task (named
// "task[pid]:name") and two samples against it, tagged "user"/"system" via
// a Label, with cpu/nanoseconds as the single value type — enough for
// pprof's top/list/flame views to group and sort by task.
func buildProfile(rows []taskUsage) *profile.Profile {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "cpu", Unit: "nanoseconds"}},
		PeriodType: &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		Period:     1,
	}

	var nextID uint64 = 1
	for _, r := range rows {
		fn := &profile.Function{
			ID:   nextID,
			Name: fmt.Sprintf("task[%d]:%s", r.pid, r.name),
		}
		loc := &profile.Location{
			ID:   nextID,
			Line: []profile.Line{{Function: fn}},
		}
		nextID++
		prof.Function = append(prof.Function, fn)
		prof.Location = append(prof.Location, loc)

		userNs := r.userSec*1e9 + r.userUs*1000
		sysNs := r.sysSec*1e9 + r.sysUs*1000
		prof.Sample = append(prof.Sample,
			&profile.Sample{
				Location: []*profile.Location{loc},
				Value:    []int64{userNs},
				Label:    map[string][]string{"mode": {"user"}},
			},
			&profile.Sample{
				Location: []*profile.Location{loc},
				Value:    []int64{sysNs},
				Label:    map[string][]string{"mode": {"system"}},
			},
		)
	}
	return prof
}
