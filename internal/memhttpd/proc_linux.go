//go:build linux

package memhttpd

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// processRSSBytes returns the process resident set size in bytes, best-effort.
func processRSSBytes() (uint64, bool) {
	b, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, false
	}
	fields := bytes.Fields(b)
	if len(fields) < 2 {
		return 0, false
	}
	rssPages, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0, false
	}
	return rssPages * uint64(os.Getpagesize()), true
}

// smapsKeys split RSS into anonymous memory (the content store lives there) and
// file-backed pages.
var smapsKeys = []string{"Anonymous", "Rss", "Pss_File"}

// processSmapsRollupBytes reads the smapsKeys entries of /proc/self/smaps_rollup.
func processSmapsRollupBytes() (map[string]uint64, bool) {
	f, err := os.Open("/proc/self/smaps_rollup")
	if err != nil {
		return nil, false
	}
	defer f.Close()

	want := make(map[string]bool, len(smapsKeys))
	for _, k := range smapsKeys {
		want[k] = true
	}

	vals := make(map[string]uint64)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		// "Key:    123 kB"
		key, rest, ok := strings.Cut(sc.Text(), ":")
		key = strings.TrimSpace(key)
		if !ok || !want[key] {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		n, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		vals[key] = n * 1024
	}
	if sc.Err() != nil || len(vals) == 0 {
		return nil, false
	}
	return vals, true
}

// memoryFields describes process memory for the periodic stats line.
func memoryFields() []zap.Field {
	var out []zap.Field
	if rss, ok := processRSSBytes(); ok {
		out = append(out, zap.String("rss", formatBytes(rss)))
	}
	if vals, ok := processSmapsRollupBytes(); ok {
		for _, k := range smapsKeys {
			if v, ok := vals[k]; ok && k != "Rss" {
				out = append(out, zap.String(strings.ToLower(k), formatBytes(v)))
			}
		}
	}
	return out
}
