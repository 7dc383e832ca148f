package worktree

import (
	"strconv"
	"strings"
)

// FileStat is the changed-line count for one file in a diff.
type FileStat struct {
	Path    string
	Added   int
	Deleted int
	Binary  bool
}

// DiffStat is numstat output for an entire diff.
type DiffStat []FileStat

// Totals sums added/deleted lines and file count across the diff.
func (d DiffStat) Totals() (files, added, deleted int) {
	return len(d), sumAdded(d), sumDeleted(d)
}

func sumAdded(d DiffStat) int {
	n := 0
	for _, f := range d {
		n += f.Added
	}
	return n
}

func sumDeleted(d DiffStat) int {
	n := 0
	for _, f := range d {
		n += f.Deleted
	}
	return n
}

// ParseDiffNumstat parses `git diff --numstat` output. Each line is
// "<added>\t<deleted>\t<path>"; binary files report "-\t-\t<path>". This is
// the single source of truth for iteration file/line counts — it is never
// summed with agent-emitted tool-call events, which are persisted for
// provenance only and would double-count edits the agent reports itself.
func ParseDiffNumstat(numstat string) DiffStat {
	numstat = strings.TrimSpace(numstat)
	if numstat == "" {
		return nil
	}
	var files DiffStat
	for _, line := range strings.Split(numstat, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		fs := FileStat{Path: parts[2]}
		if parts[0] == "-" && parts[1] == "-" {
			fs.Binary = true
		} else {
			fs.Added, _ = strconv.Atoi(parts[0])
			fs.Deleted, _ = strconv.Atoi(parts[1])
		}
		files = append(files, fs)
	}
	return files
}
