package tern

import (
	"sort"
	"strings"
)

// StatsConfig carries the two configured command sets §4.8 steps 3-4
// reference. Passthrough commands (e.g. "sudo") are stripped before
// prefixing; subcommand commands (e.g. "git", "cargo") extend the prefix
// through their first argument.
type StatsConfig struct {
	Passthrough map[string]bool
	Subcommand  map[string]bool
}

// PrefixCount is one row of the stats(...) result: an interesting prefix
// and how many history entries produced it.
type PrefixCount struct {
	Prefix string
	Count  int64
}

// Stats implements §4.8: the top_n interesting command prefixes by
// frequency, plus the count of unique (whitespace-trimmed) commands.
func Stats(cfg StatsConfig, commands []string, topN int) ([]PrefixCount, int64) {
	counts := make(map[string]int64)
	order := make([]string, 0)
	unique := make(map[string]bool)

	for _, c := range commands {
		trimmed := strings.TrimSpace(c)
		unique[trimmed] = true

		p := interestingPrefix(cfg, trimmed)
		if _, seen := counts[p]; !seen {
			order = append(order, p)
		}
		counts[p]++
	}

	rows := make([]PrefixCount, len(order))
	for i, p := range order {
		rows[i] = PrefixCount{Prefix: p, Count: counts[p]}
	}
	// Stable sort descending by count, ties broken by first-seen order
	// (§8.4.6's scenario requires ties resolved "stably").
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Count > rows[j].Count })

	if topN >= 0 && topN < len(rows) {
		rows = rows[:topN]
	}
	return rows, int64(len(unique))
}

// interestingPrefix implements §4.8 steps 1-5.
func interestingPrefix(cfg StatsConfig, c string) string {
	c = strings.TrimLeft(c, " \t")
	p0, rest := firstToken(c)
	if p0 == "" {
		return ""
	}

	original := p0
	for cfg.Passthrough[p0] {
		rest = strings.TrimLeft(rest, " \t")
		next, nextRest := firstToken(rest)
		if next == "" {
			return p0
		}
		p0, rest = next, nextRest
		original = p0
	}

	if cfg.Subcommand[p0] {
		rest = strings.TrimLeft(rest, " \t")
		p1, _ := firstToken(rest)
		if p1 != "" {
			return p0 + " " + p1
		}
	}
	return original
}

// firstToken splits s on the first run of whitespace, returning the token
// and the remainder (with the separating whitespace consumed).
func firstToken(s string) (token, rest string) {
	s = strings.TrimLeft(s, " \t")
	idx := strings.IndexAny(s, " \t")
	if idx < 0 {
		return s, ""
	}
	return s[:idx], s[idx+1:]
}
