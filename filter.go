package tern

import (
	"fmt"
	"strings"
	"time"

	naturaldate "github.com/tj/go-naturaldate"
)

// FilterMode scopes a history query to a subset of rows (§4.4.1).
type FilterMode int

const (
	FilterGlobal FilterMode = iota
	FilterHost
	FilterSession
	FilterDirectory
	FilterWorkspace
)

// Context is the {session, cwd, hostname, host_id, git_root} bundle
// captured at query time, used to drive scope filtering and reranking.
type Context struct {
	Session  string
	Cwd      string
	Hostname string
	HostId   HostId
	GitRoot  *string
}

// Matches reports whether entry falls within the scope named by m, given
// the current query Context.
func (m FilterMode) Matches(entry HistoryEntry, ctx Context) bool {
	switch m {
	case FilterGlobal:
		return true
	case FilterHost:
		return entry.Hostname == ctx.Hostname
	case FilterSession:
		return entry.Session == ctx.Session
	case FilterDirectory:
		return entry.Cwd == ctx.Cwd
	case FilterWorkspace:
		if ctx.GitRoot != nil {
			return strings.HasPrefix(entry.Cwd, *ctx.GitRoot)
		}
		return entry.Cwd == ctx.Cwd
	default:
		return false
	}
}

// scopeTier ranks from narrowest (0) to broadest (3), per §4.4.3: a row's
// tier is the narrowest matching predicate given the context.
func scopeTier(entry HistoryEntry, ctx Context) int {
	switch {
	case entry.Session == ctx.Session:
		return 0
	case entry.Cwd == ctx.Cwd:
		return 1
	case entry.Hostname == ctx.Hostname:
		return 2
	default:
		return 3
	}
}

// ReorderByScopePriority stably partitions res into Session/Directory/
// Host/Global tiers and concatenates in that order, preserving original
// order within each tier. Grounded on the scope-priority reranking
// algorithm used by this system's query layer, reimplemented idiomatically
// rather than translated line-for-line.
func ReorderByScopePriority(ctx Context, res []HistoryEntry) []HistoryEntry {
	var tiers [4][]HistoryEntry
	for _, h := range res {
		t := scopeTier(h, ctx)
		tiers[t] = append(tiers[t], h)
	}
	out := make([]HistoryEntry, 0, len(res))
	for _, t := range tiers {
		out = append(out, t...)
	}
	return out
}

// OptFilters are applied post-rank, pre-limit (§4.4.4).
type OptFilters struct {
	Exit        *int64
	ExcludeExit *int64
	Cwd         *string
	ExcludeCwd  *string
	Before      *time.Time
	After       *time.Time
	Limit       int // 0 and negative are distinguished by callers; see Apply
	Offset      int
	Reverse     bool
}

// Apply filters and paginates res according to f. reverse is applied last,
// after limiting, per §4.4.4 ("reverse=true swaps to oldest-first AFTER
// ranking").
func (f OptFilters) Apply(res []HistoryEntry) ([]HistoryEntry, error) {
	if f.Limit < 0 {
		return nil, NewError(KindUser, fmt.Sprintf("negative limit %d", f.Limit), nil)
	}
	out := make([]HistoryEntry, 0, len(res))
	for _, h := range res {
		if f.Exit != nil && h.Exit != *f.Exit {
			continue
		}
		if f.ExcludeExit != nil && h.Exit == *f.ExcludeExit {
			continue
		}
		if f.Cwd != nil && h.Cwd != *f.Cwd {
			continue
		}
		if f.ExcludeCwd != nil && h.Cwd == *f.ExcludeCwd {
			continue
		}
		t := h.Timestamp.Time()
		if f.After != nil && t.Before(*f.After) {
			continue
		}
		if f.Before != nil && !t.Before(*f.Before) {
			continue
		}
		out = append(out, h)
	}

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			out = nil
		} else {
			out = out[f.Offset:]
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	if f.Limit == 0 {
		out = nil
	}

	if f.Reverse {
		reversed := make([]HistoryEntry, len(out))
		for i, h := range out {
			reversed[len(out)-1-i] = h
		}
		out = reversed
	}
	return out, nil
}

// ParseTimeExpr accepts either an RFC3339 timestamp or a human-relative
// expression ("2 hours ago", "yesterday"), per §4.4.4. Malformed
// expressions are a User error surfaced with the offending token (§4.4.5).
func ParseTimeExpr(expr string, ref time.Time) (time.Time, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return time.Time{}, NewErrorFor(KindUser, expr, "empty date expression", nil)
	}
	if t, err := time.Parse(time.RFC3339, expr); err == nil {
		return t, nil
	}
	t, err := naturaldate.Parse(expr, ref, naturaldate.WithDirection(naturaldate.Past))
	if err != nil {
		return time.Time{}, NewErrorFor(KindUser, expr, "unrecognized date expression", err)
	}
	return t, nil
}
