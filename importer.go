package tern

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// timestampIncrement is the minimum gap assigned between markerless
// commands, chosen small enough that fast typing never produces an
// out-of-order pair yet large enough to keep timestamps strictly
// increasing (§4.7).
const timestampIncrement = time.Millisecond

// ImportedEntry is one parsed, timestamp-assigned command. It holds no
// duration or exit status: neither importer keeps them.
type ImportedEntry struct {
	Timestamp time.Time
	Command   string
}

// ImportWarning records a non-fatal oddity surfaced during import (§4.7's
// "rewinds MUST be logged but accepted" — the spec explicitly forbids
// silently "fixing" a detected time reversal, so callers get a structured
// warning instead of either silence or an error).
type ImportWarning struct {
	LineNo int
	Detail string
}

// ImportBash parses a bash HISTTIMEFORMAT-style history file: plain command
// lines optionally preceded by a `#<unix_seconds>` marker line. Grounded on
// this ecosystem's bash importer (forward single-pass scan: walk markerless
// commands backward from the first known marker by one increment each,
// then forward-increment through the rest, resetting to each marker's value
// when one is seen — reimplemented, not translated).
func ImportBash(raw []byte, now time.Time) ([]ImportedEntry, []ImportWarning, error) {
	lines := splitUTF8Lines(raw)

	type lineKind int
	const (
		kindEmpty lineKind = iota
		kindTimestamp
		kindCommand
	)
	type parsed struct {
		kind lineKind
		ts   time.Time
		cmd  string
	}

	parsedLines := make([]parsed, 0, len(lines))
	for _, l := range lines {
		if len(l) == 0 {
			parsedLines = append(parsedLines, parsed{kind: kindEmpty})
			continue
		}
		if t, ok := parseBashTimestampLine(l); ok {
			parsedLines = append(parsedLines, parsed{kind: kindTimestamp, ts: t})
			continue
		}
		parsedLines = append(parsedLines, parsed{kind: kindCommand, cmd: string(l)})
	}

	commandsBeforeFirst := 0
	firstTimestamp := now
	found := false
	for _, p := range parsedLines {
		if p.kind == kindTimestamp {
			firstTimestamp = p.ts
			found = true
			break
		}
		if p.kind == kindCommand {
			commandsBeforeFirst++
		}
	}
	_ = found

	next := firstTimestamp.Add(-timestampIncrement * time.Duration(commandsBeforeFirst))

	var out []ImportedEntry
	var warnings []ImportWarning
	for i, p := range parsedLines {
		switch p.kind {
		case kindEmpty:
			continue
		case kindTimestamp:
			if p.ts.Before(next) {
				warnings = append(warnings, ImportWarning{LineNo: i + 1, Detail: "time reversal detected in bash history"})
			}
			next = p.ts
		case kindCommand:
			out = append(out, ImportedEntry{Timestamp: next, Command: p.cmd})
			next = next.Add(timestampIncrement)
		}
	}
	return out, warnings, nil
}

func parseBashTimestampLine(line []byte) (time.Time, bool) {
	if len(line) == 0 || line[0] != '#' {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(string(line[1:]), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(secs, 0).UTC(), true
}

// ImportZsh parses zsh's EXTENDED_HISTORY format: `: <start>:<duration>;<command>`,
// with plain lines (no marker) treated the same as bash's markerless
// commands. Built directly from §4.7's format description (no reference zsh
// importer was available in the retrieved corpus; see DESIGN.md).
func ImportZsh(raw []byte, now time.Time) ([]ImportedEntry, []ImportWarning, error) {
	lines := splitUTF8Lines(raw)

	type parsedLine struct {
		hasTS bool
		ts    time.Time
		cmd   string
	}
	parsedLines := make([]parsedLine, 0, len(lines))
	for _, l := range lines {
		if len(l) == 0 {
			continue
		}
		if ts, cmd, ok := parseZshExtendedLine(l); ok {
			parsedLines = append(parsedLines, parsedLine{hasTS: true, ts: ts, cmd: cmd})
			continue
		}
		parsedLines = append(parsedLines, parsedLine{cmd: string(l)})
	}

	commandsBeforeFirst := 0
	firstTimestamp := now
	for _, p := range parsedLines {
		if p.hasTS {
			firstTimestamp = p.ts
			break
		}
		commandsBeforeFirst++
	}

	next := firstTimestamp.Add(-timestampIncrement * time.Duration(commandsBeforeFirst))
	var out []ImportedEntry
	var warnings []ImportWarning
	for i, p := range parsedLines {
		if p.hasTS {
			if p.ts.Before(next) {
				warnings = append(warnings, ImportWarning{LineNo: i + 1, Detail: "time reversal detected in zsh history"})
			}
			next = p.ts
			out = append(out, ImportedEntry{Timestamp: next, Command: p.cmd})
			next = next.Add(timestampIncrement)
			continue
		}
		out = append(out, ImportedEntry{Timestamp: next, Command: p.cmd})
		next = next.Add(timestampIncrement)
	}
	return out, warnings, nil
}

func parseZshExtendedLine(line []byte) (time.Time, string, bool) {
	if len(line) < 2 || line[0] != ':' || line[1] != ' ' {
		return time.Time{}, "", false
	}
	rest := string(line[2:])
	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		return time.Time{}, "", false
	}
	tsStr := rest[:colon]
	rest = rest[colon+1:]
	semi := strings.IndexByte(rest, ';')
	if semi < 0 {
		return time.Time{}, "", false
	}
	durStr := rest[:semi]
	cmd := rest[semi+1:]
	secs, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return time.Time{}, "", false
	}
	if _, err := strconv.ParseInt(durStr, 10, 64); err != nil {
		return time.Time{}, "", false
	}
	return time.Unix(secs, 0).UTC(), cmd, true
}

// splitUTF8Lines splits raw into newline-delimited lines, silently dropping
// any line that is not valid UTF-8 (§4.7: "non-UTF-8 bytes: skip the line
// silently"). Empty lines are preserved as zero-length entries so callers
// can distinguish and skip them explicitly.
func splitUTF8Lines(raw []byte) [][]byte {
	var out [][]byte
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !utf8.Valid(line) {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		out = append(out, cp)
	}
	return out
}
