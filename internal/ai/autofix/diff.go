package autofix

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type hunk struct {
	oldStart int
	lines    []string
}

type patchDoc struct {
	oldHeader string
	newHeader string
	hunks     []hunk
}

var hunkHeaderRE = regexp.MustCompile(`^@@\s+-(\d+)(?:,(\d+))?\s+\+(\d+)(?:,(\d+))?\s+@@`)

// parsePatch reads a single-file unified diff. Hunk headers may carry wrong
// or missing line numbers; only the hunk bodies are trusted.
func parsePatch(patchText string) (patchDoc, error) {
	raw := strings.ReplaceAll(patchText, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")
	raw = strings.TrimSuffix(raw, "\n")
	lines := strings.Split(raw, "\n")

	var doc patchDoc
	var cur *hunk
	flush := func() {
		if cur != nil && len(cur.lines) > 0 {
			doc.hunks = append(doc.hunks, *cur)
		}
		cur = nil
	}
	for _, l := range lines {
		switch {
		case strings.HasPrefix(l, "diff --git "), strings.HasPrefix(l, "index "):
			continue
		case cur == nil && strings.HasPrefix(l, "--- "):
			doc.oldHeader = l
		case cur == nil && strings.HasPrefix(l, "+++ "):
			doc.newHeader = l
		case strings.HasPrefix(l, "@@"):
			flush()
			cur = &hunk{}
			if m := hunkHeaderRE.FindStringSubmatch(l); len(m) > 0 {
				cur.oldStart, _ = strconv.Atoi(m[1])
			}
		case cur != nil:
			if l == "" {
				// Editors strip the leading space of blank context lines.
				l = " "
			}
			switch l[0] {
			case ' ', '-', '+', '\\':
				cur.lines = append(cur.lines, l)
			default:
				return patchDoc{}, fmt.Errorf("invalid hunk line: %q", l)
			}
		}
	}
	flush()
	if len(doc.hunks) == 0 {
		return patchDoc{}, errors.New("patch has no hunks")
	}
	return doc, nil
}

func (h hunk) from() []string {
	out := make([]string, 0, len(h.lines))
	for _, l := range h.lines {
		switch l[0] {
		case ' ', '-':
			out = append(out, l[1:])
		}
	}
	return out
}

func (h hunk) to() []string {
	out := make([]string, 0, len(h.lines))
	for _, l := range h.lines {
		switch l[0] {
		case ' ', '+':
			out = append(out, l[1:])
		}
	}
	return out
}

func splitLines(text string) ([]string, bool) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	trailing := strings.HasSuffix(text, "\n")
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil, trailing
	}
	return strings.Split(text, "\n"), trailing
}

func normalizeWS(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// findHunkStart looks for the hunk's old lines near preferred, then anywhere,
// first exactly and then ignoring whitespace differences.
func findHunkStart(lines []string, from []string, preferred int) (int, bool, bool) {
	if len(from) == 0 {
		if preferred < 0 {
			return 0, true, false
		}
		if preferred > len(lines) {
			return len(lines), true, false
		}
		return preferred, true, false
	}
	if preferred < 0 {
		preferred = 0
	}
	if preferred > len(lines) {
		preferred = len(lines)
	}
	matchAt := func(pos int, loose bool) bool {
		if pos < 0 || pos+len(from) > len(lines) {
			return false
		}
		for i := range from {
			a, b := lines[pos+i], from[i]
			if loose {
				a, b = normalizeWS(a), normalizeWS(b)
			}
			if a != b {
				return false
			}
		}
		return true
	}
	for _, loose := range []bool{false, true} {
		if matchAt(preferred, loose) {
			return preferred, true, loose
		}
		// Nearest match first, in either direction.
		for d := 1; d <= len(lines); d++ {
			if matchAt(preferred-d, loose) {
				return preferred - d, true, loose
			}
			if matchAt(preferred+d, loose) {
				return preferred + d, true, loose
			}
		}
	}
	return 0, false, false
}

// Reanchor rewrites patch so every hunk matches content exactly, with
// freshly derived hunk headers.
func Reanchor(content string, patch string) (string, error) {
	doc, err := parsePatch(patch)
	if err != nil {
		return "", err
	}
	lines, _ := splitLines(content)

	var sb strings.Builder
	if doc.oldHeader != "" && doc.newHeader != "" {
		sb.WriteString(doc.oldHeader + "\n")
		sb.WriteString(doc.newHeader + "\n")
	}
	offset := 0
	searchFrom := 0
	for i, h := range doc.hunks {
		from := h.from()
		preferred := h.oldStart - 1
		if preferred < searchFrom {
			preferred = searchFrom
		}
		rel, ok, loose := findHunkStart(lines[searchFrom:], from, preferred-searchFrom)
		if !ok {
			return "", fmt.Errorf("hunk %d does not match the current file", i+1)
		}
		start := rel + searchFrom
		body := make([]string, 0, len(h.lines))
		cursor := start
		for _, l := range h.lines {
			switch l[0] {
			case ' ', '-':
				text := l[1:]
				if loose {
					text = lines[cursor]
				}
				body = append(body, string(l[0])+text)
				cursor++
			case '+':
				body = append(body, l)
			}
		}
		oldCount := len(from)
		newCount := len(h.to())
		oldStart := start + 1
		newStart := start + 1 + offset
		if oldCount == 0 {
			oldStart = start
		}
		if newCount == 0 {
			newStart = start + offset
		}
		fmt.Fprintf(&sb, "@@ -%d,%d +%d,%d @@\n", oldStart, oldCount, newStart, newCount)
		for _, l := range body {
			sb.WriteString(l)
			sb.WriteByte('\n')
		}
		offset += newCount - oldCount
		searchFrom = start + oldCount
	}
	return sb.String(), nil
}

// Apply applies a single-file unified diff to content. Hunks must match exactly
// at their declared position or nearby.
func Apply(content string, patch string) (string, error) {
	doc, err := parsePatch(patch)
	if err != nil {
		return "", err
	}
	lines, trailing := splitLines(content)
	offset := 0
	for i, h := range doc.hunks {
		preferred := h.oldStart - 1 + offset
		if preferred < 0 {
			preferred = 0
		}
		from := h.from()
		start, ok, loose := findHunkStart(lines, from, preferred)
		if !ok || loose {
			return "", fmt.Errorf("hunk %d failed to apply near line %d", i+1, h.oldStart)
		}
		to := h.to()
		next := make([]string, 0, len(lines)-len(from)+len(to))
		next = append(next, lines[:start]...)
		next = append(next, to...)
		next = append(next, lines[start+len(from):]...)
		lines = next
		offset += len(to) - len(from)
	}
	out := strings.Join(lines, "\n")
	if trailing || len(lines) > 0 {
		out += "\n"
	}
	return out, nil
}
