package delegate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/floegence/redeven-orchestrator/internal/ai/liveprogress"
)

// Per-field caps of the text returned to the model.
const (
	SingleTraceCap  = 4000
	SingleResultCap = 2000
	BatchTraceCap   = 3000
	BatchResultCap  = 1500
)

// Observation is the finalized report of one delegated task.
type Observation struct {
	TaskID      string `json:"task_id"`
	Subagent    string `json:"subagent"`
	Description string `json:"description"`
	Trace       string `json:"trace"`
	Result      string `json:"result"`
}

const (
	traceOpen    = "<task_trace>"
	traceClose   = "</task_trace>"
	resultOpen   = "<task_result>"
	resultClose  = "</task_result>"
	blockOpen    = "<task_observation>"
	blockClose   = "</task_observation>"
	countHeader  = "task_parallel_count:"
	headerTaskID = "task_id"
	headerAgent  = "task_subagent"
	headerDesc   = "task_description"
)

// FormatObservations renders one observation as a single block and several
// as a counted batch. Trace and result are cut independently, keeping their
// newest text.
func FormatObservations(obs []Observation) string {
	switch len(obs) {
	case 0:
		return ""
	case 1:
		return formatBlock(obs[0], SingleTraceCap, SingleResultCap)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d\n", countHeader, len(obs))
	for _, o := range obs {
		b.WriteString("\n")
		b.WriteString(blockOpen)
		b.WriteString("\n")
		b.WriteString(formatBlock(o, BatchTraceCap, BatchResultCap))
		b.WriteString("\n")
		b.WriteString(blockClose)
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func formatBlock(o Observation, traceCap int, resultCap int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", headerTaskID, headerValue(o.TaskID))
	fmt.Fprintf(&b, "%s: %s\n", headerAgent, headerValue(o.Subagent))
	fmt.Fprintf(&b, "%s: %s\n", headerDesc, headerValue(o.Description))
	b.WriteString("\n")
	b.WriteString(traceOpen + "\n")
	b.WriteString(liveprogress.TailTruncate(o.Trace, traceCap))
	b.WriteString("\n" + traceClose + "\n\n")
	b.WriteString(resultOpen + "\n")
	b.WriteString(liveprogress.TailTruncate(o.Result, resultCap))
	b.WriteString("\n" + resultClose)
	return b.String()
}

// headerValue keeps header fields on one line.
func headerValue(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var headerRE = regexp.MustCompile(`(?m)^(task_id|task_subagent|task_description):[ \t]*(.*?)[ \t]*$`)

// ParseObservation parses a single observation block. The three header
// fields are required; missing trace or result sections parse as empty.
func ParseObservation(text string) (Observation, bool) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	headerEnd := len(text)
	for _, tag := range []string{traceOpen, resultOpen} {
		if i := tagLine(text, tag); i >= 0 && i < headerEnd {
			headerEnd = i
		}
	}

	fields := map[string]string{}
	for _, m := range headerRE.FindAllStringSubmatch(text[:headerEnd], -1) {
		if _, seen := fields[m[1]]; !seen {
			fields[m[1]] = m[2]
		}
	}
	var o Observation
	var ok bool
	if o.TaskID, ok = fields[headerTaskID]; !ok || o.TaskID == "" {
		return Observation{}, false
	}
	if o.Subagent, ok = fields[headerAgent]; !ok || o.Subagent == "" {
		return Observation{}, false
	}
	if o.Description, ok = fields[headerDesc]; !ok {
		return Observation{}, false
	}

	rest := text[headerEnd:]
	switch {
	case strings.HasPrefix(rest, traceOpen):
		body := rest[len(traceOpen):]
		// Split on the exact separator written between the sections; the
		// last one wins so either body may mention the tags.
		sep := "\n" + traceClose + "\n\n" + resultOpen + "\n"
		if i := strings.LastIndex(body, sep); i >= 0 {
			o.Trace = strings.TrimPrefix(body[:i], "\n")
			o.Result = sectionBody("\n"+body[i+len(sep):], resultClose)
		} else {
			o.Trace = sectionBody(body, traceClose)
		}
	case strings.HasPrefix(rest, resultOpen):
		o.Result = sectionBody(rest[len(resultOpen):], resultClose)
	}
	return o, true
}

// tagLine returns the offset of tag standing alone at the start of a line.
func tagLine(text string, tag string) int {
	if strings.HasPrefix(text, tag+"\n") {
		return 0
	}
	if i := strings.Index(text, "\n"+tag+"\n"); i >= 0 {
		return i + 1
	}
	return -1
}

// sectionBody returns the text between the newline after an open tag and
// the newline before the last closeTag.
func sectionBody(body string, closeTag string) string {
	if end := strings.LastIndex(body, "\n"+closeTag); end >= 0 {
		body = body[:end]
	} else if end := strings.LastIndex(body, closeTag); end >= 0 {
		body = strings.TrimSuffix(body[:end], "\n")
	}
	return strings.TrimPrefix(body, "\n")
}

// ParseObservations parses either format. A batch is usable only when every
// block parses and the count header matches.
func ParseObservations(text string) ([]Observation, bool) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, countHeader) {
		o, ok := ParseObservation(text)
		if !ok {
			return nil, false
		}
		return []Observation{o}, true
	}

	firstLine, rest, _ := strings.Cut(trimmed, "\n")
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(firstLine, countHeader)))
	if err != nil || n < 0 {
		return nil, false
	}
	if n == 0 {
		return nil, strings.TrimSpace(rest) == ""
	}
	start := tagLine(rest, blockOpen)
	end := strings.LastIndex(rest, "\n"+blockClose)
	if start < 0 || end < start {
		return nil, false
	}
	// Blocks are split on the exact separator written between them, so a
	// trace or result may mention the block tags.
	sep := "\n" + blockClose + "\n\n" + blockOpen + "\n"
	blocks := strings.Split(rest[start+len(blockOpen)+1:end], sep)
	if len(blocks) != n {
		return nil, false
	}
	out := make([]Observation, 0, n)
	for _, block := range blocks {
		o, ok := ParseObservation(block)
		if !ok {
			return nil, false
		}
		out = append(out, o)
	}
	return out, true
}
