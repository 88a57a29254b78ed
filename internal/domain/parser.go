package domain

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/acarl005/stripansi"

	m "pytx.dev/pkg/pytx/internal/model"
)

// parserState is the explicit classification state of the output
// parser. Transitions to stateSummary happen only on the canonical
// "="-fenced summary delimiters.
type parserState int

const (
	stateHeader parserState = iota
	statePass
	stateFailStart
	stateFailBody
	stateSummary
)

var (
	percentSuffixRe = regexp.MustCompile(`\s*\[\s*\d{1,3}%\]\s*$`)
	failHeaderRe    = regexp.MustCompile(`^_{5,}\s+(.+?)\s+_{5,}$`)
	delimiterRe     = regexp.MustCompile(`^={5,}.*={5,}$`)
	durationLineRe  = regexp.MustCompile(`^(\d+(?:\.\d+)?)s\s+(setup|call|teardown)\s+(\S.*)$`)
	shortStatusRe   = regexp.MustCompile(`^(FAILED|ERROR|SKIPPED|XFAIL|XPASS|PASSED)\s+(\S+)(?:\s+-\s+(.*))?$`)
	locationRe      = regexp.MustCompile(`^(\S+\.py):(\d+)`)
	collectedRe     = regexp.MustCompile(`^collected\s+\d+\s+item`)
)

var statusOutcomes = map[string]m.Outcome{
	"PASSED":  m.OutcomePassed,
	"FAILED":  m.OutcomeFailed,
	"SKIPPED": m.OutcomeSkipped,
	"ERROR":   m.OutcomeError,
	"XFAIL":   m.OutcomeXFail,
	"XPASS":   m.OutcomeXPass,
}

// failureBody accumulates the long rendering of one failing test.
type failureBody struct {
	header   string
	lines    []string
	location string
}

// OutputParser consumes the engine's verbose line stream incrementally
// and builds the result model, sealing it at stream end. A line the
// parser cannot classify for a given node marks only that node as an
// error (partial failure isolation); the model itself is never
// aborted.
type OutputParser struct {
	model *m.ResultModel
	style m.FailureStyle
	state parserState

	order     []m.TestNodeID
	durations map[m.TestNodeID]time.Duration
	bodies    []*failureBody
	current   *failureBody

	inDurations bool
	failures    int
}

// NewOutputParser creates a parser building a model for the given run.
func NewOutputParser(runID string, startedAt time.Time, style m.FailureStyle) *OutputParser {
	if style == "" {
		style = m.StyleShort
	}

	return &OutputParser{
		model:     m.NewResultModel(runID, startedAt),
		style:     style,
		state:     stateHeader,
		durations: make(map[m.TestNodeID]time.Duration),
	}
}

// FailureCount returns the number of failed or errored nodes observed
// so far. The scheduler polls it for fail-fast.
func (p *OutputParser) FailureCount() int { return p.failures }

// CompletedNodes returns the node ids recorded so far in stream order.
func (p *OutputParser) CompletedNodes() []m.TestNodeID {
	nodes := make([]m.TestNodeID, len(p.order))
	copy(nodes, p.order)

	return nodes
}

// ParseLine feeds one stdout line into the state machine.
func (p *OutputParser) ParseLine(raw string) {
	line := strings.TrimRight(stripansi.Strip(raw), "\r\n")

	if delimiterRe.MatchString(line) {
		p.handleDelimiter(line)
		return
	}

	switch p.state {
	case stateHeader:
		if collectedRe.MatchString(line) {
			p.state = statePass
		}
	case statePass:
		p.parseProgressLine(line)
	case stateFailStart:
		if header := failHeaderRe.FindStringSubmatch(line); header != nil {
			p.current = &failureBody{header: header[1]}
			p.bodies = append(p.bodies, p.current)
			p.state = stateFailBody
		}
	case stateFailBody:
		if header := failHeaderRe.FindStringSubmatch(line); header != nil {
			p.current = &failureBody{header: header[1]}
			p.bodies = append(p.bodies, p.current)

			return
		}

		if loc := locationRe.FindStringSubmatch(line); loc != nil {
			p.current.location = loc[1] + ":" + loc[2]
		}

		p.current.lines = append(p.current.lines, line)
	case stateSummary:
		p.parseSummaryLine(line)
	}
}

func (p *OutputParser) handleDelimiter(line string) {
	switch {
	case strings.Contains(line, "FAILURES") || strings.Contains(line, "ERRORS"):
		p.state = stateFailStart
		p.inDurations = false
	case strings.Contains(line, "short test summary info"):
		p.state = stateSummary
		p.inDurations = false
	case strings.Contains(line, "slowest") && strings.Contains(line, "duration"):
		p.state = stateSummary
		p.inDurations = true
	case strings.Contains(line, "test session starts"):
		p.state = stateHeader
	case strings.Contains(line, " in ") && strings.HasSuffix(strings.TrimRight(line, "= "), "s"):
		// Final tally line, e.g. "== 1 failed, 2 passed in 0.58s ==".
		p.state = stateSummary
		p.inDurations = false
	}
}

// parseProgressLine classifies one per-test progress line. Node ids
// may contain "::", spaces inside parametrization brackets, and the
// line may carry interleaved captured output; classification anchors
// on the rightmost status token.
func (p *OutputParser) parseProgressLine(line string) {
	if line == "" {
		return
	}

	// Verbose progress lines always end in the "[ NN%]" marker. A
	// captured-output line may happen to contain a bare status word;
	// without the marker it is never a progress line.
	if !percentSuffixRe.MatchString(line) {
		return
	}

	trimmed := percentSuffixRe.ReplaceAllString(line, "")

	node, status, reason, ok := splitStatusToken(trimmed)
	if ok {
		p.recordProgress(node, status, reason)
		return
	}

	// A node-shaped line with a percent marker but no recognizable
	// status token is an unexpected shape: isolate the damage to that
	// node instead of aborting the stream.
	if strings.Contains(trimmed, "::") {
		if idx := strings.LastIndex(trimmed, " "); idx > 0 {
			p.markParseError(m.TestNodeID(trimmed[:idx]), trimmed)
		} else {
			p.markParseError(m.TestNodeID(trimmed), trimmed)
		}
	}
}

// splitStatusToken finds the rightmost whitespace-separated status
// token in the line. Text before it is the node id, text after it an
// optional parenthesized reason.
func splitStatusToken(line string) (m.TestNodeID, m.Outcome, string, bool) {
	rest := line

	for rest != "" {
		idx := strings.LastIndex(rest, " ")
		if idx < 0 {
			break
		}

		token := strings.TrimSpace(rest[idx+1:])

		if outcome, ok := statusOutcomes[token]; ok {
			node := strings.TrimSpace(rest[:idx])
			reason := strings.TrimSpace(strings.TrimPrefix(line, rest))
			reason = strings.Trim(reason, "() ")

			if node != "" {
				return m.TestNodeID(node), outcome, reason, true
			}
		}

		rest = rest[:idx]
	}

	return "", "", "", false
}

func (p *OutputParser) recordProgress(node m.TestNodeID, outcome m.Outcome, reason string) {
	if existing, seen := p.model.Nodes[node]; seen &&
		existing.Failure != nil && existing.Failure.Kind == m.FailureParse {
		// Permanently classified; later lines never rehabilitate it.
		return
	}

	result := m.NodeResult{Outcome: outcome}

	if outcome == m.OutcomeFailed || outcome == m.OutcomeError {
		p.failures++
		result.Failure = &m.Failure{
			Kind:    m.FailureAssertion,
			Message: reason,
			Style:   p.style,
		}
	}

	if _, seen := p.model.Nodes[node]; !seen {
		p.order = append(p.order, node)
	}

	p.model.Set(node, result)
}

func (p *OutputParser) markParseError(node m.TestNodeID, line string) {
	if existing, seen := p.model.Nodes[node]; seen && existing.Outcome == m.OutcomeError {
		return
	}

	if _, seen := p.model.Nodes[node]; !seen {
		p.order = append(p.order, node)
	}

	p.failures++
	p.model.Set(node, m.NodeResult{
		Outcome: m.OutcomeError,
		Failure: &m.Failure{
			Kind:    m.FailureParse,
			Message: "unclassifiable output line: " + line,
			Style:   m.StyleLine,
		},
	})
}

func (p *OutputParser) parseSummaryLine(line string) {
	if line == "" {
		return
	}

	if p.inDurations {
		if match := durationLineRe.FindStringSubmatch(line); match != nil {
			seconds, err := strconv.ParseFloat(match[1], 64)
			if err != nil {
				return
			}

			node := m.TestNodeID(strings.TrimSpace(match[3]))
			p.durations[node] += time.Duration(seconds * float64(time.Second))
		}

		return
	}

	if match := shortStatusRe.FindStringSubmatch(line); match != nil {
		node := m.TestNodeID(match[2])

		result, seen := p.model.Nodes[node]
		if !seen || result.Failure == nil || match[3] == "" {
			return
		}

		// The short summary carries the condensed one-line message.
		if result.Failure.Message == "" || result.Failure.Kind == m.FailureAssertion {
			result.Failure.Message = match[3]
			p.model.Set(node, result)
		}
	}
}

// attachBodies merges accumulated long failure renderings into their
// nodes. A body maps to the node whose final id segment equals the
// body header.
func (p *OutputParser) attachBodies() {
	for _, body := range p.bodies {
		node, ok := p.matchBody(body.header)
		if !ok {
			continue
		}

		result := p.model.Nodes[node]
		if result.Failure == nil {
			continue
		}

		text := strings.TrimSpace(strings.Join(body.lines, "\n"))

		switch p.style {
		case m.StyleLong, m.StyleShort:
			if text != "" {
				result.Failure.Message = text
			}
		case m.StyleLine:
			// Keep the one-line message from the short summary.
		}

		if body.location != "" {
			result.Failure.Location = body.location
		}

		p.model.Set(node, result)
	}
}

func (p *OutputParser) matchBody(header string) (m.TestNodeID, bool) {
	for _, node := range p.order {
		result := p.model.Nodes[node]
		if result.Outcome != m.OutcomeFailed && result.Outcome != m.OutcomeError {
			continue
		}

		segments := strings.Split(string(node), "::")
		if segments[len(segments)-1] == header {
			return node, true
		}
	}

	return "", false
}

// Seal finishes the stream: failure bodies and durations are attached,
// nodes expected by the selection but never observed are filled with
// the given result, and the sealed model is returned.
func (p *OutputParser) Seal(status m.EngineStatus, expected []m.TestNodeID, fill m.NodeResult) (*m.ResultModel, error) {
	p.attachBodies()

	for node, duration := range p.durations {
		if result, seen := p.model.Nodes[node]; seen {
			result.Duration = duration
			p.model.Set(node, result)
		}
	}

	for _, node := range expected {
		if _, seen := p.model.Nodes[node]; !seen {
			p.model.Set(node, fill)
		}
	}

	if err := p.model.Seal(status); err != nil {
		return nil, err
	}

	return p.model, nil
}
