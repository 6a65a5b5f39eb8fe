// Package progress infers phase transitions and a monotonic progress
// percentage from the line-oriented output of the analysis subprocess. The
// inference is a table-driven heuristic over the marker and keyword grammar
// in rules.go; it is stateful across the life of one job.
package progress

import (
	"path/filepath"
	"strings"
)

// Event is the result of consuming one output line.
type Event struct {
	// Progress is the job progress after this line, 0-100, never lower
	// than any previously returned value.
	Progress int
	// Phase is the current job-wide phase, empty before the first marker.
	Phase string
	// Transition is set when the line advanced the job-wide phase.
	Transition bool
	// PhaseDone is set when the line completed a job-wide phase.
	PhaseDone bool
	// Duplicate marks a line already seen under the same dedup key;
	// callers should drop it from the job log.
	Duplicate bool
}

// Parser consumes analyzer output one line at a time.
type Parser struct {
	imageCount float64
	required   []string

	phaseIdx int
	progress float64

	seenMarkers map[string]struct{}
	seenActions map[string]struct{}
	done        map[string]bool
}

// New creates a Parser for a job over imageCount evidence images. Keyword
// nudges are scaled down by the image count, since each image repeats
// similar log lines. required lists the phases the job must complete.
func New(imageCount int, required []string) *Parser {
	if imageCount < 1 {
		imageCount = 1
	}
	return &Parser{
		imageCount:  float64(imageCount),
		required:    append([]string(nil), required...),
		phaseIdx:    -1,
		seenMarkers: make(map[string]struct{}),
		seenActions: make(map[string]struct{}),
		done:        make(map[string]bool),
	}
}

// Consume processes one output line and returns the resulting event.
func (p *Parser) Consume(line string) Event {
	line = strings.TrimSpace(line)

	if m := reCommencing.FindStringSubmatch(line); m != nil {
		return p.consumeMarker("commencing", strings.ToLower(m[1]), line)
	}
	if m := reCompleted.FindStringSubmatch(line); m != nil {
		return p.consumeMarker("completed", strings.ToLower(m[1]), line)
	}

	for _, rule := range actionRules {
		m := rule.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key := strings.ToLower(m[1]) + "|" + normalizeTarget(m[2])
		if _, dup := p.seenActions[key]; dup {
			return p.event(true)
		}
		p.seenActions[key] = struct{}{}
		if p.phaseIdx >= 0 && rule.phase == phaseTable[p.phaseIdx].name {
			p.nudge(rule.nudge)
		}
		return p.event(false)
	}

	return p.event(false)
}

func (p *Parser) consumeMarker(kind, phase, line string) Event {
	// Per-image echoes are non-authoritative: dedup per image, no floors.
	if im := rePerImage.FindStringSubmatch(line); im != nil {
		key := kind + "|" + phase + "|" + normalizeTarget(im[1])
		if _, dup := p.seenMarkers[key]; dup {
			return p.event(true)
		}
		p.seenMarkers[key] = struct{}{}
		return p.event(false)
	}

	key := kind + "|" + phase
	if _, dup := p.seenMarkers[key]; dup {
		return p.event(true)
	}
	p.seenMarkers[key] = struct{}{}

	idx := phaseIndex(phase)
	if kind == "commencing" {
		// Phases are strictly forward-only; a marker for a phase already
		// entered or passed carries no new information.
		if idx <= p.phaseIdx {
			return p.event(true)
		}
		p.phaseIdx = idx
		p.raise(phaseTable[idx].entry)
		ev := p.event(false)
		ev.Transition = true
		return ev
	}

	p.done[phase] = true
	p.raise(phaseTable[idx].exit)
	if idx > p.phaseIdx {
		p.phaseIdx = idx
	}
	ev := p.event(false)
	ev.PhaseDone = true
	return ev
}

// nudge raises progress by amount scaled to the image count, capped just
// below the next phase's entry floor.
func (p *Parser) nudge(amount float64) {
	ceiling := phaseTable[p.phaseIdx].exit
	if p.phaseIdx+1 < len(phaseTable) {
		ceiling = phaseTable[p.phaseIdx+1].entry - 1
	}
	next := p.progress + amount/p.imageCount
	if next > ceiling {
		next = ceiling
	}
	p.raise(next)
}

func (p *Parser) raise(v float64) {
	if v > p.progress {
		p.progress = v
	}
}

func (p *Parser) event(duplicate bool) Event {
	return Event{
		Progress:  p.Progress(),
		Phase:     p.Phase(),
		Duplicate: duplicate,
	}
}

// Progress returns the current progress percentage.
func (p *Parser) Progress() int {
	return int(p.progress)
}

// Phase returns the current job-wide phase name, or "" before the first
// marker.
func (p *Parser) Phase() string {
	if p.phaseIdx < 0 {
		return ""
	}
	return phaseTable[p.phaseIdx].name
}

// PhasesCompleted returns the completion flags recorded so far.
func (p *Parser) PhasesCompleted() map[string]bool {
	out := make(map[string]bool, len(p.done))
	for k, v := range p.done {
		out[k] = v
	}
	return out
}

// MissingRequired returns the required phases that never reported
// completion, in the order they were requested.
func (p *Parser) MissingRequired() []string {
	var missing []string
	for _, phase := range p.required {
		if !p.done[phase] {
			missing = append(missing, phase)
		}
	}
	return missing
}

func normalizeTarget(target string) string {
	return filepath.ToSlash(filepath.Clean(strings.ToLower(strings.TrimSpace(target))))
}
