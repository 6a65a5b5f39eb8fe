package progress

import "regexp"

// Phase names as emitted by the analyzer, in execution order.
const (
	PhaseIdentification = "identification"
	PhaseCollection     = "collection"
	PhaseProcessing     = "processing"
	PhaseAnalysis       = "analysis"
	PhaseExport         = "export"
)

// phaseSpec pins a phase to its progress floors: entry is reached when the
// job-wide "commencing" marker arrives, exit when "completed" does. Keyword
// nudges within a phase may never climb past the next phase's entry.
type phaseSpec struct {
	name  string
	entry float64
	exit  float64
}

var phaseTable = []phaseSpec{
	{PhaseIdentification, 5, 12},
	{PhaseCollection, 15, 35},
	{PhaseProcessing, 38, 60},
	{PhaseAnalysis, 62, 90},
	{PhaseExport, 90, 97},
}

func phaseIndex(name string) int {
	for i, p := range phaseTable {
		if p.name == name {
			return i
		}
	}
	return -1
}

// Marker grammar. A trailing "for '<image>'" marks a per-image echo of the
// job-wide marker; echoes are logged but carry no phase-floor authority.
var (
	reCommencing = regexp.MustCompile(`(?i)\bcommencing (identification|collection|processing|analysis|export) phase\b`)
	reCompleted  = regexp.MustCompile(`(?i)\bcompleted (identification|collection|processing|analysis|export) phase\b`)
	rePerImage   = regexp.MustCompile(`(?i)phase for '([^']+)'`)
)

// actionRule maps a fine-grained log line to a phase and a progress nudge.
// Group 1 captures the action verb, group 2 the target path; duplicates are
// keyed on (action, normalized target) so the same target may still appear
// under a different action.
type actionRule struct {
	re    *regexp.Regexp
	phase string
	nudge float64
}

var actionRules = []actionRule{
	{regexp.MustCompile(`(?i)\b(identified|fingerprinting) '([^']+)'`), PhaseIdentification, 1},
	{regexp.MustCompile(`(?i)\b(collecting|acquiring) '([^']+)'`), PhaseCollection, 2},
	{regexp.MustCompile(`(?i)\b(processing|parsing|extracting) '([^']+)'`), PhaseProcessing, 1.5},
	{regexp.MustCompile(`(?i)\b(analyzing|matching|flagging) '([^']+)'`), PhaseAnalysis, 1.5},
	{regexp.MustCompile(`(?i)\b(exporting|writing) '([^']+)'`), PhaseExport, 1},
}
