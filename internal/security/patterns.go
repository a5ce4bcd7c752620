package security

import (
	"regexp"
	"strings"

	"github.com/coralane/drover/internal/eventbus"
)

// PatternAnalyzer classifies shell-style actions by matching their command
// argument against ordered pattern lists. First match wins; commands that
// match nothing are Medium rather than Low.
type PatternAnalyzer struct {
	high []*regexp.Regexp
	low  []*regexp.Regexp
}

var defaultHighPatterns = []string{
	`\brm\s+(-[a-zA-Z]*f[a-zA-Z]*|--force)\b`,
	`\brm\s+-[a-zA-Z]*r`,
	`\bsudo\b`,
	`\bdd\s+if=`,
	`\bmkfs\b`,
	`\bchmod\s+777\b`,
	`\bcurl\b.*\|\s*(ba)?sh\b`,
	`\bwget\b.*\|\s*(ba)?sh\b`,
	`\bgit\s+push\s+.*--force\b`,
	`>\s*/dev/sd[a-z]\b`,
	`\bshutdown\b|\breboot\b`,
}

var defaultLowPatterns = []string{
	`^\s*(ls|cat|head|tail|wc|pwd|echo|date|whoami|env)\b`,
	`^\s*git\s+(status|log|diff|show|branch)\b`,
	`^\s*(grep|rg|find)\b`,
}

// NewPatternAnalyzer builds the default pattern analyzer.
func NewPatternAnalyzer() *PatternAnalyzer {
	return &PatternAnalyzer{
		high: compileAll(defaultHighPatterns),
		low:  compileAll(defaultLowPatterns),
	}
}

func compileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

func (a *PatternAnalyzer) Classify(action *eventbus.Action) (RiskLevel, error) {
	if action == nil {
		return RiskUnknown, nil
	}
	command := commandOf(action)
	if command == "" {
		// Not a shell action; nothing to inspect.
		return RiskUnknown, nil
	}
	for _, re := range a.high {
		if re.MatchString(command) {
			return RiskHigh, nil
		}
	}
	for _, re := range a.low {
		if re.MatchString(command) {
			return RiskLow, nil
		}
	}
	return RiskMedium, nil
}

func commandOf(action *eventbus.Action) string {
	if action.Args == nil {
		return ""
	}
	if cmd, ok := action.Args["command"].(string); ok {
		return strings.TrimSpace(cmd)
	}
	return ""
}
