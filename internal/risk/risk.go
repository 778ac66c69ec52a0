// Package risk statically classifies code before it is executed. Every
// function here is pure: no I/O, deterministic, never panics.
package risk

import (
	"fmt"
	"strings"

	"github.com/michaelbrown/warden/internal/sandbox"
)

// Level orders how dangerous a piece of code looks.
type Level int

const (
	Safe Level = iota
	Low
	Medium
	High
	Critical
)

var levelNames = [...]string{"SAFE", "LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (l Level) String() string {
	if l < Safe || l > Critical {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	s := strings.ToUpper(strings.TrimSpace(string(b)))
	for i, name := range levelNames {
		if name == s {
			*l = Level(i)
			return nil
		}
	}
	return fmt.Errorf("unknown risk level %q", string(b))
}

// SecurityMode is the deployment switch deciding how assessments map to
// isolation tiers.
type SecurityMode string

const (
	ModeStrict     SecurityMode = "strict"
	ModePermissive SecurityMode = "permissive"
)

// ParseSecurityMode parses a mode name. The empty string means strict.
func ParseSecurityMode(s string) (SecurityMode, error) {
	switch SecurityMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeStrict, "":
		return ModeStrict, nil
	case ModePermissive:
		return ModePermissive, nil
	default:
		return "", fmt.Errorf("unknown security mode %q (want strict or permissive)", s)
	}
}

// Assessment is the verdict for one piece of code.
type Assessment struct {
	Level                Level        `json:"level"`
	Patterns             []string     `json:"patterns"`
	RequiresConfirmation bool         `json:"requires_confirmation"`
	RequiresIsolation    bool         `json:"requires_isolation"`
	Suggested            sandbox.Tier `json:"suggested_tier"`
}

// Rejected reports whether the code must never run.
func (a Assessment) Rejected() bool {
	return a.Suggested == sandbox.TierReject
}

// Describe renders a one-line human summary, used in confirmation prompts.
func (a Assessment) Describe() string {
	if len(a.Patterns) == 0 {
		return a.Level.String() + " risk"
	}
	return a.Level.String() + " risk: " + strings.Join(a.Patterns, ", ")
}

// Assess classifies code written in lang.
func Assess(code string, lang sandbox.Language) Assessment {
	var m matches
	switch lang {
	case sandbox.LangPython:
		m = matchPatterns(code, pythonPatterns)
	case sandbox.LangJavaScript:
		m = matchPatterns(code, javascriptPatterns)
	case sandbox.LangShell:
		m = assessShell(code)
	default:
		m.add(Medium, "unrecognized language "+string(lang))
	}
	return m.assessment()
}

// RequiredTier maps an assessment to the tier that must run it. A rejection
// is final in every mode.
func RequiredTier(a Assessment, mode SecurityMode) sandbox.Tier {
	if a.Rejected() {
		return sandbox.TierReject
	}
	if mode == ModePermissive {
		if a.Suggested.Executable() {
			return a.Suggested
		}
		return sandbox.TierProcess
	}
	if a.Level >= Medium {
		return sandbox.TierContainer
	}
	return sandbox.TierProcess
}

// suggestedTier is the tier recommended for a level absent any deny-list hit.
func suggestedTier(l Level) sandbox.Tier {
	if l >= Medium {
		return sandbox.TierContainer
	}
	return sandbox.TierProcess
}

// matches accumulates pattern hits; the level is the highest seen.
type matches struct {
	level    Level
	patterns []string
	reject   bool
}

func (m *matches) add(l Level, pattern string) {
	if l > m.level {
		m.level = l
	}
	for _, p := range m.patterns {
		if p == pattern {
			return
		}
	}
	m.patterns = append(m.patterns, pattern)
}

func (m *matches) merge(o matches) {
	for _, p := range o.patterns {
		m.add(o.level, p)
	}
	if o.reject {
		m.reject = true
	}
}

func (m *matches) deny(pattern string) {
	m.add(Critical, pattern)
	m.reject = true
}

func (m matches) assessment() Assessment {
	a := Assessment{
		Level:                m.level,
		Patterns:             m.patterns,
		RequiresConfirmation: m.level >= High,
		RequiresIsolation:    m.level >= Medium,
		Suggested:            suggestedTier(m.level),
	}
	if a.Patterns == nil {
		a.Patterns = []string{}
	}
	if m.reject {
		a.Suggested = sandbox.TierReject
	}
	return a
}
