package intake

import (
	"path"
	"strings"
)

// minFingerprintPrefix is the shortest fingerprint prefix a rule may use.
const minFingerprintPrefix = 4

// Rules filters incidents before they reach the dispatcher.
type Rules struct {
	include []string
	exclude []string
}

// NewRules builds a filter. An empty include list admits every incident.
func NewRules(include, exclude []string) *Rules {
	return &Rules{include: clean(include), exclude: clean(exclude)}
}

// Allow reports whether an incident passes the filter and, if not, why.
// Exclude rules take precedence over include rules.
func (r *Rules) Allow(name string, fingerprints ...string) (bool, string) {
	if r == nil {
		return true, ""
	}
	for _, rule := range r.exclude {
		if matches(rule, name, fingerprints) {
			return false, "excluded by rule " + rule
		}
	}
	if len(r.include) == 0 {
		return true, ""
	}
	for _, rule := range r.include {
		if matches(rule, name, fingerprints) {
			return true, ""
		}
	}
	return false, "not in include list"
}

func matches(rule, name string, fingerprints []string) bool {
	if rule == name {
		return true
	}
	if ok, err := path.Match(rule, name); err == nil && ok {
		return true
	}
	if len(rule) < minFingerprintPrefix || !isHex(rule) {
		return false
	}
	for _, fp := range fingerprints {
		if fp != "" && strings.HasPrefix(fp, strings.ToLower(rule)) {
			return true
		}
	}
	return false
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func clean(rules []string) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}
