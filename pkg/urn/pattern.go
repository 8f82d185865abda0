// Package urn implements matching over ':'-delimited resource URNs of the
// form provider:product:resource.
//
// Pattern grammar, fixed precisely to avoid interop drift:
//   - a segment without wildcards is a literal match
//   - '*'  matches exactly one segment
//   - '**' matches one or more segments
//
// Matching is deterministic and greedy-left: the leftmost '**' consumes as
// few segments as needed for the rest of the pattern to match.
package urn

import "strings"

const (
	wildcardOne  = "*"
	wildcardMany = "**"
)

// Match reports whether value matches pattern.
func Match(pattern, value string) bool {
	return matchSegments(strings.Split(pattern, ":"), strings.Split(value, ":"))
}

// MatchAny reports whether value matches at least one of the patterns.
func MatchAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if Match(p, value) {
			return true
		}
	}
	return false
}

func matchSegments(pat, val []string) bool {
	if len(pat) == 0 {
		return len(val) == 0
	}
	switch pat[0] {
	case wildcardMany:
		// Consume one or more segments.
		for i := 1; i <= len(val); i++ {
			if matchSegments(pat[1:], val[i:]) {
				return true
			}
		}
		return false
	case wildcardOne:
		return len(val) > 0 && matchSegments(pat[1:], val[1:])
	default:
		return len(val) > 0 && pat[0] == val[0] && matchSegments(pat[1:], val[1:])
	}
}

// Subsumes reports whether parent matches every string that child matches.
// This is the syntactic sufficient condition used for delegation subset
// checks: the parent pattern must be a prefix-generalization of the child.
func Subsumes(parent, child string) bool {
	return subsumeSegments(strings.Split(parent, ":"), strings.Split(child, ":"))
}

func subsumeSegments(par, chi []string) bool {
	if len(par) == 0 {
		return len(chi) == 0
	}
	switch par[0] {
	case wildcardMany:
		if len(chi) == 0 {
			return false // '**' needs at least one segment
		}
		// Either '**' keeps absorbing child segments, or it hands over to
		// the rest of the parent pattern.
		return subsumeSegments(par, chi[1:]) || subsumeSegments(par[1:], chi[1:])
	case wildcardOne:
		// '*' covers any single-segment child pattern, including a literal
		// or another '*', but never '**' (which spans multiple segments).
		return len(chi) > 0 && chi[0] != wildcardMany && subsumeSegments(par[1:], chi[1:])
	default:
		return len(chi) > 0 && par[0] == chi[0] && subsumeSegments(par[1:], chi[1:])
	}
}

// ScopeSubset reports whether every pattern in child is subsumed by some
// pattern in parent. An empty child scope is trivially a subset.
func ScopeSubset(child, parent []string) bool {
	for _, c := range child {
		covered := false
		for _, p := range parent {
			if Subsumes(p, c) {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

// ActionSubset reports whether every action in child appears in parent.
// Action names are exact strings; wildcards apply to resources only.
func ActionSubset(child, parent []string) bool {
	set := make(map[string]struct{}, len(parent))
	for _, a := range parent {
		set[a] = struct{}{}
	}
	for _, a := range child {
		if _, ok := set[a]; !ok {
			return false
		}
	}
	return true
}

// Contains reports whether action appears in actions.
func Contains(actions []string, action string) bool {
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}
