// Package keyexpr implements intersection of slash-separated key
// expressions, the matching rule the admin space uses to route a query's
// resource key against its table of registered handler paths.
//
// Two wildcard forms are supported, matching the admin space's own
// "/@/router/<pid>/**" style paths:
//
//   - "*"  matches exactly one path segment.
//   - "**" matches zero or more path segments.
//
// Any other segment is a literal that must match exactly.
package keyexpr

import "strings"

// Intersect reports whether a and b denote overlapping sets of concrete
// keys. Both sides may contain wildcards; a literal key intersects a
// pattern exactly when the pattern would match that literal.
func Intersect(a, b string) bool {
	return intersectSegments(strings.Split(a, "/"), strings.Split(b, "/"))
}

func intersectSegments(a, b []string) bool {
	switch {
	case len(a) == 0 && len(b) == 0:
		return true
	case len(a) == 0:
		return allDoubleWild(b)
	case len(b) == 0:
		return allDoubleWild(a)
	}

	sa, sb := a[0], b[0]

	if sa == "**" {
		return intersectSegments(a[1:], b) || intersectSegments(a, b[1:]) || intersectSegments(a[1:], b[1:])
	}
	if sb == "**" {
		return intersectSegments(a, b[1:]) || intersectSegments(a[1:], b) || intersectSegments(a[1:], b[1:])
	}

	if sa == "*" || sb == "*" || sa == sb {
		return intersectSegments(a[1:], b[1:])
	}
	return false
}

func allDoubleWild(segs []string) bool {
	for _, s := range segs {
		if s != "**" {
			return false
		}
	}
	return true
}
