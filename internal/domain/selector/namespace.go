package selector

import "strings"

// Sanitize rewrites a tool name for safe namespacing: keeps
// [A-Za-z0-9_.-], replaces every other rune with '_', trims leading and
// trailing '.', and maps an all-trimmed-away result to "_".
func Sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := strings.Trim(b.String(), ".")
	if s == "" {
		return "_"
	}
	return s
}

// Namespaced builds the exposed name "<upstream>.<sanitized tool name>".
func Namespaced(upstream, toolName string) string {
	return upstream + "." + Sanitize(toolName)
}

// SplitLongestPrefix finds, among upstreamNames, the longest one that is a
// valid "." prefix of namespacedName, and returns the upstream name and the
// remaining suffix (the original call site's "rest"). Upstream names may
// themselves contain '.', so this cannot simply split on the first dot.
func SplitLongestPrefix(namespacedName string, upstreamNames []string) (upstream, rest string, ok bool) {
	best := -1
	for _, name := range upstreamNames {
		prefix := name + "."
		if strings.HasPrefix(namespacedName, prefix) && len(prefix) > best {
			best = len(prefix)
			upstream = name
			rest = namespacedName[len(prefix):]
			ok = true
		}
	}
	return upstream, rest, ok
}
