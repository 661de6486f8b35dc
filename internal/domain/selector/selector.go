// Package selector parses provider selector strings and resolves them to a
// concrete upstream name against a candidate set.
package selector

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Kind classifies a parsed selector.
type Kind int

const (
	// KindName is an explicit, verbatim upstream name.
	KindName Kind = iota
	// KindTag selects by tag, optionally narrowed by a semver range.
	KindTag
	// KindVersion selects by semver range alone.
	KindVersion
)

// Spec is a parsed selector.
type Spec struct {
	Kind  Kind
	Name  string // KindName
	Tag   string // KindTag
	Range *semver.Constraints
}

// ErrBadSelector is raised for an unparseable tag:/version: selector or an
// invalid semver range.
var ErrBadSelector = errors.New("bad selector")

// Parse implements the selector grammar:
//
//	name | "tag:" tag | "tag:" tag "@" semverRange | "version:" semverRange
func Parse(raw string) (Spec, error) {
	switch {
	case strings.HasPrefix(raw, "tag:"):
		rest := strings.TrimPrefix(raw, "tag:")
		tag, rangeStr, hasRange := strings.Cut(rest, "@")
		if tag == "" {
			return Spec{}, fmt.Errorf("%w: empty tag", ErrBadSelector)
		}
		spec := Spec{Kind: KindTag, Tag: tag}
		if hasRange {
			c, err := semver.NewConstraint(rangeStr)
			if err != nil {
				return Spec{}, fmt.Errorf("%w: invalid semver range %q: %v", ErrBadSelector, rangeStr, err)
			}
			spec.Range = c
		}
		return spec, nil

	case strings.HasPrefix(raw, "version:"):
		rangeStr := strings.TrimPrefix(raw, "version:")
		c, err := semver.NewConstraint(rangeStr)
		if err != nil {
			return Spec{}, fmt.Errorf("%w: invalid semver range %q: %v", ErrBadSelector, rangeStr, err)
		}
		return Spec{Kind: KindVersion, Range: c}, nil

	default:
		return Spec{Kind: KindName, Name: raw}, nil
	}
}

// Candidate is the minimal upstream shape the selector needs to filter and
// order candidates; the router engine supplies the concrete view.
type Candidate struct {
	Name    string
	Tags    []string
	Version string // empty if the upstream declares no version
}

// Matches reports whether a candidate satisfies a tag/version spec. Callers
// must not call this for KindName (that path bypasses filtering entirely).
func (s Spec) Matches(c Candidate) bool {
	switch s.Kind {
	case KindTag:
		if !hasTag(c.Tags, s.Tag) {
			return false
		}
		if s.Range == nil {
			return true
		}
		return satisfiesRange(c.Version, s.Range)

	case KindVersion:
		return satisfiesRange(c.Version, s.Range)

	default:
		return false
	}
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func satisfiesRange(version string, c *semver.Constraints) bool {
	if version == "" {
		return false
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return c.Check(v)
}

// Strategy is the tie-break policy for resolving among multiple candidates.
type Strategy string

const (
	StrategyRoundRobin Strategy = "roundRobin"
	StrategyRandom     Strategy = "random"
)

// SortCandidates orders candidates by ascending name, the tie-break order
// required before strategy selection.
func SortCandidates(names []string) {
	sort.Strings(names)
}

// Pick selects one name from an already-sorted, non-empty candidate list
// per the configured strategy. counter is the session's per-selector
// round-robin counter, incremented by the caller on every call. rng is
// injectable for deterministic tests; nil uses the package-level source.
func Pick(strategy Strategy, names []string, counter uint64, rng *rand.Rand) string {
	if len(names) == 0 {
		return ""
	}
	if len(names) == 1 {
		return names[0]
	}

	switch strategy {
	case StrategyRandom:
		var f float64
		if rng != nil {
			f = rng.Float64()
		} else {
			f = rand.Float64()
		}
		idx := int(f * float64(len(names)))
		if idx >= len(names) {
			idx = len(names) - 1
		}
		return names[idx]

	default: // roundRobin
		return names[int(counter%uint64(len(names)))]
	}
}
