package auth

// AuthFromToken resolves a Principal from a raw bearer token against the
// configured token list and project policies:
//
//  1. No tokens configured at all -> Anonymous, unrestricted principal.
//  2. Tokens configured but none match (or none presented) -> ErrUnauthenticated.
//  3. A match binds the principal to the intersection of its project's
//     allowlists and the token's own allowlists (an unset side, or a token
//     with no project, counts as AllowAll), and to the token's rate limit
//     and extra CEL rule, falling back to the project's when unset.
func AuthFromToken(tokens []TokenEntry, projects map[string]ProjectPolicy, rawToken string) (*Principal, error) {
	if len(tokens) == 0 {
		return Anonymous(), nil
	}
	if rawToken == "" {
		return nil, ErrUnauthenticated
	}

	for _, t := range tokens {
		match, err := VerifyToken(rawToken, t.Stored)
		if err != nil || !match {
			continue
		}

		projectAllowUpstreams, projectAllowTags := AllowAll(), AllowAll()
		var projectRpm *int
		var projectRule string

		if t.ProjectID != "" {
			if proj, ok := projects[t.ProjectID]; ok {
				projectAllowUpstreams = proj.AllowedUpstreams
				projectAllowTags = proj.AllowedTags
				projectRpm = proj.RateLimitRpm
				projectRule = proj.ExtraAllowRule
			}
		}

		tokenAllowUpstreams := t.AllowedUpstreams
		if tokenAllowUpstreams.isUnset() {
			tokenAllowUpstreams = AllowAll()
		}
		tokenAllowTags := t.AllowedTags
		if tokenAllowTags.isUnset() {
			tokenAllowTags = AllowAll()
		}

		p := &Principal{
			Token:            rawToken,
			ProjectID:        t.ProjectID,
			AllowedUpstreams: projectAllowUpstreams.Intersect(tokenAllowUpstreams),
			AllowedTags:      projectAllowTags.Intersect(tokenAllowTags),
			RateLimitRpm:     firstNonNil(t.RateLimitRpm, projectRpm),
			ExtraAllowRule:   firstNonEmpty(t.ExtraAllowRule, projectRule),
		}

		return p, nil
	}

	return nil, ErrUnauthenticated
}

// firstNonNil prefers the token-level rate limit over the project-level one.
func firstNonNil(tokenRpm, projectRpm *int) *int {
	if tokenRpm != nil {
		return tokenRpm
	}
	return projectRpm
}

// firstNonEmpty prefers the token-level CEL rule over the project-level one.
func firstNonEmpty(tokenRule, projectRule string) string {
	if tokenRule != "" {
		return tokenRule
	}
	return projectRule
}

// UpstreamView is the subset of upstream metadata the allowlist/CEL checks
// need, kept free of any dependency on the config or upstream packages to
// avoid import cycles.
type UpstreamView struct {
	Name string
	Tags []string
}

// AssertAllowedUpstream checks that a principal may dispatch to the given
// upstream: first the plain name/tag allowlist, then — if ExtraAllowRule is
// set — a CEL predicate evaluated over the result. A principal must clear
// both the name and tag dimensions; an unrestricted (all-access) dimension
// always clears on its own, but a restricted one is never bypassed by the
// other dimension being unrestricted. Returns ErrForbidden if any check
// rejects the upstream.
func AssertAllowedUpstream(p *Principal, up UpstreamView) error {
	if !p.AllowedUpstreams.Allows(up.Name) || !p.AllowedTags.AllowsAny(up.Tags) {
		return ErrForbidden
	}

	if p.ExtraAllowRule != "" {
		ok, err := EvaluateExtraAllowRule(p.ExtraAllowRule, p, up)
		if err != nil || !ok {
			// Fail closed: a CEL error or a non-true result both deny.
			return ErrForbidden
		}
	}

	return nil
}
