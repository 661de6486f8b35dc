package service

import (
	"github.com/mcprouter/mcprouter/internal/config"
	"github.com/mcprouter/mcprouter/internal/domain/auth"
)

// allowSetFromPtr maps a config *[]string to an AllowSet: nil means the
// config author never restricted this field, so it is unrestricted (⊤);
// a non-nil (possibly empty) slice is taken literally.
func allowSetFromPtr(names *[]string) auth.AllowSet {
	if names == nil {
		return auth.AllowAll()
	}
	return auth.NewAllowSet(*names)
}

func rateLimitFromConfig(rl *config.RateLimitConfig) *int {
	if rl == nil {
		return nil
	}
	return rl.RequestsPerMinute
}

// ProjectPoliciesFromConfig converts the config file's project policy table
// into the domain shape AuthFromToken consumes.
func ProjectPoliciesFromConfig(projects map[string]config.ProjectPolicyConfig) map[string]auth.ProjectPolicy {
	out := make(map[string]auth.ProjectPolicy, len(projects))
	for id, p := range projects {
		out[id] = auth.ProjectPolicy{
			ID:               p.ID,
			Name:             p.Name,
			AllowedUpstreams: allowSetFromPtr(p.AllowedMCPServers),
			AllowedTags:      allowSetFromPtr(p.AllowedTags),
			RateLimitRpm:     rateLimitFromConfig(p.RateLimit),
			ExtraAllowRule:   p.ExtraAllowRule,
		}
	}
	return out
}

// TokenEntriesFromConfig converts the config file's token table into the
// domain shape AuthFromToken consumes.
func TokenEntriesFromConfig(tokens []config.TokenConfig) []auth.TokenEntry {
	out := make([]auth.TokenEntry, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, auth.TokenEntry{
			Stored:           t.Value,
			ProjectID:        t.ProjectID,
			AllowedUpstreams: allowSetFromPtr(t.AllowedMCPServers),
			AllowedTags:      allowSetFromPtr(t.AllowedTags),
			RateLimitRpm:     rateLimitFromConfig(t.RateLimit),
			ExtraAllowRule:   t.ExtraAllowRule,
		})
	}
	return out
}
