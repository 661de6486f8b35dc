// Package config provides the router's configuration schema: normalized,
// validated, and hot-reloadable. It intentionally excludes the admin web
// interface, content scanning, SSO, and other features outside the
// routing engine's scope.
package config

import (
	"fmt"
)

// ToolExposure controls how the router surfaces upstream tools to clients.
type ToolExposure string

const (
	ExposureHierarchical ToolExposure = "hierarchical"
	ExposureNamespaced   ToolExposure = "namespaced"
	ExposureBoth         ToolExposure = "both"
)

// SelectorStrategy is the tie-break policy among selector candidates.
type SelectorStrategy string

const (
	StrategyRoundRobin SelectorStrategy = "roundRobin"
	StrategyRandom     SelectorStrategy = "random"
)

// NormalizedConfig is the fully parsed, defaulted, and validated router
// configuration. It is immutable once constructed; a reload produces a
// brand new value that atomically replaces the previous one.
type NormalizedConfig struct {
	Listen       ListenConfig           `mapstructure:"listen"`
	Admin        AdminConfig            `mapstructure:"admin"`
	ToolExposure ToolExposure           `mapstructure:"toolExposure" validate:"omitempty,oneof=hierarchical namespaced both"`
	Routing      RoutingConfig          `mapstructure:"routing"`
	Audit        AuditConfig            `mapstructure:"audit"`
	Principals   []PrincipalConfig      `mapstructure:"principals" validate:"dive"`
	Auth         AuthConfig             `mapstructure:"auth"`
	Projects     map[string]ProjectPolicyConfig `mapstructure:"-"`
	ProjectsList []ProjectPolicyConfig  `mapstructure:"projects" validate:"dive"`
	Sandbox      SandboxConfig          `mapstructure:"sandbox"`
	Upstreams    map[string]UpstreamConfig `mapstructure:"-"`

	// MCPServers and UpstreamsRaw are the raw decode targets for the
	// current and legacy upstream map keys; NormalizeUpstreams merges them
	// into Upstreams. Only one of the two should be present in a given
	// config file, but both are accepted.
	MCPServers map[string]UpstreamConfig `mapstructure:"mcpServers"`
	UpstreamsRaw map[string]UpstreamConfig `mapstructure:"upstreams"`
}

// ListenConfig configures the two front-end transports.
type ListenConfig struct {
	HTTP  *HTTPListenConfig `mapstructure:"http"`
	Stdio bool              `mapstructure:"stdio"`
}

// HTTPListenConfig configures the HTTP front-end.
type HTTPListenConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port" validate:"gte=0,lte=65535"`
	Path string `mapstructure:"path"`
}

// AdminConfig is carried for compatibility with the historical config
// surface; the admin HTML UI itself is an external collaborator and is
// not implemented by this router.
type AdminConfig struct {
	Enabled              bool   `mapstructure:"enabled"`
	Path                 string `mapstructure:"path"`
	AllowUnauthenticated bool   `mapstructure:"allowUnauthenticated"`
}

// RoutingConfig controls selector strategy, health checks, and the breaker.
type RoutingConfig struct {
	SelectorStrategy SelectorStrategy    `mapstructure:"selectorStrategy" validate:"omitempty,oneof=roundRobin random"`
	HealthChecks     HealthCheckConfig   `mapstructure:"healthChecks"`
	CircuitBreaker   CircuitBreakerConfig `mapstructure:"circuitBreaker"`
	Tracing          TracingConfig       `mapstructure:"tracing"`
}

// HealthCheckConfig controls the periodic upstream prober.
type HealthCheckConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	IntervalMs   int  `mapstructure:"intervalMs" validate:"omitempty,gt=0"`
	TimeoutMs    int  `mapstructure:"timeoutMs" validate:"omitempty,gt=0"`
	IncludeStdio bool `mapstructure:"includeStdio"`
}

// CircuitBreakerConfig controls the per-upstream breaker.
type CircuitBreakerConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	FailureThreshold int  `mapstructure:"failureThreshold" validate:"omitempty,gt=0"`
	OpenMs           int  `mapstructure:"openMs" validate:"omitempty,gt=0"`
}

// TracingConfig is accepted in the config file but read by no code: no
// OTel span is emitted whether or not Enabled is set.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// AuditConfig controls audit record emission.
type AuditConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	LogArguments     bool   `mapstructure:"logArguments"`
	MaxArgumentChars int    `mapstructure:"maxArgumentChars" validate:"omitempty,gt=0"`
	Output           string `mapstructure:"output" validate:"omitempty,audit_output"`
	SendTimeoutMs    int    `mapstructure:"sendTimeoutMs" validate:"omitempty,gt=0"`
}

// ProjectPolicyConfig is the file representation of a project's policy.
type ProjectPolicyConfig struct {
	ID                string    `mapstructure:"id" validate:"required"`
	Name              string    `mapstructure:"name"`
	AllowedMCPServers *[]string `mapstructure:"allowedMcpServers"`
	AllowedTags       *[]string `mapstructure:"allowedTags"`
	RateLimit         *RateLimitConfig `mapstructure:"rateLimit"`
	ExtraAllowRule    string    `mapstructure:"extraAllowRule"`
}

// RateLimitConfig is the file representation of a requests-per-minute cap.
type RateLimitConfig struct {
	RequestsPerMinute *int `mapstructure:"requestsPerMinute"`
}

// AuthConfig holds the bearer/API-key token table.
type AuthConfig struct {
	Tokens []TokenConfig `mapstructure:"tokens" validate:"dive"`
}

// TokenConfig is one entry in auth.tokens.
type TokenConfig struct {
	Value             string    `mapstructure:"value" validate:"required"`
	ProjectID         string    `mapstructure:"projectId"`
	AllowedMCPServers *[]string `mapstructure:"allowedMcpServers"`
	AllowedTags       *[]string `mapstructure:"allowedTags"`
	RateLimit         *RateLimitConfig `mapstructure:"rateLimit"`
	ExtraAllowRule    string    `mapstructure:"extraAllowRule"`
}

// PrincipalConfig is retained for forward compatibility with a future
// principal-centric config surface; the router currently derives
// principals from AuthConfig.Tokens + ProjectsList.
type PrincipalConfig struct {
	ProjectID string `mapstructure:"projectId"`
}

// SandboxConfig holds the pipe-transport guardrails.
type SandboxConfig struct {
	Stdio SandboxStdioConfig `mapstructure:"stdio"`
}

// SandboxStdioConfig allowlists what the pipe transport may spawn.
type SandboxStdioConfig struct {
	AllowedCommands []string `mapstructure:"allowedCommands"`
	AllowedCwdRoots []string `mapstructure:"allowedCwdRoots"`
	AllowedEnvKeys  []string `mapstructure:"allowedEnvKeys"`
	InheritEnvKeys  []string `mapstructure:"inheritEnvKeys"`
}

// UpstreamConfig describes one upstream server. Immutable per reload; the
// upstream manager diffs instances of this type by fingerprint to decide
// whether to recreate a live client.
type UpstreamConfig struct {
	Name      string            `mapstructure:"-"`
	Transport string            `mapstructure:"transport" validate:"required,oneof=pipe http"`
	Enabled   bool              `mapstructure:"enabled"`
	Tags      []string          `mapstructure:"tags"`
	Version   string            `mapstructure:"version"`
	TimeoutMs int               `mapstructure:"timeoutMs" validate:"omitempty,gt=0"`

	// HTTP transport fields.
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`

	// Pipe transport fields.
	Command     string            `mapstructure:"command"`
	Args        []string          `mapstructure:"args"`
	Cwd         string            `mapstructure:"cwd"`
	Env         map[string]string `mapstructure:"env"`
	StderrMode  string            `mapstructure:"stderrMode" validate:"omitempty,oneof=log discard"`
	Restart     RestartPolicyConfig `mapstructure:"restart"`
}

// RestartPolicyConfig controls pipe-client retry/backoff.
type RestartPolicyConfig struct {
	MaxRetries     int `mapstructure:"maxRetries" validate:"omitempty,gte=0"`
	InitialDelayMs int `mapstructure:"initialDelayMs" validate:"omitempty,gt=0"`
	MaxDelayMs     int `mapstructure:"maxDelayMs" validate:"omitempty,gt=0"`
	Factor         float64 `mapstructure:"factor" validate:"omitempty,gt=0"`
}

// EffectiveTimeoutMs returns the configured per-call timeout, defaulting to
// 30s when unset.
func (u UpstreamConfig) EffectiveTimeoutMs() int {
	if u.TimeoutMs > 0 {
		return u.TimeoutMs
	}
	return 30000
}

// Validate enforces that an enabled upstream carries its transport's
// required fields.
func (u UpstreamConfig) Validate() error {
	if !u.Enabled {
		return nil
	}
	switch u.Transport {
	case "http":
		if u.URL == "" {
			return fmt.Errorf("upstream %q: url is required for http transport when enabled", u.Name)
		}
	case "pipe":
		if u.Command == "" {
			return fmt.Errorf("upstream %q: command is required for pipe transport when enabled", u.Name)
		}
	default:
		return fmt.Errorf("upstream %q: transport must be \"pipe\" or \"http\"", u.Name)
	}
	return nil
}

// NormalizeUpstreams merges the legacy "upstreams" alias and the current
// "mcpServers" key into one map, stamping each entry's Name field, and
// merges ProjectsList into the Projects lookup map.
func (c *NormalizedConfig) NormalizeUpstreams() {
	c.Upstreams = make(map[string]UpstreamConfig, len(c.MCPServers)+len(c.UpstreamsRaw))
	for name, u := range c.UpstreamsRaw {
		u.Name = name
		c.Upstreams[name] = u
	}
	for name, u := range c.MCPServers {
		u.Name = name
		c.Upstreams[name] = u
	}

	c.Projects = make(map[string]ProjectPolicyConfig, len(c.ProjectsList))
	for _, p := range c.ProjectsList {
		c.Projects[p.ID] = p
	}
}

// SetDefaults fills in zero-value fields with the router's documented
// defaults.
func (c *NormalizedConfig) SetDefaults() {
	if c.ToolExposure == "" {
		c.ToolExposure = ExposureHierarchical
	}
	if c.Routing.SelectorStrategy == "" {
		c.Routing.SelectorStrategy = StrategyRoundRobin
	}
	if c.Routing.HealthChecks.IntervalMs == 0 {
		c.Routing.HealthChecks.IntervalMs = 30000
	}
	if c.Routing.HealthChecks.TimeoutMs == 0 {
		c.Routing.HealthChecks.TimeoutMs = 5000
	}
	if c.Routing.CircuitBreaker.FailureThreshold == 0 {
		c.Routing.CircuitBreaker.FailureThreshold = 5
	}
	if c.Routing.CircuitBreaker.OpenMs == 0 {
		c.Routing.CircuitBreaker.OpenMs = 30000
	}
	if c.Audit.MaxArgumentChars == 0 {
		c.Audit.MaxArgumentChars = 2048
	}
	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}
	if c.Audit.SendTimeoutMs == 0 {
		c.Audit.SendTimeoutMs = 100
	}
	if c.Listen.HTTP != nil {
		if c.Listen.HTTP.Path == "" {
			c.Listen.HTTP.Path = "/mcp"
		}
	}
	if len(c.Sandbox.Stdio.InheritEnvKeys) == 0 {
		c.Sandbox.Stdio.InheritEnvKeys = defaultInheritedEnvKeys()
	}

	for name, u := range c.Upstreams {
		if u.TimeoutMs == 0 {
			u.TimeoutMs = 30000
		}
		if u.StderrMode == "" {
			u.StderrMode = "log"
		}
		if u.Restart.MaxRetries == 0 {
			u.Restart.MaxRetries = 3
		}
		if u.Restart.InitialDelayMs == 0 {
			u.Restart.InitialDelayMs = 200
		}
		if u.Restart.MaxDelayMs == 0 {
			u.Restart.MaxDelayMs = 5000
		}
		if u.Restart.Factor == 0 {
			u.Restart.Factor = 2.0
		}
		c.Upstreams[name] = u
	}
}

// defaultInheritedEnvKeys is the POSIX default inherited-key set; the
// runner's own OS-specific default is applied by the sandbox guardrail if
// this list is empty on a non-POSIX target.
func defaultInheritedEnvKeys() []string {
	return []string{"HOME", "LOGNAME", "PATH", "SHELL", "TERM", "USER"}
}
