// Package mcp provides MCP client adapters for connecting to upstream servers.
package mcp

import (
	"fmt"
	"os"
	"strings"

	"github.com/mcprouter/mcprouter/internal/config"
)

// ErrSandboxDenied is returned when a pipe upstream's spawn configuration
// violates the sandbox guardrails. It is checked before the process is
// ever started, never after.
type ErrSandboxDenied struct {
	Reason string
}

func (e *ErrSandboxDenied) Error() string {
	return fmt.Sprintf("sandbox denied: %s", e.Reason)
}

// checkSandbox enforces that the command is in allowedCommands, that cwd
// (if set) falls under one of allowedCwdRoots, and that every key in the
// explicit env map is in allowedEnvKeys, before a pipe upstream is ever
// spawned. Empty allowlists deny everything they would otherwise gate: an
// operator must opt in.
func checkSandbox(u config.UpstreamConfig, sb config.SandboxStdioConfig) error {
	if !contains(sb.AllowedCommands, u.Command) {
		return &ErrSandboxDenied{Reason: fmt.Sprintf("command %q is not in sandbox.stdio.allowedCommands", u.Command)}
	}

	if u.Cwd != "" {
		ok := false
		for _, root := range sb.AllowedCwdRoots {
			if withinRoot(u.Cwd, root) {
				ok = true
				break
			}
		}
		if !ok {
			return &ErrSandboxDenied{Reason: fmt.Sprintf("cwd %q is not under any sandbox.stdio.allowedCwdRoots entry", u.Cwd)}
		}
	}

	for key := range u.Env {
		if !contains(sb.AllowedEnvKeys, key) {
			return &ErrSandboxDenied{Reason: fmt.Sprintf("env key %q is not in sandbox.stdio.allowedEnvKeys", key)}
		}
	}

	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// withinRoot reports whether cwd is root itself or a descendant of it.
func withinRoot(cwd, root string) bool {
	cwd = strings.TrimSuffix(cwd, "/")
	root = strings.TrimSuffix(root, "/")
	return cwd == root || strings.HasPrefix(cwd, root+"/")
}

// childEnviron builds the filtered environment for a spawned pipe upstream:
// inherited keys overlaid by the explicit env map, with explicit values
// always winning. Inherited values that look like a shell function
// definition are dropped.
func childEnviron(inheritKeys []string, explicit map[string]string) []string {
	env := make([]string, 0, len(inheritKeys)+len(explicit))
	seen := make(map[string]bool, len(explicit))

	for _, key := range inheritKeys {
		if _, overridden := explicit[key]; overridden {
			continue
		}
		val, ok := os.LookupEnv(key)
		if !ok || strings.HasPrefix(val, "()") {
			continue
		}
		env = append(env, key+"="+val)
	}

	for key, val := range explicit {
		if seen[key] {
			continue
		}
		seen[key] = true
		env = append(env, key+"="+val)
	}

	return env
}
