// Package config loads the typed runtime configuration for Loom: agent role
// profiles, file-operation policy, tool policy, and top-level orchestration
// options. It merges compiled-in defaults, an optional YAML file, and a
// secret store, and fails fast at startup when a required secret is absent.
package config

import (
	"fmt"
	"time"
)

// AgentRole is the closed set of agent specializations.
type AgentRole string

const (
	RoleMain        AgentRole = "main"
	RoleReviewer    AgentRole = "reviewer"
	RoleResearcher  AgentRole = "researcher"
	RoleImplementer AgentRole = "implementer"
	RoleTester      AgentRole = "tester"
	RoleOptimizer   AgentRole = "optimizer"
)

// ValidRoles is the exhaustive set of known roles; new roles are
// configuration-only additions, so this set exists purely to validate the
// role field of a loaded AgentProfile.
var ValidRoles = map[AgentRole]bool{
	RoleMain:        true,
	RoleReviewer:    true,
	RoleResearcher:  true,
	RoleImplementer: true,
	RoleTester:      true,
	RoleOptimizer:   true,
}

// AgentProfile is the immutable-once-loaded definition of one role: a
// (prompt, model, temperature, token cap) tuple plus spawn keywords and
// cost accounting.
type AgentProfile struct {
	Role             AgentRole `yaml:"role"`
	Provider         string    `yaml:"provider"`
	BaseURL          string    `yaml:"base_url"`
	ModelID          string    `yaml:"model_id"`
	APIKeySecretName string    `yaml:"api_key_secret"`
	Temperature      float64   `yaml:"temperature"`
	MaxTokens        int       `yaml:"max_tokens"`
	StreamEnabled    bool      `yaml:"stream_enabled"`
	SystemPromptText string    `yaml:"system_prompt"`
	SpawnKeywords    []string  `yaml:"spawn_keywords"`
	CostPer1kTokens  float64   `yaml:"cost_per_1k_tokens"`
	Persistent       bool      `yaml:"-"` // true only for RoleMain; not user-configurable
	apiKey           string    // resolved from the secret store, never serialized
}

// APIKey returns the resolved API key for this profile, if any.
func (p *AgentProfile) APIKey() string { return p.apiKey }

// FileOpsPolicy controls the Tool Executor's file operation behavior.
type FileOpsPolicy struct {
	AllowRead          bool     `yaml:"allow_read"`
	AllowWrite         bool     `yaml:"allow_write"`
	AllowEdit          bool     `yaml:"allow_edit"`
	MaxFileSizeKB      int      `yaml:"max_file_size_kb"`
	AllowedDirectories []string `yaml:"allowed_directories"`
	BackupBeforeEdit   bool     `yaml:"backup_before_edit"`
	OverwriteWarning   bool     `yaml:"overwrite_warning"`
}

// ToolPolicy controls the Tool Executor's command execution behavior.
type ToolPolicy struct {
	SafeCommands                map[string]bool `yaml:"-"`
	SafeCommandsList            []string        `yaml:"safe_commands"`
	DeniedCommands              map[string]bool `yaml:"-"`
	DeniedCommandsList          []string        `yaml:"denied_commands"`
	DefaultTimeoutSeconds       int             `yaml:"default_timeout_seconds"`
	AllowShellMetacharactersFor map[string]bool `yaml:"-"`
	AllowShellMetaList          []string        `yaml:"allow_shell_metacharacters_for"`
}

// Config is the top-level, fully-merged runtime configuration.
type Config struct {
	MaxConcurrentAgents int                          `yaml:"max_concurrent_agents"`
	AutoSpawnOnKeywords bool                         `yaml:"auto_spawn_on_keywords"`
	PlanMode            bool                         `yaml:"plan_mode"`
	FileOps             FileOpsPolicy                `yaml:"file_ops"`
	ToolPolicy          ToolPolicy                   `yaml:"tool_policy"`
	Roles               map[AgentRole]*AgentProfile  `yaml:"roles"`
	WorkflowStatePath   string                       `yaml:"workflow_state_path"`
}

// Defaults returns the compiled-in configuration baseline. File and secret
// layers are merged on top of this by the Loader.
func Defaults() *Config {
	return &Config{
		MaxConcurrentAgents: 4,
		AutoSpawnOnKeywords: false,
		PlanMode:            false,
		FileOps: FileOpsPolicy{
			AllowRead:          true,
			AllowWrite:         true,
			AllowEdit:          true,
			MaxFileSizeKB:      512,
			AllowedDirectories: nil,
			BackupBeforeEdit:   true,
			OverwriteWarning:   true,
		},
		ToolPolicy: ToolPolicy{
			SafeCommandsList:      []string{"echo", "ls", "cat", "pwd", "grep", "find", "head", "tail", "wc"},
			DeniedCommandsList:    []string{"rm", "sudo", "shutdown", "reboot", "mkfs", "dd"},
			DefaultTimeoutSeconds: 30,
		},
		Roles:             defaultRoles(),
		WorkflowStatePath: "loom-workflow-state.sqlite",
	}
}

func defaultRoles() map[AgentRole]*AgentProfile {
	return map[AgentRole]*AgentProfile{
		RoleMain: {
			Role: RoleMain, ModelID: "gpt-4o-mini", Temperature: 0.4, MaxTokens: 4096,
			StreamEnabled: true, Persistent: true,
			SystemPromptText: "You are the main orchestration agent. Coordinate sub-agents and tools to satisfy the user's request.",
		},
		RoleReviewer: {
			Role: RoleReviewer, ModelID: "gpt-4o-mini", Temperature: 0.2, MaxTokens: 2048,
			SpawnKeywords:    []string{"review", "critique"},
			SystemPromptText: "You review work produced by other agents for correctness and quality.",
		},
		RoleResearcher: {
			Role: RoleResearcher, ModelID: "gpt-4o-mini", Temperature: 0.5, MaxTokens: 2048,
			SpawnKeywords:    []string{"research", "investigate", "look up"},
			SystemPromptText: "You research background information needed to complete a task.",
		},
		RoleImplementer: {
			Role: RoleImplementer, ModelID: "gpt-4o-mini", Temperature: 0.2, MaxTokens: 4096,
			SpawnKeywords:    []string{"implement", "build", "write code"},
			SystemPromptText: "You implement the requested change directly using the available tools.",
		},
		RoleTester: {
			Role: RoleTester, ModelID: "gpt-4o-mini", Temperature: 0.1, MaxTokens: 2048,
			SpawnKeywords:    []string{"test", "verify"},
			SystemPromptText: "You write and run tests to verify a change behaves as intended.",
		},
		RoleOptimizer: {
			Role: RoleOptimizer, ModelID: "gpt-4o-mini", Temperature: 0.3, MaxTokens: 2048,
			SpawnKeywords:    []string{"optimize", "speed up", "profile"},
			SystemPromptText: "You optimize existing code or plans for performance.",
		},
	}
}

// ConfigurationError is fatal at startup: malformed config, missing
// required secret, or an unknown role keyword.
type ConfigurationError struct {
	Reason string
	Cause  error
}

func (e *ConfigurationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Cause }

// finalize compiles the derived lookup maps (SafeCommands, DeniedCommands,
// AllowShellMetacharactersFor) from their YAML-friendly slice form, and
// validates roles. Called once after all config layers are merged.
func (c *Config) finalize() error {
	if c.MaxConcurrentAgents < 1 {
		return &ConfigurationError{Reason: "max_concurrent_agents must be >= 1"}
	}

	c.ToolPolicy.SafeCommands = toSet(c.ToolPolicy.SafeCommandsList)
	c.ToolPolicy.DeniedCommands = toSet(c.ToolPolicy.DeniedCommandsList)
	c.ToolPolicy.AllowShellMetacharactersFor = toSet(c.ToolPolicy.AllowShellMetaList)
	if c.ToolPolicy.DefaultTimeoutSeconds <= 0 {
		c.ToolPolicy.DefaultTimeoutSeconds = 30
	}

	for role, profile := range c.Roles {
		if !ValidRoles[role] {
			return &ConfigurationError{Reason: fmt.Sprintf("unknown role %q", role)}
		}
		profile.Role = role
		profile.Persistent = role == RoleMain
		if profile.ModelID == "" {
			return &ConfigurationError{Reason: fmt.Sprintf("role %q has no model_id", role)}
		}
	}
	if _, ok := c.Roles[RoleMain]; !ok {
		return &ConfigurationError{Reason: "no profile configured for role \"main\""}
	}
	return nil
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		out[item] = true
	}
	return out
}

// DefaultTimeout returns the tool policy's default timeout as a duration.
func (p ToolPolicy) DefaultTimeout() time.Duration {
	return time.Duration(p.DefaultTimeoutSeconds) * time.Second
}
