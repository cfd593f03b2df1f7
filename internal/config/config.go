// Package config provides configuration loading and management for quorum.
package config

import "fmt"

// Config is the root configuration.
type Config struct {
	Agents    map[string]AgentConfig `json:"agents"    mapstructure:"agents"`
	Team      []Seat                 `json:"team"      mapstructure:"team"`
	Rounds    Rounds                 `json:"rounds"    mapstructure:"rounds"`
	Scheduler Scheduler              `json:"scheduler" mapstructure:"scheduler"`
	Quota     Quota                  `json:"quota"     mapstructure:"quota"`
	Repair    Repair                 `json:"repair"    mapstructure:"repair"`
}

// AgentConfig describes how to run an agent process.
type AgentConfig struct {
	Type   string   `json:"type"              mapstructure:"type"`
	Cmd    []string `json:"cmd,omitempty"     mapstructure:"cmd"`
	Model  string   `json:"model,omitempty"   mapstructure:"model"`
	UseTTY *bool    `json:"use_tty,omitempty" mapstructure:"use_tty"`
}

// Seat assigns one team member: an agent definition plus its resource class
// and per-task timeout. The resource class is fixed for the whole run.
type Seat struct {
	ID             string `json:"id"                        mapstructure:"id"`
	Agent          string `json:"agent"                     mapstructure:"agent"`
	ResourceClass  string `json:"resource_class,omitempty"  mapstructure:"resource_class"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" mapstructure:"timeout_seconds"`
	PromptFile     string `json:"prompt_file,omitempty"     mapstructure:"prompt_file"`
}

// Rounds drives the round state machine and its stop conditions.
type Rounds struct {
	MaxRounds       int     `json:"max_rounds"                 mapstructure:"max_rounds"`
	RequireDecision bool    `json:"require_decision,omitempty" mapstructure:"require_decision"`
	FailClosed      bool    `json:"fail_closed,omitempty"      mapstructure:"fail_closed"`
	FailBelowScore  float64 `json:"fail_below_score,omitempty" mapstructure:"fail_below_score"`
	ScorecardFile   string  `json:"scorecard_file,omitempty"   mapstructure:"scorecard_file"`
}

// Scheduler bounds slot allocation.
type Scheduler struct {
	MaxParallel       int  `json:"max_parallel"                  mapstructure:"max_parallel"`
	PerConsole        int  `json:"per_console,omitempty"         mapstructure:"per_console"`
	DowngradeOnDenial bool `json:"downgrade_on_denial,omitempty" mapstructure:"downgrade_on_denial"`
}

// Quota defines expensive-class budgets; 0 means unlimited.
type Quota struct {
	GlobalBudget   int `json:"global_budget,omitempty"    mapstructure:"global_budget"`
	PerAgentBudget int `json:"per_agent_budget,omitempty" mapstructure:"per_agent_budget"`
	ExpensiveSeats int `json:"expensive_seats,omitempty"  mapstructure:"expensive_seats"`
}

// Repair bounds the contract self-heal loop.
type Repair struct {
	Attempts int `json:"attempts" mapstructure:"attempts"`
}

const (
	defaultTimeoutSeconds = 300
	defaultMaxParallel    = 2
	defaultPerConsole     = 1
)

// ApplyDefaults fills unset values and resolves seat resource classes: when
// quota.expensive_seats is set, the first N seats without an explicit class
// become expensive and the rest cheap.
func (c *Config) ApplyDefaults() {
	if c.Scheduler.MaxParallel <= 0 {
		c.Scheduler.MaxParallel = defaultMaxParallel
	}
	if c.Scheduler.PerConsole <= 0 {
		c.Scheduler.PerConsole = defaultPerConsole
	}
	// repair.attempts = 0 disables the repair loop entirely.
	if c.Repair.Attempts < 0 {
		c.Repair.Attempts = 0
	}
	assigned := 0
	for i := range c.Team {
		seat := &c.Team[i]
		if seat.TimeoutSeconds <= 0 {
			seat.TimeoutSeconds = defaultTimeoutSeconds
		}
		if seat.ResourceClass == "" {
			if c.Quota.ExpensiveSeats > 0 && assigned < c.Quota.ExpensiveSeats {
				seat.ResourceClass = "expensive"
				assigned++
			} else {
				seat.ResourceClass = "cheap"
			}
		}
	}
}

// Check verifies cross-field constraints the JSON schema cannot express.
func (c *Config) Check() error {
	if c.Rounds.MaxRounds <= 0 {
		return fmt.Errorf("rounds.max_rounds must be > 0")
	}
	seen := make(map[string]bool, len(c.Team))
	for _, seat := range c.Team {
		if seen[seat.ID] {
			return fmt.Errorf("duplicate seat id %q", seat.ID)
		}
		seen[seat.ID] = true
		if _, ok := c.Agents[seat.Agent]; !ok {
			return fmt.Errorf("seat %q references undefined agent %q", seat.ID, seat.Agent)
		}
	}
	return nil
}
