// Package rule provides subscription plan value types and pure functions
// for resolving the effective quota rule of a gated capability.
package rule

import "time"

// DefaultAction is the plan policy applied when no rule matches.
type DefaultAction string

const (
	ActionAllow DefaultAction = "allow"
	ActionBlock DefaultAction = "block"
)

// Type determines how a function rule meters consumption.
type Type string

const (
	TypeCount     Type = "count"
	TypeUnlimited Type = "unlimited"
)

// WindowType determines how the accounting window is anchored.
type WindowType string

const (
	WindowCalendar WindowType = "calendar"
	WindowRolling  WindowType = "rolling"
)

// WindowUnit is the granularity of an accounting window.
type WindowUnit string

const (
	UnitMinute   WindowUnit = "minute"
	UnitHour     WindowUnit = "hour"
	UnitDay      WindowUnit = "day"
	UnitWeek     WindowUnit = "week"
	UnitMonth    WindowUnit = "month"
	UnitLifetime WindowUnit = "lifetime"
)

// FunctionRule limits a single gated function (immutable value type).
// Quota is a pointer so a missing quota on a count rule is detectable
// at plan-load time. Concurrency nil means no in-flight limit.
type FunctionRule struct {
	Key         string     `yaml:"key" json:"key"`
	Type        Type       `yaml:"type" json:"type"`
	Quota       *int64     `yaml:"quota,omitempty" json:"quota,omitempty"`
	WindowType  WindowType `yaml:"window_type,omitempty" json:"windowType,omitempty"`
	WindowUnit  WindowUnit `yaml:"window_unit,omitempty" json:"windowUnit,omitempty"`
	WindowSize  int        `yaml:"window_size,omitempty" json:"windowSize,omitempty"`
	Burst       int64      `yaml:"burst,omitempty" json:"burst,omitempty"`
	Concurrency *int64     `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
}

// ModuleRule groups the function rules of one module. ModuleRule (the
// field) applies to module-level checks and is the fallback for
// functions without their own rule.
type ModuleRule struct {
	Key        string         `yaml:"key" json:"key"`
	ModuleRule *FunctionRule  `yaml:"module_rule,omitempty" json:"moduleRule,omitempty"`
	Functions  []FunctionRule `yaml:"functions,omitempty" json:"functions,omitempty"`
}

// Limitation is a plan's quota policy.
type Limitation struct {
	DefaultAction DefaultAction `yaml:"default_action" json:"defaultAction"`
	Modules       []ModuleRule  `yaml:"modules,omitempty" json:"modules,omitempty"`
}

// Plan represents a subscription plan (immutable value type).
type Plan struct {
	ID           string     `yaml:"id" json:"id"`
	Name         string     `yaml:"name" json:"name"`
	Price        int64      `yaml:"price" json:"price"` // cents
	DurationUnit string     `yaml:"duration_unit" json:"durationUnit"`
	Limitation   Limitation `yaml:"limitation" json:"limitation"`
	Enabled      bool       `yaml:"enabled" json:"enabled"`
	CreatedAt    time.Time  `yaml:"-" json:"createdAt,omitempty"`
	UpdatedAt    time.Time  `yaml:"-" json:"updatedAt,omitempty"`
}

// Resolution is the outcome of resolving a (module, function) pair
// against a plan. Rule is nil when the plan's default action applies.
type Resolution struct {
	Rule   *FunctionRule
	Action DefaultAction
}

// Unlimited reports whether the resolution imposes no metered limit.
func (r Resolution) Unlimited() bool {
	if r.Rule == nil {
		return r.Action == ActionAllow
	}
	return r.Rule.Type == TypeUnlimited
}

// QuotaValue returns the rule's quota, 0 when unset.
func (r FunctionRule) QuotaValue() int64 {
	if r.Quota == nil {
		return 0
	}
	return *r.Quota
}

// Ceiling returns quota plus burst, the hard admission limit.
func (r FunctionRule) Ceiling() int64 {
	return r.QuotaValue() + r.Burst
}

// Resolve finds the effective rule for a (moduleKey, functionKey) pair.
// Precedence: function rule, then module rule, then the plan's default
// action. A missing rule is not an error. An empty functionKey requests
// a module-level check.
// This is a PURE function.
func Resolve(p Plan, moduleKey, functionKey string) Resolution {
	def := Resolution{Action: p.Limitation.DefaultAction}
	if def.Action == "" {
		def.Action = ActionAllow
	}

	var mod *ModuleRule
	for i := range p.Limitation.Modules {
		if p.Limitation.Modules[i].Key == moduleKey {
			mod = &p.Limitation.Modules[i]
			break
		}
	}
	if mod == nil {
		return def
	}

	if functionKey != "" {
		for i := range mod.Functions {
			if mod.Functions[i].Key == functionKey {
				return Resolution{Rule: &mod.Functions[i], Action: def.Action}
			}
		}
	}

	if mod.ModuleRule != nil {
		return Resolution{Rule: mod.ModuleRule, Action: def.Action}
	}
	return def
}
