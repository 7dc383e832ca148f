// Package batch executes a declarative plan of agent runs across one or
// more repositories with bounded concurrency, per-item timeouts, retries,
// and cooperative abort.
package batch

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/sessionkit/orchestrator/internal/errs"
)

// Defaults holds plan-wide settings an item may override.
type Defaults struct {
	Retries     int    `yaml:"retries"`
	TimeoutSec  int    `yaml:"timeoutSec"`
	BaseBranch  string `yaml:"baseBranch"`
	MergeOnPass bool   `yaml:"mergeOnPass"`
}

// ItemSpec describes one unit of work in a plan matrix.
type ItemSpec struct {
	Repo          string `yaml:"repo"`
	Prompt        string `yaml:"prompt"`
	BaseBranch    string `yaml:"baseBranch"`
	ScriptCommand string `yaml:"scriptCommand"`
	Model         string `yaml:"model"`
	TimeoutSec    int    `yaml:"timeoutSec"`
	MergeOnPass   *bool  `yaml:"mergeOnPass"`
}

// Plan is the parsed, validated form of a batch run document.
type Plan struct {
	Concurrency int        `yaml:"concurrency"`
	Defaults    Defaults   `yaml:"defaults"`
	Items       []ItemSpec `yaml:"items"`
}

// ParsePlan loads and validates a plan document. Validation failures are
// reported with errs.ErrBadInput so callers can distinguish them from I/O
// errors.
func ParsePlan(data []byte) (Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Plan{}, fmt.Errorf("parse plan: %w", err)
	}
	if err := p.validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}

func (p *Plan) validate() error {
	if p.Concurrency <= 0 {
		p.Concurrency = 1
	}
	if len(p.Items) == 0 {
		return fmt.Errorf("plan: matrix has no items: %w", errs.ErrPlanInvalid)
	}
	for i, it := range p.Items {
		if it.Repo == "" {
			return fmt.Errorf("plan item %d: missing repo: %w", i, errs.ErrPlanInvalid)
		}
		if it.Prompt == "" {
			return fmt.Errorf("plan item %d: missing prompt: %w", i, errs.ErrPlanInvalid)
		}
	}
	if p.Defaults.Retries < 0 {
		return fmt.Errorf("plan: defaults.retries must be >= 0: %w", errs.ErrPlanInvalid)
	}
	return nil
}

// resolvedTimeout returns the item's effective timeout in seconds.
func (p Plan) resolvedTimeout(it ItemSpec) int {
	if it.TimeoutSec > 0 {
		return it.TimeoutSec
	}
	if p.Defaults.TimeoutSec > 0 {
		return p.Defaults.TimeoutSec
	}
	return 1800 // 30 minutes, matching the agent-iteration default elsewhere
}

func (p Plan) resolvedMergeOnPass(it ItemSpec) bool {
	if it.MergeOnPass != nil {
		return *it.MergeOnPass
	}
	return p.Defaults.MergeOnPass
}

func (p Plan) resolvedBaseBranch(it ItemSpec) string {
	if it.BaseBranch != "" {
		return it.BaseBranch
	}
	return p.Defaults.BaseBranch
}
