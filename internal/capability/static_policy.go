package capability

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/stageflow/model"
)

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// StaticPolicyEvaluator resolves capabilities from a static YAML file
// mapping roles to capability strings.
type StaticPolicyEvaluator struct {
	path   string
	mu     sync.RWMutex
	policy policyFile
}

// NewStaticPolicyEvaluator creates a new evaluator that loads policies from path.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// ResolveCapabilities returns the union of capabilities for all roles in the
// scope.
func (e *StaticPolicyEvaluator) ResolveCapabilities(scope model.Scope) (model.CapabilitySet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	caps := make(model.CapabilitySet)
	for _, role := range scope.Roles {
		for _, cap := range e.policy.Roles[role] {
			caps[cap] = true
		}
	}
	return caps, nil
}

// Roles returns the number of roles the loaded policy defines.
func (e *StaticPolicyEvaluator) Roles() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.policy.Roles)
}

// Sync reloads the policy file from disk. A file that fails to parse leaves
// the previous policy in place.
func (e *StaticPolicyEvaluator) Sync() error {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", e.path, err)
	}

	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", e.path, err)
	}

	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()

	return nil
}

// AllowAll grants every capability to every caller.
type AllowAll struct{}

// ResolveCapabilities implements model.PolicyEvaluator.
func (AllowAll) ResolveCapabilities(model.Scope) (model.CapabilitySet, error) {
	return model.CapabilitySet{"*": true}, nil
}
