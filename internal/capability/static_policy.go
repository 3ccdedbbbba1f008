package capability

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/tessera/model"
)

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// defaultPolicy is used when no policy file is configured.
var defaultPolicy = policyFile{Roles: map[string][]string{
	"viewer": {model.CapabilityDashboardView},
	"editor": {
		model.CapabilityDashboardView,
		model.CapabilityDashboardEdit,
		model.CapabilityFiltersChange,
		model.CapabilityHistoryReplay,
	},
	"owner": {"dashboard:*"},
	"admin": {"*"},
}}

// StaticPolicy resolves capabilities from a YAML file mapping roles to
// capability strings:
//
//	roles:
//	  editor: [dashboard:view, dashboard:edit]
//	  owner:  ["dashboard:*"]
type StaticPolicy struct {
	path   string
	mu     sync.RWMutex
	policy policyFile
}

// NewStaticPolicy loads the policy at path. An empty path serves the
// built-in viewer, editor, owner and admin roles.
func NewStaticPolicy(path string) (*StaticPolicy, error) {
	p := &StaticPolicy{path: path, policy: defaultPolicy}
	if path == "" {
		return p, nil
	}
	if err := p.Sync(); err != nil {
		return nil, err
	}
	return p, nil
}

// ResolveCapabilities returns the union of capabilities for all roles in the
// request context.
func (p *StaticPolicy) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	caps := make(model.CapabilitySet)
	for _, role := range rctx.Roles {
		for _, c := range p.policy.Roles[role] {
			caps[c] = true
		}
	}
	return caps, nil
}

// Roles returns the configured role names.
func (p *StaticPolicy) Roles() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.policy.Roles))
	for r := range p.policy.Roles {
		out = append(out, r)
	}
	return out
}

// Sync reloads the policy file from disk.
func (p *StaticPolicy) Sync() error {
	if p.path == "" {
		return nil
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", p.path, err)
	}

	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", p.path, err)
	}
	if len(pf.Roles) == 0 {
		return fmt.Errorf("capability: policy file %s defines no roles", p.path)
	}

	p.mu.Lock()
	p.policy = pf
	p.mu.Unlock()

	return nil
}
