package executor

import "sync"

// AgentTypeConfig describes a registered agent type: which executor serves it
// and how its sandbox is provisioned.
type AgentTypeConfig struct {
	ID          string
	Name        string
	Description string
	Image       string
	WorkingDir  string
	RequiredEnv []string
	Executor    AgentExecutor
	Enabled     bool
}

// Registry maps step agent types to their configurations.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*AgentTypeConfig
	fallback AgentExecutor
}

// NewRegistry creates a registry with a fallback executor for unknown types.
func NewRegistry(fallback AgentExecutor) *Registry {
	return &Registry{
		agents:   make(map[string]*AgentTypeConfig),
		fallback: fallback,
	}
}

// Register adds or replaces an agent type.
func (r *Registry) Register(cfg *AgentTypeConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[cfg.ID] = cfg
}

// Get returns the configuration for an agent type.
func (r *Registry) Get(agentType string) (*AgentTypeConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.agents[agentType]
	return cfg, ok
}

// Resolve returns the executor serving an agent type, falling back to the
// default for unknown or disabled types.
func (r *Registry) Resolve(agentType string) AgentExecutor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cfg, ok := r.agents[agentType]; ok && cfg.Enabled && cfg.Executor != nil {
		return cfg.Executor
	}
	return r.fallback
}

// List returns all registered agent types.
func (r *Registry) List() []*AgentTypeConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	configs := make([]*AgentTypeConfig, 0, len(r.agents))
	for _, cfg := range r.agents {
		configs = append(configs, cfg)
	}
	return configs
}
