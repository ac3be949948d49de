package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// AgentOverride tunes the gateway for one sender.
type AgentOverride struct {
	RiskLevel       string `yaml:"risk_level"`
	SteeringEnabled *bool  `yaml:"steering_enabled"`
}

// AgentsConfig holds per-agent overrides.
type AgentsConfig struct {
	Agents map[string]AgentOverride `yaml:"agents"`
}

// Manager resolves the effective settings for a sender
type Manager struct {
	global     *Config
	agentsPath string
	agents     map[string]AgentOverride
	mu         sync.RWMutex
}

// NewManager wraps a loaded config and reads agent overrides from agentsPath.
// A missing agents file means no overrides.
func NewManager(global *Config, agentsPath string) (*Manager, error) {
	m := &Manager{global: global, agentsPath: agentsPath, agents: map[string]AgentOverride{}}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload re-reads the agents file. On error the previous overrides stay.
func (m *Manager) Reload() error {
	if m.agentsPath == "" {
		return nil
	}
	f, err := os.Open(m.agentsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	var ac AgentsConfig
	if err := yaml.NewDecoder(f).Decode(&ac); err != nil {
		return fmt.Errorf("decode agents %s: %w", m.agentsPath, err)
	}
	for id, o := range ac.Agents {
		switch o.RiskLevel {
		case "", "critical", "standard", "low":
		default:
			return fmt.Errorf("agent %s: risk_level %q unknown", id, o.RiskLevel)
		}
	}
	if ac.Agents == nil {
		ac.Agents = map[string]AgentOverride{}
	}

	m.mu.Lock()
	m.agents = ac.Agents
	m.mu.Unlock()
	return nil
}

// Global returns the gateway-wide config.
func (m *Manager) Global() *Config { return m.global }

// RiskLevel returns the risk level applied to messages from agentID.
func (m *Manager) RiskLevel(agentID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.agents[agentID]; ok && o.RiskLevel != "" {
		return o.RiskLevel
	}
	return m.global.Pipeline.DefaultRiskLevel
}

// SteeringEnabled reports whether unsafe vectors from agentID may be steered.
func (m *Manager) SteeringEnabled(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.agents[agentID]; ok && o.SteeringEnabled != nil {
		return *o.SteeringEnabled
	}
	return m.global.Pipeline.SteeringEnabled
}
