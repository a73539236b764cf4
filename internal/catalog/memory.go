package catalog

import (
	"context"
	"sync"
	"time"

	"jobplane/internal/apperrors"
)

// Memory is an in-process catalog. It backs tests and no-persistence
// deployments; the sqlite-backed registry in internal/store is the durable
// one. Entities are copied on the way in and out so callers can never
// mutate shared state.
type Memory struct {
	mu           sync.RWMutex
	clusters     map[string]*Cluster
	commands     map[string]*Command
	applications map[string]*Application

	now func() time.Time
}

// NewMemory creates an empty in-memory catalog.
func NewMemory() *Memory {
	return &Memory{
		clusters:     make(map[string]*Cluster),
		commands:     make(map[string]*Command),
		applications: make(map[string]*Application),
		now:          time.Now,
	}
}

var _ Registry = (*Memory)(nil)

func (m *Memory) SaveCluster(ctx context.Context, c *Cluster) error {
	if err := ValidateCluster(c); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.stamp(&cp.Common, m.clusters[c.ID] != nil, func() time.Time {
		return m.clusters[c.ID].Created
	})
	m.clusters[cp.ID] = &cp
	return nil
}

func (m *Memory) SaveCommand(ctx context.Context, c *Command) error {
	if err := ValidateCommand(c); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.stamp(&cp.Common, m.commands[c.ID] != nil, func() time.Time {
		return m.commands[c.ID].Created
	})
	m.commands[cp.ID] = &cp
	return nil
}

func (m *Memory) SaveApplication(ctx context.Context, a *Application) error {
	if err := ValidateApplication(a); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.stamp(&cp.Common, m.applications[a.ID] != nil, func() time.Time {
		return m.applications[a.ID].Created
	})
	m.applications[cp.ID] = &cp
	return nil
}

// stamp assigns system timestamps, ignoring client-supplied values.
func (m *Memory) stamp(c *Common, exists bool, created func() time.Time) {
	now := m.now().UTC()
	if exists {
		c.Created = created()
	} else {
		c.Created = now
	}
	c.Updated = now
}

func (m *Memory) SetClusterCommands(ctx context.Context, clusterID string, commandIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clusters[clusterID]
	if !ok {
		return apperrors.NotFound("cluster", clusterID)
	}
	for _, id := range commandIDs {
		if _, ok := m.commands[id]; !ok {
			return apperrors.NotFound("command", id)
		}
	}
	c.CommandIDs = append([]string(nil), commandIDs...)
	c.Updated = m.now().UTC()
	return nil
}

func (m *Memory) SetCommandApplications(ctx context.Context, commandID string, applicationIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commands[commandID]
	if !ok {
		return apperrors.NotFound("command", commandID)
	}
	for _, id := range applicationIDs {
		if _, ok := m.applications[id]; !ok {
			return apperrors.NotFound("application", id)
		}
	}
	c.ApplicationIDs = append([]string(nil), applicationIDs...)
	c.Updated = m.now().UTC()
	return nil
}

func (m *Memory) ListClusters(ctx context.Context) ([]*Cluster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Cluster, 0, len(m.clusters))
	for _, c := range m.clusters {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) ListCommands(ctx context.Context) ([]*Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Command, 0, len(m.commands))
	for _, c := range m.commands {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) ListApplications(ctx context.Context) ([]*Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Application, 0, len(m.applications))
	for _, a := range m.applications {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) GetCluster(ctx context.Context, id string) (*Cluster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clusters[id]
	if !ok {
		return nil, apperrors.NotFound("cluster", id)
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) GetCommand(ctx context.Context, id string) (*Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.commands[id]
	if !ok {
		return nil, apperrors.NotFound("command", id)
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) GetApplication(ctx context.Context, id string) (*Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.applications[id]
	if !ok {
		return nil, apperrors.NotFound("application", id)
	}
	cp := *a
	return &cp, nil
}

// CommandsForCluster returns the cluster's commands in its declared order.
// A dangling reference is an error, not a silent skip.
func (m *Memory) CommandsForCluster(ctx context.Context, clusterID string) ([]*Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clusters[clusterID]
	if !ok {
		return nil, apperrors.NotFound("cluster", clusterID)
	}
	out := make([]*Command, 0, len(c.CommandIDs))
	for _, id := range c.CommandIDs {
		cmd, ok := m.commands[id]
		if !ok {
			return nil, apperrors.NotFound("command", id)
		}
		cp := *cmd
		out = append(out, &cp)
	}
	return out, nil
}

// ApplicationsForCommand returns the command's applications in its declared
// order. A dangling reference is an error, not a silent skip.
func (m *Memory) ApplicationsForCommand(ctx context.Context, commandID string) ([]*Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.commands[commandID]
	if !ok {
		return nil, apperrors.NotFound("command", commandID)
	}
	out := make([]*Application, 0, len(c.ApplicationIDs))
	for _, id := range c.ApplicationIDs {
		app, ok := m.applications[id]
		if !ok {
			return nil, apperrors.NotFound("application", id)
		}
		cp := *app
		out = append(out, &cp)
	}
	return out, nil
}
