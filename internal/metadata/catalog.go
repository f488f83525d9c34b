package metadata

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Catalog holds every model and settles their relationship graph. Keys
// omitted from relationship declarations are inferred by Configure; until
// then Model.RelationshipGraph reports ErrMapperNotConfigured.
type Catalog struct {
	mu         sync.RWMutex
	models     map[string]*Model
	configured bool
}

func NewCatalog() *Catalog {
	return &Catalog{models: make(map[string]*Model)}
}

// Add registers models. Adding a model invalidates a previous Configure.
func (c *Catalog) Add(models ...*Model) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, m := range models {
		if err := m.Validate(); err != nil {
			return err
		}
		if _, exists := c.models[m.Name]; exists {
			return fmt.Errorf("model %s already added", m.Name)
		}
		c.models[m.Name] = m
	}
	c.configured = false
	for _, m := range c.models {
		m.configured = false
	}
	return nil
}

// Model returns the model with the given name, or nil.
func (c *Catalog) Model(name string) *Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.models[name]
}

// Models returns all models sorted by name.
func (c *Catalog) Models() []*Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	models := make([]*Model, 0, len(c.models))
	for _, m := range c.models {
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })
	return models
}

func (c *Catalog) IsConfigured() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.configured
}

// Configure infers relationship keys and checks every relationship against
// its target. It is idempotent.
func (c *Catalog) Configure() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.configured {
		return nil
	}
	for _, m := range c.models {
		for _, rel := range m.Relationships {
			if err := c.configureRelationship(m, rel); err != nil {
				return err
			}
		}
	}
	for _, m := range c.models {
		m.configured = true
	}
	c.configured = true
	return nil
}

func (c *Catalog) configureRelationship(m *Model, rel *Relationship) error {
	if rel.Name == "" {
		return fmt.Errorf("model %s: relationship name is required", m.Name)
	}
	target := c.models[rel.Target]
	if target == nil {
		return fmt.Errorf("model %s: relationship %s targets unknown model %q", m.Name, rel.Name, rel.Target)
	}

	switch rel.Direction {
	case ManyToOne:
		if rel.LocalColumn == "" {
			rel.LocalColumn = rel.Name + "_id"
		}
		if rel.RemoteColumn == "" {
			rel.RemoteColumn = target.PrimaryKey().Name
		}
		if err := requireColumn(m, rel.LocalColumn, rel); err != nil {
			return err
		}
	case OneToMany:
		if rel.LocalColumn == "" {
			rel.LocalColumn = m.PrimaryKey().Name
		}
		if rel.RemoteColumn == "" {
			rel.RemoteColumn = m.Name + "_id"
		}
		if err := requireColumn(m, rel.LocalColumn, rel); err != nil {
			return err
		}
	case ManyToMany:
		if rel.LocalColumn == "" {
			rel.LocalColumn = m.PrimaryKey().Name
		}
		if rel.RemoteColumn == "" {
			rel.RemoteColumn = target.PrimaryKey().Name
		}
		if rel.JoinTable == "" {
			names := []string{m.Table, target.Table}
			sort.Strings(names)
			rel.JoinTable = strings.Join(names, "_")
		}
		if rel.JoinLocalColumn == "" {
			rel.JoinLocalColumn = m.Name + "_id"
		}
		if rel.JoinRemoteColumn == "" {
			rel.JoinRemoteColumn = target.Name + "_id"
		}
		if rel.JoinLocalColumn == rel.JoinRemoteColumn {
			return fmt.Errorf("model %s: relationship %s needs distinct join columns", m.Name, rel.Name)
		}
		for _, id := range []string{rel.JoinTable, rel.JoinLocalColumn, rel.JoinRemoteColumn} {
			if !IsIdentifier(id) {
				return fmt.Errorf("model %s: relationship %s has invalid identifier %q", m.Name, rel.Name, id)
			}
		}
		if err := requireColumn(m, rel.LocalColumn, rel); err != nil {
			return err
		}
	default:
		return fmt.Errorf("model %s: relationship %s has unknown direction %q", m.Name, rel.Name, rel.Direction)
	}

	remote := target.Column(rel.RemoteColumn)
	if remote == nil {
		return fmt.Errorf("model %s: relationship %s references missing column %s.%s",
			m.Name, rel.Name, target.Name, rel.RemoteColumn)
	}
	rel.RemoteNullable = remote.Nullable
	return nil
}

func requireColumn(m *Model, name string, rel *Relationship) error {
	if !m.HasColumn(name) {
		return fmt.Errorf("model %s: relationship %s references missing column %s", m.Name, rel.Name, name)
	}
	return nil
}
