package metadata

import "fmt"

type Model struct {
	Name          string          `yaml:"name" json:"name"`
	Table         string          `yaml:"table" json:"table"`
	Columns       []Column        `yaml:"columns" json:"columns"`
	Relationships []*Relationship `yaml:"relationships,omitempty" json:"relationships,omitempty"`
	Resource      *ResourceSpec   `yaml:"resource,omitempty" json:"resource,omitempty"`

	configured bool
}

// ResourceSpec is the optional resource section of a model file.
type ResourceSpec struct {
	Name         string              `yaml:"name,omitempty" json:"name,omitempty"`
	Plural       string              `yaml:"plural,omitempty" json:"plural,omitempty"`
	ViewKeys     []string            `yaml:"view_keys,omitempty" json:"view_keys,omitempty"`
	Defaults     map[string]any      `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	Disabled     []string            `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	Policies     map[string][]string `yaml:"policies,omitempty" json:"policies,omitempty"` // action -> expr-lang conditions
	DefaultLimit int                 `yaml:"default_limit,omitempty" json:"default_limit,omitempty"`
	MaxLimit     int                 `yaml:"max_limit,omitempty" json:"max_limit,omitempty"`
}

// Column returns a pointer to the column with the given name, or nil.
func (m *Model) Column(name string) *Column {
	for i := range m.Columns {
		if m.Columns[i].Name == name {
			return &m.Columns[i]
		}
	}
	return nil
}

// HasColumn returns true if the model has a column with the given name.
func (m *Model) HasColumn(name string) bool {
	return m.Column(name) != nil
}

// ColumnNames returns all column names in declaration order.
func (m *Model) ColumnNames() []string {
	names := make([]string, len(m.Columns))
	for i, c := range m.Columns {
		names[i] = c.Name
	}
	return names
}

// PrimaryKey returns the primary key column. Validate guarantees exactly one.
func (m *Model) PrimaryKey() *Column {
	for i := range m.Columns {
		if m.Columns[i].PrimaryKey {
			return &m.Columns[i]
		}
	}
	return nil
}

// WritableColumns returns columns a client may set on create.
func (m *Model) WritableColumns() []Column {
	var cols []Column
	for _, c := range m.Columns {
		if c.PrimaryKey && c.Generated {
			continue
		}
		cols = append(cols, c)
	}
	return cols
}

// UpdatableColumns returns columns a client may set on update.
func (m *Model) UpdatableColumns() []Column {
	var cols []Column
	for _, c := range m.Columns {
		if c.PrimaryKey {
			continue
		}
		cols = append(cols, c)
	}
	return cols
}

// RelationshipGraph returns the configured relationships. Until the owning
// catalog has been configured the graph is incomplete and
// ErrMapperNotConfigured is returned.
func (m *Model) RelationshipGraph() ([]*Relationship, error) {
	if !m.configured {
		return nil, fmt.Errorf("%w: model %s", ErrMapperNotConfigured, m.Name)
	}
	return m.Relationships, nil
}

// Relationship returns the named relationship, or nil.
func (m *Model) Relationship(name string) *Relationship {
	for _, r := range m.Relationships {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// Validate checks the structural rules that do not depend on other models.
func (m *Model) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("model name is required")
	}
	if m.Table == "" {
		m.Table = m.Name
	}
	if !IsIdentifier(m.Table) {
		return fmt.Errorf("model %s: invalid table name %q", m.Name, m.Table)
	}
	pks := 0
	seen := make(map[string]bool, len(m.Columns))
	for _, c := range m.Columns {
		if !IsIdentifier(c.Name) {
			return fmt.Errorf("model %s: invalid column name %q", m.Name, c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("model %s: duplicate column %s", m.Name, c.Name)
		}
		seen[c.Name] = true
		if !knownTypes[c.Type] {
			return fmt.Errorf("model %s: column %s has unknown type %q", m.Name, c.Name, c.Type)
		}
		if c.PrimaryKey {
			pks++
		}
	}
	if pks != 1 {
		return fmt.Errorf("model %s: expected exactly one primary key column, found %d", m.Name, pks)
	}
	return nil
}

// IsIdentifier reports whether s is safe to splice into SQL as a bare
// identifier: lowercase letters, digits and underscores, not starting with a digit.
func IsIdentifier(s string) bool {
	if s == "" || len(s) > 63 {
		return false
	}
	for i, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c == '_':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
