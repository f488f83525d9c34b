package metadata

import "errors"

// ErrMapperNotConfigured is returned when the relationship graph is read
// before Catalog.Configure has completed.
var ErrMapperNotConfigured = errors.New("model mapper not configured")

type Direction string

const (
	ManyToOne  Direction = "many_to_one"
	OneToMany  Direction = "one_to_many"
	ManyToMany Direction = "many_to_many"
)

// Relationship declares a link from the owning model to Target (a model
// name). Key columns left empty are inferred by Catalog.Configure.
type Relationship struct {
	Name         string    `yaml:"name" json:"name"`
	Target       string    `yaml:"target" json:"target"`
	Direction    Direction `yaml:"direction" json:"direction"`
	LocalColumn  string    `yaml:"local_column,omitempty" json:"local_column,omitempty"`
	RemoteColumn string    `yaml:"remote_column,omitempty" json:"remote_column,omitempty"`

	// many_to_many only
	JoinTable        string `yaml:"join_table,omitempty" json:"join_table,omitempty"`
	JoinLocalColumn  string `yaml:"join_local_column,omitempty" json:"join_local_column,omitempty"`
	JoinRemoteColumn string `yaml:"join_remote_column,omitempty" json:"join_remote_column,omitempty"`

	// RemoteNullable is derived: whether RemoteColumn on the target accepts NULL.
	RemoteNullable bool `yaml:"-" json:"remote_nullable"`
}

func (r *Relationship) IsMany() bool {
	return r.Direction == OneToMany || r.Direction == ManyToMany
}
