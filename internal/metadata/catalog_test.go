package metadata

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authorAndBook() (*Model, *Model, *Model) {
	author := &Model{
		Name:  "author",
		Table: "authors",
		Columns: []Column{
			{Name: "id", Type: TypeInt, PrimaryKey: true, Generated: true},
			{Name: "name", Type: TypeString},
		},
		Relationships: []*Relationship{
			{Name: "books", Target: "book", Direction: OneToMany},
			{Name: "tags", Target: "tag", Direction: ManyToMany},
		},
	}
	book := &Model{
		Name:  "book",
		Table: "books",
		Columns: []Column{
			{Name: "id", Type: TypeInt, PrimaryKey: true, Generated: true},
			{Name: "title", Type: TypeString},
			{Name: "author_id", Type: TypeInt, Nullable: true},
		},
		Relationships: []*Relationship{
			{Name: "author", Target: "author", Direction: ManyToOne},
		},
	}
	tag := &Model{
		Name:  "tag",
		Table: "tags",
		Columns: []Column{
			{Name: "id", Type: TypeInt, PrimaryKey: true, Generated: true},
			{Name: "label", Type: TypeString},
		},
	}
	return author, book, tag
}

func TestCatalog_RelationshipGraphBeforeConfigure(t *testing.T) {
	author, book, tag := authorAndBook()
	c := NewCatalog()
	require.NoError(t, c.Add(author, book, tag))

	_, err := author.RelationshipGraph()
	assert.True(t, errors.Is(err, ErrMapperNotConfigured))
	assert.False(t, c.IsConfigured())
}

func TestCatalog_ConfigureInfersKeys(t *testing.T) {
	author, book, tag := authorAndBook()
	c := NewCatalog()
	require.NoError(t, c.Add(author, book, tag))
	require.NoError(t, c.Configure())
	require.NoError(t, c.Configure(), "configure is idempotent")

	rels, err := author.RelationshipGraph()
	require.NoError(t, err)
	require.Len(t, rels, 2)

	books := author.Relationship("books")
	assert.Equal(t, "id", books.LocalColumn)
	assert.Equal(t, "author_id", books.RemoteColumn)
	assert.True(t, books.RemoteNullable)

	tags := author.Relationship("tags")
	assert.Equal(t, "authors_tags", tags.JoinTable)
	assert.Equal(t, "author_id", tags.JoinLocalColumn)
	assert.Equal(t, "tag_id", tags.JoinRemoteColumn)

	owner := book.Relationship("author")
	assert.Equal(t, "author_id", owner.LocalColumn)
	assert.Equal(t, "id", owner.RemoteColumn)
}

func TestCatalog_UnknownTarget(t *testing.T) {
	m := &Model{
		Name:          "orphan",
		Columns:       []Column{{Name: "id", Type: TypeInt, PrimaryKey: true}},
		Relationships: []*Relationship{{Name: "parent", Target: "ghost", Direction: ManyToOne}},
	}
	c := NewCatalog()
	require.NoError(t, c.Add(m))
	err := c.Configure()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestCatalog_AddResetsConfiguration(t *testing.T) {
	author, book, tag := authorAndBook()
	c := NewCatalog()
	require.NoError(t, c.Add(author, book, tag))
	require.NoError(t, c.Configure())

	require.NoError(t, c.Add(&Model{Name: "extra", Columns: []Column{{Name: "id", Type: TypeUUID, PrimaryKey: true}}}))
	assert.False(t, c.IsConfigured())
	_, err := author.RelationshipGraph()
	assert.ErrorIs(t, err, ErrMapperNotConfigured)
}

func TestModel_Validate(t *testing.T) {
	tests := []struct {
		name  string
		model Model
		want  string
	}{
		{"no pk", Model{Name: "a", Columns: []Column{{Name: "x", Type: TypeString}}}, "primary key"},
		{"bad type", Model{Name: "a", Columns: []Column{{Name: "id", Type: "money", PrimaryKey: true}}}, "unknown type"},
		{"bad column", Model{Name: "a", Columns: []Column{{Name: "Id;drop", Type: TypeInt, PrimaryKey: true}}}, "invalid column"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.model.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	m := Model{Name: "note", Columns: []Column{{Name: "id", Type: TypeInt, PrimaryKey: true}}}
	require.NoError(t, m.Validate())
	assert.Equal(t, "note", m.Table)
}

func TestColumn_Coerce(t *testing.T) {
	intCol := Column{Name: "n", Type: TypeInt}
	v, err := intCol.Coerce(float64(3))
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
	_, err = intCol.Coerce(3.5)
	assert.Error(t, err)

	uuidCol := Column{Name: "u", Type: TypeUUID}
	v, err = uuidCol.Coerce("6BA7B810-9DAD-11D1-80B4-00C04FD430C8")
	require.NoError(t, err)
	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", v)
	_, err = uuidCol.Coerce("nope")
	assert.Error(t, err)

	tsCol := Column{Name: "t", Type: TypeTimestamp}
	v, err = tsCol.Coerce("2024-03-01T10:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), v)

	arrCol := Column{Name: "a", Type: TypeArray}
	v, err = arrCol.Coerce([]any{"x", "y"})
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, v)

	v, err = intCol.Coerce(json.Number("42"))
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	jsonCol := Column{Name: "j", Type: TypeJSON}
	v, err = jsonCol.Coerce(json.RawMessage(`{"k":[1,"x"]}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": []any{float64(1), "x"}}, v)
	_, err = jsonCol.Coerce(json.RawMessage(`{"k":`))
	assert.Error(t, err)

	assert.True(t, Column{Type: TypeText}.SupportsPattern())
	assert.False(t, Column{Type: TypeUUID}.SupportsPattern())
}

func TestLoadModels(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(`
name: author
table: authors
columns:
  - {name: id, type: int, primary_key: true, generated: true}
  - {name: name, type: string}
relationships:
  - {name: books, target: book, direction: one_to_many}
resource:
  plural: writers
  disabled: [delete]
  policies:
    create: ['user != nil']
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yml"), []byte(`
- name: book
  table: books
  columns:
    - {name: id, type: int, primary_key: true, generated: true}
    - {name: author_id, type: int, nullable: true}
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	models, err := LoadModels(dir)
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "author", models[0].Name)
	assert.Equal(t, OneToMany, models[0].Relationships[0].Direction)
	require.NotNil(t, models[0].Resource)
	assert.Equal(t, "writers", models[0].Resource.Plural)
	assert.Equal(t, []string{"delete"}, models[0].Resource.Disabled)
	assert.Equal(t, []string{"user != nil"}, models[0].Resource.Policies["create"])
	assert.Nil(t, models[1].Resource)
	assert.Equal(t, "book", models[1].Name)
	assert.True(t, models[1].Columns[1].Nullable)
}
