package store

import (
	"context"
	"fmt"
	"strings"

	"crudforge/internal/metadata"
)

type Migrator struct {
	store *Store
}

func NewMigrator(store *Store) *Migrator {
	return &Migrator{store: store}
}

// Migrate creates missing tables for the models and for every many-to-many
// join table among their relationships. Existing tables are left untouched.
// The catalog owning the models must already be configured.
func (m *Migrator) Migrate(ctx context.Context, catalog *metadata.Catalog) error {
	if err := catalog.Configure(); err != nil {
		return fmt.Errorf("configure models: %w", err)
	}

	return m.store.WithTx(ctx, func(tx Querier) error {
		for _, model := range catalog.Models() {
			if err := m.createTable(ctx, tx, model); err != nil {
				return err
			}
		}
		for _, model := range catalog.Models() {
			for _, rel := range model.Relationships {
				if rel.Direction != metadata.ManyToMany {
					continue
				}
				if err := m.createJoinTable(ctx, tx, catalog, model, rel); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (m *Migrator) createTable(ctx context.Context, q Querier, model *metadata.Model) error {
	exists, err := m.store.Dialect.TableExists(ctx, q, model.Table)
	if err != nil {
		return fmt.Errorf("check table %s exists: %w", model.Table, err)
	}
	if exists {
		return nil
	}

	cols := make([]string, len(model.Columns))
	for i, c := range model.Columns {
		cols[i] = m.store.Dialect.ColumnDDL(c)
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", model.Table, strings.Join(cols, ",\n  "))
	if _, err := q.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", model.Table, err)
	}
	return nil
}

func (m *Migrator) createJoinTable(ctx context.Context, q Querier, catalog *metadata.Catalog, model *metadata.Model, rel *metadata.Relationship) error {
	exists, err := m.store.Dialect.TableExists(ctx, q, rel.JoinTable)
	if err != nil {
		return fmt.Errorf("check join table %s exists: %w", rel.JoinTable, err)
	}
	if exists {
		return nil
	}

	target := catalog.Model(rel.Target)
	localCol := model.Column(rel.LocalColumn)
	remoteCol := target.Column(rel.RemoteColumn)

	ddl := fmt.Sprintf(
		`CREATE TABLE %s (
  %s %s NOT NULL,
  %s %s NOT NULL,
  PRIMARY KEY (%s, %s)
)`,
		rel.JoinTable,
		rel.JoinLocalColumn, m.store.Dialect.ColumnType(localCol.Type),
		rel.JoinRemoteColumn, m.store.Dialect.ColumnType(remoteCol.Type),
		rel.JoinLocalColumn, rel.JoinRemoteColumn,
	)
	if _, err := q.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create join table %s: %w", rel.JoinTable, err)
	}
	return nil
}
