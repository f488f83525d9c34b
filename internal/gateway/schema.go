package gateway

import (
	"fmt"

	"github.com/graphql-go/graphql"
	"github.com/iancoleman/strcase"

	"crudforge/internal/apperr"
	"crudforge/internal/forge"
	"crudforge/internal/metadata"
	"crudforge/internal/repository"
	"crudforge/internal/resource"
)

// builder generates one schema from a resolved set of resources.
type builder struct {
	objects map[*resource.Resource]*graphql.Object
	pages   map[*resource.Resource]*graphql.Object
}

func buildSchema(resources []*resource.Resource) (graphql.Schema, error) {
	b := &builder{
		objects: make(map[*resource.Resource]*graphql.Object, len(resources)),
		pages:   make(map[*resource.Resource]*graphql.Object, len(resources)),
	}
	for _, r := range resources {
		b.objects[r] = b.object(r)
	}
	for _, r := range resources {
		b.pages[r] = pageType(r, b.objects[r])
	}

	queries := graphql.Fields{}
	mutations := graphql.Fields{}
	for _, r := range resources {
		for name, f := range b.queryFields(r) {
			if _, dup := queries[name]; dup {
				return graphql.Schema{}, fmt.Errorf("graphql: query %s defined twice", name)
			}
			queries[name] = f
		}
		for name, f := range b.mutationFields(r) {
			mutations[name] = f
		}
	}
	if len(queries) == 0 {
		queries["ready"] = &graphql.Field{
			Type:    graphql.Boolean,
			Resolve: func(graphql.ResolveParams) (interface{}, error) { return true, nil },
		}
	}

	cfg := graphql.SchemaConfig{
		Query: graphql.NewObject(graphql.ObjectConfig{Name: "Query", Fields: queries}),
	}
	if len(mutations) > 0 {
		cfg.Mutation = graphql.NewObject(graphql.ObjectConfig{Name: "Mutation", Fields: mutations})
	}
	return graphql.NewSchema(cfg)
}

func typeName(r *resource.Resource) string {
	return strcase.ToCamel(r.Name())
}

func outputType(col *metadata.Column) graphql.Output {
	var t graphql.Output
	switch col.Type {
	case metadata.TypeInt:
		t = graphql.Int
	case metadata.TypeFloat:
		t = graphql.Float
	case metadata.TypeBoolean:
		t = graphql.Boolean
	case metadata.TypeString, metadata.TypeText:
		t = graphql.String
	case metadata.TypeUUID:
		t = graphql.ID
	case metadata.TypeTimestamp, metadata.TypeDate:
		t = dateTime
	default:
		t = jsonScalar
	}
	if col.PrimaryKey {
		return graphql.NewNonNull(t)
	}
	return t
}

// object builds the record type: the view columns plus one field per
// relationship. Relationship fields are a thunk because resources refer to
// each other.
func (b *builder) object(r *resource.Resource) *graphql.Object {
	return graphql.NewObject(graphql.ObjectConfig{
		Name: typeName(r),
		Fields: (graphql.FieldsThunk)(func() graphql.Fields {
			fields := graphql.Fields{}
			for _, key := range r.ViewKeys() {
				fields[key] = &graphql.Field{Type: outputType(r.Model().Column(key))}
			}
			for _, name := range r.RelationNames() {
				if _, clash := fields[name]; clash {
					continue
				}
				rc, _ := r.Relation(name)
				if _, ok := b.objects[rc.Foreign]; !ok {
					continue
				}
				fields[name] = b.relationField(r, rc)
			}
			return fields
		}),
	})
}

func (b *builder) relationField(r *resource.Resource, rc *resource.RelationshipConfig) *graphql.Field {
	name := rc.Name
	resolve := func(p graphql.ResolveParams) (*repository.BulkDTO, error) {
		row, ok := p.Source.(map[string]any)
		if !ok {
			return nil, nil
		}
		q := repository.Query{Page: intArg(p.Args, "page", 1), Limit: intArg(p.Args, "limit", 0)}
		result, _, err := r.Related(p.Context, row[r.PrimaryKey()], name, q)
		return result, wrap(err)
	}

	if rc.Direction == metadata.ManyToOne {
		return &graphql.Field{
			Type: b.objects[rc.Foreign],
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				result, err := resolve(p)
				if err != nil || result == nil || len(result.Data) == 0 {
					return nil, err
				}
				return result.Data[0], nil
			},
		}
	}
	return &graphql.Field{
		Type: b.pages[rc.Foreign],
		Args: graphql.FieldConfigArgument{
			"page":  &graphql.ArgumentConfig{Type: graphql.Int},
			"limit": &graphql.ArgumentConfig{Type: graphql.Int},
		},
		Resolve: func(p graphql.ResolveParams) (interface{}, error) {
			result, err := resolve(p)
			if err != nil || result == nil {
				return nil, err
			}
			return pageOf(result), nil
		},
	}
}

func pageType(r *resource.Resource, item *graphql.Object) *graphql.Object {
	return graphql.NewObject(graphql.ObjectConfig{
		Name: typeName(r) + "Page",
		Fields: graphql.Fields{
			"page":    &graphql.Field{Type: graphql.Int},
			"limit":   &graphql.Field{Type: graphql.Int},
			"pages":   &graphql.Field{Type: graphql.Int},
			"records": &graphql.Field{Type: graphql.Int},
			"items":   &graphql.Field{Type: graphql.NewList(item)},
		},
	})
}

func pageOf(result *repository.BulkDTO) map[string]any {
	items := make([]any, len(result.Data))
	for i, row := range result.Data {
		items[i] = row
	}
	return map[string]any{
		"page":    result.Page,
		"limit":   result.Limit,
		"pages":   result.TotalPages,
		"records": result.TotalRecords,
		"items":   items,
	}
}

func (b *builder) queryFields(r *resource.Resource) graphql.Fields {
	fields := graphql.Fields{}
	if !r.IsDisabled(resource.ActionGet) {
		fields[strcase.ToLowerCamel(r.Name())] = &graphql.Field{
			Type: b.objects[r],
			Args: graphql.FieldConfigArgument{
				"id":    &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)},
				"where": &graphql.ArgumentConfig{Type: graphql.String},
			},
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				where, err := whereArg(p.Args)
				if err != nil {
					return nil, wrap(err)
				}
				row, err := r.Get(p.Context, p.Args["id"], where)
				return row, wrap(err)
			},
		}
	}
	if !r.IsDisabled(resource.ActionList) {
		fields[strcase.ToLowerCamel(r.Plural())] = &graphql.Field{
			Type: b.pages[r],
			Args: graphql.FieldConfigArgument{
				"page":  &graphql.ArgumentConfig{Type: graphql.Int},
				"limit": &graphql.ArgumentConfig{Type: graphql.Int},
				"where": &graphql.ArgumentConfig{Type: graphql.String, Description: "JSON filter expression"},
				"sort":  &graphql.ArgumentConfig{Type: graphql.NewList(graphql.String)},
			},
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				where, err := whereArg(p.Args)
				if err != nil {
					return nil, wrap(err)
				}
				q := repository.Query{
					Page:  intArg(p.Args, "page", 1),
					Limit: intArg(p.Args, "limit", 0),
					Sort:  stringsArg(p.Args, "sort"),
					Where: where,
				}
				if q.Page < 1 {
					return nil, wrap(apperr.Validation("page must be a positive integer, got %d", q.Page))
				}
				result, err := r.List(p.Context, q)
				if err != nil {
					return nil, wrap(err)
				}
				return pageOf(result), nil
			},
		}
	}
	return fields
}

func (b *builder) mutationFields(r *resource.Resource) graphql.Fields {
	name := typeName(r)
	fields := graphql.Fields{}
	if !r.IsDisabled(resource.ActionCreate) {
		fields["create"+name] = &graphql.Field{
			Type: b.objects[r],
			Args: graphql.FieldConfigArgument{
				"data": &graphql.ArgumentConfig{Type: graphql.NewNonNull(jsonScalar)},
			},
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				data, err := dataArg(p.Args)
				if err != nil {
					return nil, wrap(err)
				}
				row, err := r.Create(p.Context, data)
				return row, wrap(err)
			},
		}
	}
	if !r.IsDisabled(resource.ActionUpdate) {
		fields["update"+name] = &graphql.Field{
			Type: b.objects[r],
			Args: graphql.FieldConfigArgument{
				"id":   &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)},
				"data": &graphql.ArgumentConfig{Type: graphql.NewNonNull(jsonScalar)},
			},
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				data, err := dataArg(p.Args)
				if err != nil {
					return nil, wrap(err)
				}
				row, err := r.Update(p.Context, p.Args["id"], data)
				return row, wrap(err)
			},
		}
	}
	if !r.IsDisabled(resource.ActionDelete) {
		fields["delete"+name] = &graphql.Field{
			Type: b.objects[r],
			Args: graphql.FieldConfigArgument{
				"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)},
			},
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				row, err := r.Delete(p.Context, p.Args["id"])
				return row, wrap(err)
			},
		}
	}
	return fields
}

func intArg(args map[string]interface{}, key string, def int) int {
	if v, ok := args[key].(int); ok {
		return v
	}
	return def
}

func stringsArg(args map[string]interface{}, key string) []string {
	raw, _ := args[key].([]interface{})
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func whereArg(args map[string]interface{}) (any, error) {
	raw, _ := args["where"].(string)
	return forge.ParseWhere(raw)
}

func dataArg(args map[string]interface{}) (map[string]any, error) {
	data, ok := args["data"].(map[string]interface{})
	if !ok {
		return nil, apperr.Validation("data must be an object")
	}
	return data, nil
}
