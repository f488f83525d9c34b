package resource

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"crudforge/internal/apperr"
	"crudforge/internal/metadata"
)

type Action string

const (
	ActionList      Action = "list"
	ActionGet       Action = "get"
	ActionCreate    Action = "create"
	ActionUpdate    Action = "update"
	ActionDelete    Action = "delete"
	ActionRelations Action = "relations"
)

var actions = []Action{ActionList, ActionGet, ActionCreate, ActionUpdate, ActionDelete, ActionRelations}

// Actions returns every action in a fixed order.
func Actions() []Action { return slices.Clone(actions) }

// ParseAction returns the Action named s.
func ParseAction(s string) (Action, error) {
	for _, a := range actions {
		if string(a) == strings.ToLower(s) {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Request is what a Guard sees of the call it authorizes.
type Request struct {
	User     *metadata.UserContext
	Action   Action
	Resource string
	ID       any
	Data     map[string]any
}

// Guard decides whether a request may proceed. A nil error allows it.
type Guard interface {
	Check(ctx context.Context, req *Request) error
}

type GuardFunc func(ctx context.Context, req *Request) error

func (f GuardFunc) Check(ctx context.Context, req *Request) error { return f(ctx, req) }

// RequireRoles allows authenticated callers holding at least one of roles.
// Admins always pass.
func RequireRoles(roles ...string) Guard {
	return GuardFunc(func(_ context.Context, req *Request) error {
		if req.User == nil {
			return apperr.Unauthorized("Authentication required")
		}
		if req.User.IsAdmin() {
			return nil
		}
		for _, r := range roles {
			if req.User.HasRole(r) {
				return nil
			}
		}
		return apperr.Forbidden(fmt.Sprintf("Permission denied for %s on %s", req.Action, req.Resource))
	})
}

type exprGuard struct {
	source  string
	program *vm.Program
}

// ExprGuard compiles a boolean expr-lang expression evaluated against
// user (nil or {id, roles}), action, resource, id and data.
func ExprGuard(source string) (Guard, error) {
	prog, err := expr.Compile(source, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile guard %q: %w", source, err)
	}
	return &exprGuard{source: source, program: prog}, nil
}

// MustExprGuard is like ExprGuard but panics on a compile error.
func MustExprGuard(source string) Guard {
	g, err := ExprGuard(source)
	if err != nil {
		panic(err)
	}
	return g
}

func (g *exprGuard) Check(_ context.Context, req *Request) error {
	env := map[string]any{
		"user":     nil,
		"action":   string(req.Action),
		"resource": req.Resource,
		"id":       req.ID,
		"data":     req.Data,
	}
	if req.User != nil {
		env["user"] = map[string]any{"id": req.User.ID, "roles": req.User.Roles}
	}

	out, err := expr.Run(g.program, env)
	if err == nil {
		if allowed, ok := out.(bool); ok && allowed {
			return nil
		}
	}
	if req.User == nil {
		return apperr.Unauthorized("Authentication required")
	}
	return apperr.Forbidden(fmt.Sprintf("Permission denied for %s on %s", req.Action, req.Resource))
}

// CompilePolicies turns action -> expression lists, as found in resource
// files, into guards.
func CompilePolicies(raw map[string][]string) (map[Action][]Guard, error) {
	out := make(map[Action][]Guard, len(raw))
	for name, sources := range raw {
		action, err := ParseAction(name)
		if err != nil {
			return nil, err
		}
		for _, src := range sources {
			g, err := ExprGuard(src)
			if err != nil {
				return nil, err
			}
			out[action] = append(out[action], g)
		}
	}
	return out, nil
}

// OptionsFromSpec builds the options declared in a model file's resource
// section. A nil spec yields zero options.
func OptionsFromSpec(spec *metadata.ResourceSpec) (Options, error) {
	if spec == nil {
		return Options{}, nil
	}
	policies, err := CompilePolicies(spec.Policies)
	if err != nil {
		return Options{}, err
	}
	opts := Options{
		Name:         spec.Name,
		Plural:       spec.Plural,
		ViewKeys:     spec.ViewKeys,
		Defaults:     spec.Defaults,
		Policies:     policies,
		DefaultLimit: spec.DefaultLimit,
		MaxLimit:     spec.MaxLimit,
	}
	for _, name := range spec.Disabled {
		a, err := ParseAction(name)
		if err != nil {
			return Options{}, err
		}
		opts.Disabled = append(opts.Disabled, a)
	}
	return opts, nil
}
