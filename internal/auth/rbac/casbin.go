// Package rbac decides who may manage broadcast messages.
package rbac

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

const (
	PermManageMessages = "messages:manage"
	RoleAdmin          = "admin"
)

const modelText = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = (g(r.sub, p.sub) || r.sub == p.sub) && (p.obj == "*" || r.obj == p.obj) && (p.act == "*" || r.act == p.act)
`

// Policy answers permission checks for a user and the roles from their token.
type Policy interface {
	Can(user string, roles []string, permission string) bool
}

// CasbinPolicy wraps Casbin enforcer
type CasbinPolicy struct {
	enforcer *casbin.Enforcer
}

// NewCasbinPolicy loads policy lines from policyPath (CSV, casbin format).
// With an empty path the built-in policy grants role:admin every message
// permission.
func NewCasbinPolicy(policyPath string) (*CasbinPolicy, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("rbac model: %w", err)
	}
	var e *casbin.Enforcer
	if policyPath != "" {
		e, err = casbin.NewEnforcer(m, policyPath)
	} else {
		e, err = casbin.NewEnforcer(m)
	}
	if err != nil {
		return nil, fmt.Errorf("rbac enforcer: %w", err)
	}
	if policyPath == "" {
		if _, err := e.AddPolicy("role:"+RoleAdmin, "messages", "*"); err != nil {
			return nil, err
		}
	}
	slog.Debug("rbac policy loaded", "path", policyPath)
	return &CasbinPolicy{enforcer: e}, nil
}

// Can checks the user directly, as user:<id>, and through each role:<name>.
func (p *CasbinPolicy) Can(user string, roles []string, permission string) bool {
	obj, act := parsePermission(permission)
	subjects := make([]string, 0, len(roles)+2)
	if user != "" {
		subjects = append(subjects, user, "user:"+user)
	}
	for _, r := range roles {
		subjects = append(subjects, "role:"+r)
	}
	for _, sub := range subjects {
		allowed, err := p.enforcer.Enforce(sub, obj, act)
		if err != nil {
			slog.Warn("rbac enforce failed", "subject", sub, "error", err)
			continue
		}
		if allowed {
			return true
		}
	}
	slog.Debug("rbac denied", "user", user, "roles", roles, "permission", permission)
	return false
}

// AddPolicy adds a new policy
func (p *CasbinPolicy) AddPolicy(sub, obj, act string) error {
	_, err := p.enforcer.AddPolicy(sub, obj, act)
	return err
}

// AddRoleForUser adds a role for user
func (p *CasbinPolicy) AddRoleForUser(user, role string) error {
	_, err := p.enforcer.AddRoleForUser(user, role)
	return err
}

// parsePermission splits "messages:manage" into object and action.
func parsePermission(permission string) (string, string) {
	if permission == "*" {
		return "*", "*"
	}
	obj, act, ok := strings.Cut(permission, ":")
	if !ok {
		return permission, "read"
	}
	return obj, act
}
