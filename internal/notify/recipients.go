package notify

import (
	"context"
	"fmt"

	"github.com/serversentinel/sentinel/internal/models"
)

// UserSource is the slice of the store the resolver reads.
type UserSource interface {
	ListActiveUsersByRoles(roles ...string) ([]models.User, error)
}

// RecipientResolver picks the users to notify about an alert.
type RecipientResolver interface {
	Recipients(ctx context.Context, alert models.Alert) ([]models.User, error)
}

// RoleResolver notifies active users by role: CRITICAL alerts reach
// operators as well, everything else stays with the admins.
type RoleResolver struct {
	users    UserSource
	policy   map[string][]string
	fallback []string
}

func NewRoleResolver(users UserSource) *RoleResolver {
	return &RoleResolver{
		users: users,
		policy: map[string][]string{
			models.SeverityCritical: {models.RoleSuperAdmin, models.RoleAdmin, models.RoleOperator},
		},
		fallback: []string{models.RoleSuperAdmin, models.RoleAdmin},
	}
}

// SetRoles overrides the roles notified for severity.
func (r *RoleResolver) SetRoles(severity string, roles []string) {
	r.policy[severity] = roles
}

func (r *RoleResolver) Roles(severity string) []string {
	if roles, ok := r.policy[severity]; ok {
		return roles
	}
	return r.fallback
}

func (r *RoleResolver) Recipients(_ context.Context, alert models.Alert) ([]models.User, error) {
	users, err := r.users.ListActiveUsersByRoles(r.Roles(alert.Severity)...)
	if err != nil {
		return nil, fmt.Errorf("list recipients for %s alert: %w", alert.Severity, err)
	}
	return users, nil
}
