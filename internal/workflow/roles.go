package workflow

import (
	"context"

	"github.com/tulemar/ordersync/internal/domain"
)

// Action names a guarded operation that is not a status transition
type Action string

const (
	ActionStartDelivery      Action = "start_delivery"
	ActionUpdateItem         Action = "update_item"
	ActionAddNote            Action = "add_note"
	ActionDecideSubstitution Action = "decide_substitution"
	ActionAttachPhoto        Action = "attach_photo"
)

var transitionRoles = map[domain.Status][]domain.Role{
	domain.StatusClaimed:   {domain.RoleShopper, domain.RoleConcierge, domain.RoleAdmin},
	domain.StatusShopping:  {domain.RoleShopper, domain.RoleAdmin},
	domain.StatusReady:     {domain.RoleShopper, domain.RoleAdmin},
	domain.StatusDelivered: {domain.RoleDriver, domain.RoleConcierge, domain.RoleAdmin},
	domain.StatusClosed:    {domain.RoleConcierge, domain.RoleAdmin},
	domain.StatusCanceled:  {domain.RoleConcierge, domain.RoleAdmin},
}

var actionRoles = map[Action][]domain.Role{
	ActionStartDelivery:      {domain.RoleDriver, domain.RoleConcierge, domain.RoleAdmin},
	ActionUpdateItem:         {domain.RoleShopper, domain.RoleAdmin},
	ActionAddNote:            {domain.RoleShopper, domain.RoleDriver, domain.RoleConcierge, domain.RoleAdmin, domain.RoleCustomer},
	ActionDecideSubstitution: {domain.RoleCustomer, domain.RoleConcierge, domain.RoleAdmin},
	ActionAttachPhoto:        {domain.RoleShopper, domain.RoleDriver, domain.RoleAdmin},
}

// RolesForTransition returns the roles allowed to move an order into to
func RolesForTransition(to domain.Status) []domain.Role {
	return append([]domain.Role(nil), transitionRoles[to]...)
}

// RolesForAction returns the roles allowed to perform action
func RolesForAction(action Action) []domain.Role {
	return append([]domain.Role(nil), actionRoles[action]...)
}

// Authorizer decides whether an actor holds a role
type Authorizer interface {
	HasRole(ctx context.Context, actor domain.Actor, role domain.Role) bool
}

// AuthorizerFunc adapts a function to Authorizer
type AuthorizerFunc func(ctx context.Context, actor domain.Actor, role domain.Role) bool

// HasRole implements Authorizer
func (f AuthorizerFunc) HasRole(ctx context.Context, actor domain.Actor, role domain.Role) bool {
	return f(ctx, actor, role)
}

// ClaimedRole trusts the role the actor presents. The system role passes
// every check.
var ClaimedRole = AuthorizerFunc(func(_ context.Context, actor domain.Actor, role domain.Role) bool {
	return actor.Role == role || actor.Role == domain.RoleSystem
})

func allowed(ctx context.Context, auth Authorizer, actor domain.Actor, roles []domain.Role) bool {
	for _, role := range roles {
		if auth.HasRole(ctx, actor, role) {
			return true
		}
	}
	return false
}
