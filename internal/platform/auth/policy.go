package auth

import "strings"

// Action names a capability checked by the authorization policy.
type Action string

const (
	ActionOrderList    Action = "order.list"
	ActionOrderRead    Action = "order.read"
	ActionOrderUpdate  Action = "order.update"
	ActionOrderDelete  Action = "order.delete"
	ActionCatalogWrite Action = "catalog.write"
	ActionCartManage   Action = "cart.manage"
)

// Resource identifies the object an action targets. OwnerID is empty for
// collection-level resources.
type Resource struct {
	Kind    string
	ID      string
	OwnerID string
}

// CanPerform is the single authorization decision point for the API. Admin
// callers may perform every action; regular users are limited to their own
// carts and orders.
func CanPerform(identity *Identity, action Action, resource Resource) bool {
	if identity == nil || strings.TrimSpace(identity.UID) == "" {
		return false
	}
	if identity.HasRole(RoleAdmin) {
		return true
	}

	switch action {
	case ActionCartManage:
		return resource.OwnerID == "" || resource.OwnerID == identity.UID
	case ActionOrderRead:
		return resource.OwnerID == identity.UID
	case ActionOrderList, ActionOrderUpdate, ActionOrderDelete, ActionCatalogWrite:
		return false
	default:
		return false
	}
}
