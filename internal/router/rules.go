package router

import (
	"time"

	"notifyrelay/internal/model"
)

// DefaultRules returns the routing table keyed by category.
func DefaultRules() map[model.Category]RoutingRule {
	admins := []model.Role{model.RoleAdmin}
	return map[model.Category]RoutingRule{
		model.CategoryCaption: {
			Namespace:  "/",
			Rooms:      []string{"captions"},
			Strategy:   StrategyDirect,
			MaxRetries: 3,
			RetryDelay: 5 * time.Second,
		},
		model.CategoryTranslation: {
			Namespace:  "/",
			Rooms:      []string{"translations"},
			Strategy:   StrategyRoomBased,
			MaxRetries: 3,
			RetryDelay: 5 * time.Second,
		},
		model.CategorySystem: {
			Namespace:  "/",
			Rooms:      []string{"system"},
			Strategy:   StrategyBroadcast,
			MaxRetries: 5,
			RetryDelay: 10 * time.Second,
		},
		model.CategoryUser: {
			Namespace:  "/",
			Strategy:   StrategyDirect,
			MaxRetries: 3,
			RetryDelay: 5 * time.Second,
		},
		model.CategoryAdmin: {
			Namespace:          "/admin",
			Rooms:              []string{"admin"},
			RequiredRoles:      admins,
			Strategy:           StrategyRoleBased,
			SecurityValidation: true,
			MaxRetries:         5,
			RetryDelay:         5 * time.Second,
		},
		model.CategorySecurity: {
			Namespace:          "/admin",
			Rooms:              []string{"security"},
			RequiredRoles:      admins,
			Strategy:           StrategyRoleBased,
			SecurityValidation: true,
			MaxRetries:         5,
			RetryDelay:         2 * time.Second,
		},
		model.CategoryEmergency: {
			Namespace:  "/",
			Rooms:      []string{"system"},
			Strategy:   StrategyBroadcast,
			MaxRetries: 10,
			RetryDelay: 2 * time.Second,
		},
	}
}

// Rule returns the routing rule for a category. Unknown categories resolve
// to the SYSTEM rule.
func (r *Router) Rule(c model.Category) RoutingRule {
	if rule, ok := r.rules[c]; ok {
		return rule
	}
	return r.rules[model.CategorySystem]
}

// Rules returns a copy of the routing table.
func (r *Router) Rules() map[model.Category]RoutingRule {
	out := make(map[model.Category]RoutingRule, len(r.rules))
	for k, v := range r.rules {
		out[k] = v
	}
	return out
}
