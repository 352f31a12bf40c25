// Package model holds the value types shared by the registry, router,
// recovery engine and emergency orchestrator.
package model
