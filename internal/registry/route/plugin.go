package route

import (
	"sort"

	"github.com/gin-gonic/gin"
)

// RouterLoader initializes routes on the gin engine.
type RouterLoader func(r *gin.Engine) error

// RouteType distinguishes which server a plugin's routes belong to.
type RouteType int

const (
	// RouteTypeMain registers routes on the main server (login pages, static assets).
	// Routes that need wiring beyond the engine (store, OAuth provider) are
	// mounted explicitly from serve instead of through this registry.
	RouteTypeMain RouteType = iota
	// RouteTypeManagement registers routes on the management server (health, ready, metrics).
	// When no dedicated management port is configured, these are mounted on the main server.
	RouteTypeManagement
)

// Plugin represents a route plugin with an order for deterministic mount sequence.
type Plugin struct {
	Order  int
	Type   RouteType
	Loader RouterLoader
}

var plugins []Plugin

// Register adds a route plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Loaders returns the loaders of the given type, sorted by order.
func Loaders(t RouteType) []RouterLoader {
	selected := make([]Plugin, 0, len(plugins))
	for _, p := range plugins {
		if p.Type == t {
			selected = append(selected, p)
		}
	}
	sort.SliceStable(selected, func(i, j int) bool { return selected[i].Order < selected[j].Order })

	loaders := make([]RouterLoader, len(selected))
	for i, p := range selected {
		loaders[i] = p.Loader
	}
	return loaders
}
