package controller

import (
	"github.com/l0p7/offlinecache/internal/config"
)

// Generation roles. A role's generation name is <prefix><role>-<version>.
const (
	RoleStatic = "static-assets"
	RoleImages = "images"
	RoleData   = "api-data"
)

// Generations names the three generations one controller version owns.
type Generations struct {
	Static string `json:"static"`
	Images string `json:"images"`
	Data   string `json:"data"`
}

// GenerationNames derives the current generation names from configuration.
func GenerationNames(cfg config.ControllerConfig) Generations {
	return Generations{
		Static: cfg.CachePrefix + RoleStatic + "-" + cfg.Versions.Static,
		Images: cfg.CachePrefix + RoleImages + "-" + cfg.Versions.Images,
		Data:   cfg.CachePrefix + RoleData + "-" + cfg.Versions.Data,
	}
}

func (g Generations) List() []string {
	return []string{g.Static, g.Images, g.Data}
}

// Contains reports whether name is one of the three current generations.
func (g Generations) Contains(name string) bool {
	return name == g.Static || name == g.Images || name == g.Data
}
