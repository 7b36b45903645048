package scene

import (
	"log/slog"

	"github.com/NERVsystems/tilestream/pkg/tiling"
)

// Activator manages *Content handles for the tile manager.
type Activator struct {
	logger *slog.Logger
}

// NewActivator creates an activator. A nil logger uses the default.
func NewActivator(logger *slog.Logger) *Activator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activator{logger: logger.With("component", "activator")}
}

// Create returns empty content for t.
func (a *Activator) Create(*tiling.Tile) any {
	return newContent()
}

// Activate shows the tile's content.
func (a *Activator) Activate(t *tiling.Tile) {
	if c, ok := ContentOf(t); ok {
		c.setActive(true)
		a.logger.Debug("tile activated", "tile", t.String(), "models", c.Len())
	}
}

// Deactivate hides the tile's content.
func (a *Activator) Deactivate(t *tiling.Tile) {
	if c, ok := ContentOf(t); ok {
		c.setActive(false)
		a.logger.Debug("tile deactivated", "tile", t.String())
	}
}

// Destroy releases the tile's content.
func (a *Activator) Destroy(t *tiling.Tile) {
	if c, ok := ContentOf(t); ok {
		c.destroy()
	}
}

var _ tiling.Activator = (*Activator)(nil)
