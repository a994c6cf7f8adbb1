package relay

import (
	"context"

	"github.com/MarcoPoloResearchLab/chatrelay/internal/chat"
)

// Locator reports the current device position.
type Locator interface {
	Location(ctx context.Context) (chat.Location, error)
}

// StaticLocator always reports the same configured position.
type StaticLocator struct {
	Position chat.Location
}

// Location implements Locator.
func (locator StaticLocator) Location(context.Context) (chat.Location, error) {
	return locator.Position, nil
}
