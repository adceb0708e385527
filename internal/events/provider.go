package events

import (
	"fmt"

	"github.com/gantryhq/gantry/internal/common/config"
	"github.com/gantryhq/gantry/internal/common/logger"
	"github.com/gantryhq/gantry/internal/events/bus"
)

// Provide builds the configured event bus implementation and returns
// it together with a cleanup function.
func Provide(cfg config.EventsConfig, log *logger.Logger) (bus.EventBus, func(), error) {
	switch cfg.Provider {
	case "nats":
		natsBus, err := bus.NewNATSEventBus(cfg, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		return natsBus, natsBus.Close, nil
	case "", "memory":
		memBus := bus.NewMemoryEventBus(log)
		return memBus, memBus.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown events provider %q", cfg.Provider)
	}
}
