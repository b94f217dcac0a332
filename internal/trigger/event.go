package trigger

import "sync"

// Event is a single published occurrence an event trigger may react to.
type Event struct {
	Source  string
	Name    string
	Payload map[string]any
}

// EventConfig binds a (source, name) filter to a workflow firing.
type EventConfig struct {
	ID         string
	Source     string // empty matches any source
	Name       string // empty matches any name
	WorkflowID string
	Enabled    bool
}

// EventBus is a tiny typed pub/sub: Publish fans an Event out to every
// registered config whose filter matches, invoking onFire for each match.
type EventBus struct {
	mu      sync.Mutex
	configs map[string]EventConfig
	onFire  func(cfg EventConfig, evt Event)
}

// NewEventBus builds an event trigger bus.
func NewEventBus(onFire func(cfg EventConfig, evt Event)) *EventBus {
	return &EventBus{configs: map[string]EventConfig{}, onFire: onFire}
}

// Register adds or replaces an event trigger config.
func (b *EventBus) Register(cfg EventConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.configs[cfg.ID] = cfg
}

// Unregister removes an event trigger config.
func (b *EventBus) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.configs, id)
}

// Publish delivers evt to every enabled config whose Source/Name filter
// matches, synchronously; the order among matching configs is not defined.
func (b *EventBus) Publish(evt Event) {
	b.mu.Lock()
	matches := make([]EventConfig, 0, len(b.configs))
	for _, cfg := range b.configs {
		if !cfg.Enabled {
			continue
		}
		if cfg.Source != "" && cfg.Source != evt.Source {
			continue
		}
		if cfg.Name != "" && cfg.Name != evt.Name {
			continue
		}
		matches = append(matches, cfg)
	}
	b.mu.Unlock()

	for _, cfg := range matches {
		b.onFire(cfg, evt)
	}
}
