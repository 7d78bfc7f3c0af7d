package processor

import (
	"sort"

	"github.com/lexwatch/notification-worker/internal/envelope"
)

// Registry maps processor tags to processors. It is populated once at start
// and read-only thereafter, so lookups need no locking.
type Registry struct {
	processors map[string]Processor
}

// NewRegistry builds a registry from the given processors.
func NewRegistry(processors ...Processor) *Registry {
	m := make(map[string]Processor, len(processors))
	for _, p := range processors {
		m[p.Type()] = p
	}
	return &Registry{processors: m}
}

// Get looks up a processor by exact tag.
func (r *Registry) Get(tag string) (Processor, error) {
	p, ok := r.processors[tag]
	if !ok {
		return nil, &envelope.UnknownProcessorTypeError{Tag: tag}
	}
	return p, nil
}

// Types returns the registered tags, sorted, for the diagnostics surface.
func (r *Registry) Types() []string {
	tags := make([]string, 0, len(r.processors))
	for tag := range r.processors {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
