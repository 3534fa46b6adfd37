package jobs

import (
	"context"
	"sort"

	"sentiment-pipeline/internal/models"
)

// Processor handles one subtask type. Process never returns an error: it
// records the outcome on the subtask itself.
type Processor interface {
	Process(ctx context.Context, item models.SubTask)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, item models.SubTask)

func (f ProcessorFunc) Process(ctx context.Context, item models.SubTask) { f(ctx, item) }

// Registry maps subtask types to processors. It is fixed at construction.
type Registry struct {
	processors map[models.SubTaskType]Processor
}

// NewRegistry copies the given table; later changes to it are not observed.
func NewRegistry(processors map[models.SubTaskType]Processor) *Registry {
	r := &Registry{processors: make(map[models.SubTaskType]Processor, len(processors))}
	for t, p := range processors {
		if t == "" || p == nil {
			continue
		}
		r.processors[t] = p
	}
	return r
}

// Dispatch runs the processor registered for item.Type. The only error it
// returns is a ConfigurationError for an unregistered type.
func (r *Registry) Dispatch(ctx context.Context, item models.SubTask) error {
	p, ok := r.processors[item.Type]
	if !ok {
		return NewUnknownTypeError(item.Type)
	}
	p.Process(ctx, item)
	return nil
}

// Types lists registered subtask types in sorted order.
func (r *Registry) Types() []models.SubTaskType {
	out := make([]models.SubTaskType, 0, len(r.processors))
	for t := range r.processors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
