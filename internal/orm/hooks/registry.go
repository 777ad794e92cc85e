package hooks

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/conduit-lang/cascade/internal/orm/draft"
	"github.com/conduit-lang/cascade/internal/orm/meta"
	"github.com/conduit-lang/cascade/internal/orm/save"
)

// Registry holds hooks and plugs them into a save client as both its
// interceptor and its observer:
//
//	reg := hooks.NewRegistry(queue, logger)
//	reg.OnBeforeSave(m.Book, stampModified)
//	client := save.NewClient(db, d, coord, save.WithInterceptor(reg), save.WithObserver(reg))
type Registry struct {
	mu     sync.RWMutex
	hooks  map[Phase][]*Hook
	queue  *AsyncQueue
	logger *zap.Logger
}

var (
	_ save.Interceptor = (*Registry)(nil)
	_ save.Observer    = (*Registry)(nil)
)

// NewRegistry creates a registry. queue may be nil when no hook is async.
func NewRegistry(queue *AsyncQueue, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		hooks:  make(map[Phase][]*Hook),
		queue:  queue,
		logger: logger,
	}
}

// Register adds a hook
func (r *Registry) Register(hook *Hook) error {
	switch {
	case hook.TypeName == "":
		return fmt.Errorf("hooks: %s hook without a type", hook.Phase)
	case hook.Phase == BeforeSave && hook.Before == nil,
		hook.Phase == AfterSave && hook.After == nil:
		return fmt.Errorf("hooks: %s hook for %s has no function", hook.Phase, hook.TypeName)
	case hook.Async && hook.Phase != AfterSave:
		return fmt.Errorf("hooks: only after-save hooks can be async")
	case hook.Async && r.queue == nil:
		return fmt.Errorf("hooks: async hook for %s needs a queue", hook.TypeName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[hook.Phase] = append(r.hooks[hook.Phase], hook)
	return nil
}

// OnBeforeSave registers fn for rows of t and its derived types
func (r *Registry) OnBeforeSave(t *meta.Type, fn BeforeFunc) error {
	return r.Register(&Hook{Phase: BeforeSave, TypeName: t.Name(), Before: fn})
}

// OnAfterSave registers fn for committed rows of t and its derived types
func (r *Registry) OnAfterSave(t *meta.Type, fn AfterFunc, async bool) error {
	return r.Register(&Hook{Phase: AfterSave, TypeName: t.Name(), After: fn, Async: async})
}

// HasHooks reports whether any hook is registered for the phase
func (r *Registry) HasHooks(phase Phase) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks[phase]) > 0
}

func (r *Registry) matching(phase Phase, t *meta.Type) []*Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Hook
	for _, h := range r.hooks[phase] {
		if h.matches(t) {
			out = append(out, h)
		}
	}
	return out
}

// BeforeSave runs the before-save hooks of the draft's type in registration
// order
func (r *Registry) BeforeSave(ctx context.Context, d *draft.Draft, isNew bool) error {
	hooks := r.matching(BeforeSave, d.Type())
	if len(hooks) == 0 {
		return nil
	}
	hctx := NewContext(ctx, d.Type(), isNew)
	for _, h := range hooks {
		if err := h.Before(hctx, d); err != nil {
			return fmt.Errorf("hook %s failed: %w", h.Phase, err)
		}
	}
	return nil
}

// Saved runs the after-save hooks for every inserted or updated row of res
func (r *Registry) Saved(ctx context.Context, res *save.Result) {
	for _, o := range res.Outcomes {
		if !o.Node.Action.IsRow() || (o.Classification != save.Inserted && o.Classification != save.Updated) {
			continue
		}
		hooks := r.matching(AfterSave, o.Node.Type)
		if len(hooks) == 0 {
			continue
		}

		// a frozen copy so async hooks never see later edits of the draft
		s := Saved{Type: o.Node.Type, Object: o.Node.Draft.Freeze(), Classification: o.Classification}
		for _, h := range hooks {
			if h.Async {
				r.enqueue(h, s)
				continue
			}
			if err := h.After(ctx, s); err != nil {
				r.logger.Warn("after-save hook failed",
					zap.String("type", s.Type.Name()),
					zap.Error(err))
			}
		}
	}
}

func (r *Registry) enqueue(h *Hook, s Saved) {
	task := AsyncTask{
		Name: fmt.Sprintf("%s_%s", h.Phase, s.Type.ShortName()),
		Fn: func(ctx context.Context) error {
			return h.After(ctx, s)
		},
	}
	if err := r.queue.Enqueue(task); err != nil {
		r.logger.Warn("failed to enqueue after-save hook",
			zap.String("type", s.Type.Name()),
			zap.Error(err))
	}
}
