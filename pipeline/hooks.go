package pipeline

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/quay/zlog"
)

// Slot names a hook attachment point in the per-app run.
type Slot string

const (
	PreCheck    Slot = "pre_check"
	PostCheck   Slot = "post_check"
	PreInstall  Slot = "pre_install"
	PostInstall Slot = "post_install"
	PostVerify  Slot = "post_verify"
	OnError     Slot = "error"
)

// Callback is invoked with the app's display name and an optional JSON
// detail payload.
type Callback func(ctx context.Context, appName string, details json.RawMessage) error

// Hooks is an ordered registry of named callbacks per slot. A callback
// failure is logged and ignored; hooks cannot abort a run.
type Hooks struct {
	mu    sync.Mutex
	slots map[Slot][]namedCallback
}

type namedCallback struct {
	name string
	fn   Callback
}

func NewHooks() *Hooks {
	return &Hooks{slots: make(map[Slot][]namedCallback)}
}

// Add appends fn to the slot's invocation order.
func (h *Hooks) Add(slot Slot, name string, fn Callback) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.slots[slot] = append(h.slots[slot], namedCallback{name: name, fn: fn})
}

// Fire invokes the slot's callbacks in registration order.
func (h *Hooks) fire(ctx context.Context, slot Slot, appName string, details json.RawMessage) {
	if h == nil {
		return
	}
	h.mu.Lock()
	cbs := h.slots[slot]
	h.mu.Unlock()
	for _, cb := range cbs {
		if err := cb.fn(ctx, appName, details); err != nil {
			zlog.Warn(ctx).
				Err(err).
				Str("slot", string(slot)).
				Str("hook", cb.name).
				Msg("hook failed, continuing")
		}
	}
}

// ErrorDetails is the payload handed to the error slot.
type errorDetails struct {
	Phase     string `json:"phase"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}
