// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"sort"

	"github.com/pkg/errors"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// HookFn is the type of the hooks called by the trainer. The state must not be modified, and it is only
// valid during the call: use State.Clone to keep it.
type HookFn func(state *State) error

// Hooks holds the functions called by a Trainer when training starts, at the end of each epoch and when
// training ends.
//
// Hooks with lower priority are called first, and hooks with the same priority are called in the
// order they were added. The first hook to return an error interrupts the chain, and the error is
// returned (annotated with the hook name) to the trainer, which aborts training.
type Hooks struct {
	onStart    *priorityHooks[*hookWithName]
	onEpochEnd *priorityHooks[*hookWithName]
	onEnd      *priorityHooks[*hookWithName]
}

// NewHooks creates an empty set of hooks.
func NewHooks() *Hooks {
	return &Hooks{
		onStart:    newPriorityHooks[*hookWithName](),
		onEpochEnd: newPriorityHooks[*hookWithName](),
		onEnd:      newPriorityHooks[*hookWithName](),
	}
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of training.
func (h *Hooks) OnStart(name string, priority Priority, fn HookFn) {
	h.onStart.Add(priority, &hookWithName{name: name, fn: fn})
}

// OnEpochEnd adds a hook with given priority and name (for error reporting), called after each epoch
// is trained and validated.
func (h *Hooks) OnEpochEnd(name string, priority Priority, fn HookFn) {
	h.onEpochEnd.Add(priority, &hookWithName{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of training.
func (h *Hooks) OnEnd(name string, priority Priority, fn HookFn) {
	h.onEnd.Add(priority, &hookWithName{name: name, fn: fn})
}

// Observer receives the training events. See Hooks.Attach.
type Observer interface {
	OnTrainStart(state *State) error
	OnEpochEnd(state *State) error
	OnTrainEnd(state *State) error
}

// Attach the observer to the three training events, with the same name and priority.
func (h *Hooks) Attach(name string, priority Priority, observer Observer) {
	h.OnStart(name, priority, observer.OnTrainStart)
	h.OnEpochEnd(name, priority, observer.OnEpochEnd)
	h.OnEnd(name, priority, observer.OnTrainEnd)
}

// Start calls the OnStart hooks. It's a no-op if h is nil.
func (h *Hooks) Start(state *State) error {
	if h == nil {
		return nil
	}
	return runHooks(h.onStart, "OnStart", state)
}

// EpochEnd calls the OnEpochEnd hooks. It's a no-op if h is nil.
func (h *Hooks) EpochEnd(state *State) error {
	if h == nil {
		return nil
	}
	return runHooks(h.onEpochEnd, "OnEpochEnd", state)
}

// End calls the OnEnd hooks. It's a no-op if h is nil.
func (h *Hooks) End(state *State) error {
	if h == nil {
		return nil
	}
	return runHooks(h.onEnd, "OnEnd", state)
}

// hookWithName stores a hook name and function.
type hookWithName struct {
	name string
	fn   HookFn
}

// priorityHooks organizes hooks of type H per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// Enumerate will call fn for all registered hooks in priority order, until fn returns false.
func (h *priorityHooks[H]) Enumerate(fn func(hook H) bool) {
	keys := make([]Priority, 0, len(h.hooks))
	for key := range h.hooks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i] < keys[j]
	})
	for _, key := range keys {
		for _, hook := range h.hooks[key] {
			if !fn(hook) {
				return
			}
		}
	}
}

// runHooks calls the hooks in priority order, stopping at the first error.
func runHooks(h *priorityHooks[*hookWithName], event string, state *State) (err error) {
	h.Enumerate(func(hook *hookWithName) bool {
		err = hook.fn(state)
		if err != nil {
			err = errors.WithMessagef(err, "%s(hook %q)", event, hook.name)
			return false
		}
		return true
	})
	return
}
