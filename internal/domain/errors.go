// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrValidation indicates a request failed domain validation.
var ErrValidation = errors.New("validation failed")

// ErrDuplicateAgent indicates an agent id is already registered and active.
var ErrDuplicateAgent = errors.New("agent already registered")

// ErrUnknownAgent indicates an operation referenced an unregistered agent.
var ErrUnknownAgent = errors.New("unknown agent")

// ErrNoCapableAgent indicates no active agent covers a work category.
// Transient: the item stays queued and is retried on the next registry
// change or dispatch tick.
var ErrNoCapableAgent = errors.New("no capable agent available")

// ErrQueueSaturated indicates the work queue is above its high-water mark.
// Callers must back off and retry; the item was not enqueued.
var ErrQueueSaturated = errors.New("work queue saturated")

// ErrDispatchDelivery indicates transport delivery of a dispatch failed.
// Transient: the item is requeued with its attempt count incremented.
var ErrDispatchDelivery = errors.New("dispatch delivery failed")

// ErrMaxAttempts indicates a work item exhausted its retry budget.
// Terminal: the item is failed and reported, never retried.
var ErrMaxAttempts = errors.New("max attempts exceeded")

// ErrAgentSaturated indicates an agent has no free capacity slot.
var ErrAgentSaturated = errors.New("agent at capacity")

// ErrEscalationPending indicates a decision is waiting on a human
// resolution. Not a failure: a valid intermediate state.
var ErrEscalationPending = errors.New("escalation pending")
