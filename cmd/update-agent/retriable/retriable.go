// Copyright 2023 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//          http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retriable implements the generic polled operation engine:
// a state machine with pluggable work/cancel/retry/complete behavior and
// per-failure-class backoff policies.
package retriable

import (
	"sync"
	"time"

	"github.com/united-manufacturing-hub/mqtt-update-agent/internal"
	"go.uber.org/zap"
)

// State of a retriable operation.
type State int

const (
	StateDestroyed        State = -4
	StateCancelled        State = -3
	StateFailure          State = -2
	StateFailureRetriable State = -1
	StateNotStarted       State = 0
	StateInProgress       State = 1
	StateTimedOut         State = 2
	StateCancelling       State = 3
	StateExpired          State = 4
	StateCompleted        State = 5
)

func (s State) String() string {
	switch s {
	case StateDestroyed:
		return "destroyed"
	case StateCancelled:
		return "cancelled"
	case StateFailure:
		return "failure"
	case StateFailureRetriable:
		return "failureRetriable"
	case StateNotStarted:
		return "notStarted"
	case StateInProgress:
		return "inProgress"
	case StateTimedOut:
		return "timedOut"
	case StateCancelling:
		return "cancelling"
	case StateExpired:
		return "expired"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Operation is one long-lived protocol exchange driven by periodic
// DoWork polls. The behavior slots are filled in by the concrete
// operations; Data carries their per-operation state.
//
// DoWork locks the operation for the duration of the poll, so the
// behavior callbacks run under the lock and must use the lock-free
// engine methods. External callers (message handlers, tests) take
// Lock/Unlock themselves.
type Operation struct {
	mu sync.Mutex

	Name string
	Data any

	DoWorkFunc   func(*Operation) bool
	CancelFunc   func(*Operation) bool
	RetryFunc    func(*Operation, *RetryParams) bool
	CompleteFunc func(*Operation) bool

	OnExpired func(*Operation)
	OnSuccess func(*Operation)
	OnFailure func(*Operation)
	OnRetry   func(*Operation)

	RetryParams []RetryParams

	state             State
	AttemptCount      uint
	OperationInterval time.Duration
	OperationTimeout  time.Duration
	NextExecutionTime time.Time
	ExpirationTime    time.Time
	LastExecutionTime time.Time
	LastFailureTime   time.Time
	LastSuccessTime   time.Time
}

func (o *Operation) Lock()   { o.mu.Lock() }
func (o *Operation) Unlock() { o.mu.Unlock() }

// Init arms the operation. With startNow the first poll executes
// immediately, otherwise after one operation interval.
func (o *Operation) Init(startNow bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = StateNotStarted
	o.AttemptCount = 0
	if startNow {
		o.NextExecutionTime = time.Now()
	} else {
		o.NextExecutionTime = time.Now().Add(o.OperationInterval)
	}
}

// State returns the current engine state. Safe without the lock held.
func (o *Operation) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// SetState transitions the engine state. Lock-free; DoWork callbacks
// and locked handlers use this.
func (o *Operation) SetState(s State) {
	if o.state != s {
		zap.S().Debugf("%s operation state %s -> %s", o.Name, o.state, s)
	}
	o.state = s
}

// CurrentState is the lock-free read used inside callbacks.
func (o *Operation) CurrentState() State {
	return o.state
}

// DoWork is the poll driver. Terminal states are skipped, expiry fires
// once, and the behavior callback runs when the scheduled execution
// time has arrived.
func (o *Operation) DoWork() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.state {
	case StateCompleted, StateFailure, StateCancelled, StateDestroyed, StateExpired:
		return false
	}

	now := time.Now()

	if !o.ExpirationTime.IsZero() && !now.Before(o.ExpirationTime) {
		zap.S().Warnf("%s operation expired", o.Name)
		o.SetState(StateExpired)
		if o.OnExpired != nil {
			o.OnExpired(o)
		}
		return true
	}

	if o.state == StateCancelling {
		if o.CancelFunc != nil {
			return o.CancelFunc(o)
		}
		return false
	}

	if now.Before(o.NextExecutionTime) {
		return false
	}

	if o.DoWorkFunc == nil {
		return false
	}
	return o.DoWorkFunc(o)
}

// Cancel requests cancellation. Only pending or recoverable operations
// can be cancelled. Lock-free.
func (o *Operation) Cancel() bool {
	switch o.state {
	case StateNotStarted, StateInProgress, StateExpired, StateFailureRetriable:
	default:
		return false
	}
	o.SetState(StateCancelling)
	if o.CancelFunc != nil {
		return o.CancelFunc(o)
	}
	return true
}

// Retry invokes the retry behavior with the policy of the given failure
// class. Lock-free.
func (o *Operation) Retry(class ParamsClass) bool {
	o.LastFailureTime = time.Now()
	if o.RetryFunc == nil {
		return false
	}
	params := o.Params(class)
	return o.RetryFunc(o, params)
}

// Complete invokes the completion behavior. Lock-free.
func (o *Operation) Complete() bool {
	if o.CompleteFunc == nil {
		return false
	}
	return o.CompleteFunc(o)
}

// Params returns the retry policy for class, falling back to the
// default policy when the table has no entry for it.
func (o *Operation) Params(class ParamsClass) *RetryParams {
	if int(class) < len(o.RetryParams) {
		return &o.RetryParams[class]
	}
	if len(o.RetryParams) > 0 {
		return &o.RetryParams[ParamsDefault]
	}
	fallback := DefaultRetryParams()
	return &fallback[ParamsDefault]
}

// NextRetryTimestamp computes the next attempt time from the policy:
// now + additionalDelaySecs + jittered exponential backoff for the
// given attempt.
func NextRetryTimestamp(additionalDelaySecs uint64, attempt uint, params *RetryParams) time.Time {
	return internal.GetNextRetryTimestamp(
		additionalDelaySecs,
		attempt,
		params.InitialDelayUnitMilliSecs,
		params.MaxDelaySecs,
		params.MaxJitterPercent)
}
