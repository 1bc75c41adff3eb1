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

package operations

import (
	"fmt"
	"time"

	jsoniter "github.com/goccy/go-json"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/retriable"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/shared"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/statestore"
	"go.uber.org/zap"
)

// EnrollmentState is the protocol-level state of the enrollment
// exchange.
type EnrollmentState int

const (
	EnrollmentStateNotEnrolled EnrollmentState = -1
	EnrollmentStateUnknown     EnrollmentState = 0
	EnrollmentStateRequesting  EnrollmentState = 1
	EnrollmentStateEnrolled    EnrollmentState = 2
)

func (s EnrollmentState) String() string {
	switch s {
	case EnrollmentStateNotEnrolled:
		return "notEnrolled"
	case EnrollmentStateUnknown:
		return "unknown"
	case EnrollmentStateRequesting:
		return "requesting"
	case EnrollmentStateEnrolled:
		return "enrolled"
	default:
		return "???"
	}
}

// enrollmentRequestTimeout is how long an in-flight enr_req may wait
// for its response.
const enrollmentRequestTimeout = 180 * time.Second

// DefaultEnrollmentOperationIntervalSecs is the pause before a
// cancelled enrollment exchange is started over.
const DefaultEnrollmentOperationIntervalSecs = 3600

// EnrollmentData is the operation-specific state attached to the
// enrollment retriable operation.
type EnrollmentData struct {
	State          EnrollmentState
	MessageContext shared.MessageContext
	ResponseProps  shared.ResponseUserProperties
}

// SetState transitions the enrollment state and mirrors the enrolled
// flag into the state store.
func (d *EnrollmentData) SetState(store *statestore.Store, state EnrollmentState, reason string) EnrollmentState {
	oldState := d.State
	if d.State != state {
		store.SetIsDeviceEnrolled(state == EnrollmentStateEnrolled)
		if reason == "" {
			reason = "unknown"
		}
		zap.S().Infof("enrollment state changed from %s to %s (reason: %s)", oldState, state, reason)
		d.State = state
	}
	return oldState
}

// enrollmentPayload is the body of an enr_resp message.
type enrollmentPayload struct {
	IsEnrolled bool   `json:"IsEnrolled"`
	ScopeID    string `json:"ScopeId"`
}

// ParseEnrollmentPayload decodes an enr_resp body.
func ParseEnrollmentPayload(payload []byte) (isEnrolled bool, scopeID string, err error) {
	var p enrollmentPayload
	if err := jsoniter.Unmarshal(payload, &p); err != nil {
		return false, "", fmt.Errorf("failed to parse enr_resp payload: %w", err)
	}
	return p.IsEnrolled, p.ScopeID, nil
}

// EnrollmentDataFromOperation returns the enrollment data attached to
// op, or nil when op is not the enrollment operation.
func EnrollmentDataFromOperation(op *retriable.Operation) *EnrollmentData {
	if op == nil {
		return nil
	}
	data, ok := op.Data.(*EnrollmentData)
	if !ok {
		zap.S().Errorf("operation %s does not carry enrollment data", op.Name)
		return nil
	}
	return data
}

// NewEnrollmentOperation builds the enrollment retriable operation. It
// asks the service whether this device is enrolled for updates and
// keeps asking until the answer is yes.
func NewEnrollmentOperation(store *statestore.Store, ch CommChannel, retryParams []retriable.RetryParams) *retriable.Operation {
	op := &retriable.Operation{
		Name:              "enrollment",
		Data:              &EnrollmentData{State: EnrollmentStateUnknown},
		RetryParams:       retryParams,
		OperationInterval: DefaultEnrollmentOperationIntervalSecs * time.Second,
	}

	op.DoWorkFunc = func(o *retriable.Operation) bool {
		data := EnrollmentDataFromOperation(o)
		if data == nil {
			return false
		}

		// Already enrolled, either in this run or per the durable store.
		if data.State == EnrollmentStateEnrolled || store.IsDeviceEnrolled() {
			o.SetState(retriable.StateCompleted)
			return true
		}

		if data.State == EnrollmentStateRequesting {
			if time.Since(o.LastExecutionTime) > enrollmentRequestTimeout {
				zap.S().Warnf("enrollment: timed out waiting for enr_resp, cancelling")
				o.Cancel()
			}
			return true
		}

		if settingUpRequestPrerequisites(o, &data.MessageContext, store, ch, false /* scoped */) {
			return true
		}

		data.MessageContext.CorrelationID = shared.GenerateCorrelationID()
		props := requestProperties(shared.MessageTypeEnrollmentRequest, data.MessageContext.CorrelationID)
		props.ContentType = shared.ContentTypeJSON

		ctx, cancel := publishContext()
		defer cancel()
		reasonCode, err := ch.Publish(
			ctx, data.MessageContext.PublishTopic,
			[]byte(shared.EmptyJSONPayload),
			shared.QoSAtLeastOnce, false, props)
		if !handlePublishResult(o, reasonCode, err) {
			return true
		}

		zap.S().Infof("enrollment: sent enr_req on %s", data.MessageContext.PublishTopic)
		data.SetState(store, EnrollmentStateRequesting, "enr_req sent")
		o.SetState(retriable.StateInProgress)
		o.LastExecutionTime = time.Now()
		return true
	}

	op.CancelFunc = func(o *retriable.Operation) bool {
		data := EnrollmentDataFromOperation(o)
		if data == nil {
			return false
		}
		data.MessageContext.CorrelationID = ""
		data.SetState(store, EnrollmentStateUnknown, "cancelled")
		o.SetState(retriable.StateNotStarted)
		o.NextExecutionTime = time.Now().Add(o.OperationInterval)
		return true
	}

	op.RetryFunc = func(o *retriable.Operation, params *retriable.RetryParams) bool {
		data := EnrollmentDataFromOperation(o)
		if data == nil {
			return false
		}
		data.MessageContext.CorrelationID = ""
		data.SetState(store, EnrollmentStateUnknown, "retrying")
		o.AttemptCount++
		o.SetState(retriable.StateNotStarted)
		o.NextExecutionTime = retriable.NextRetryTimestamp(0, o.AttemptCount, params)
		if o.OnRetry != nil {
			o.OnRetry(o)
		}
		return true
	}

	op.CompleteFunc = func(o *retriable.Operation) bool {
		o.LastSuccessTime = time.Now()
		o.SetState(retriable.StateCompleted)
		if o.OnSuccess != nil {
			o.OnSuccess(o)
		}
		return true
	}

	op.OnExpired = func(o *retriable.Operation) {
		o.SetState(retriable.StateCancelling)
	}

	return op
}

// HandleEnrollmentResponse applies an enr_resp to the enrollment
// operation. The caller holds the operation lock and has already
// matched the correlation data.
func HandleEnrollmentResponse(op *retriable.Operation, store *statestore.Store, props shared.ResponseUserProperties, payload []byte) bool {
	data := EnrollmentDataFromOperation(op)
	if data == nil {
		return false
	}
	data.ResponseProps = props

	if props.ProtocolID != shared.ProtocolID {
		zap.S().Errorf("enrollment: invalid enr_resp pid: %s", props.ProtocolID)
		return false
	}

	if props.ResultCode != shared.ResultSuccess {
		zap.S().Errorf("enrollment: enr_resp %s(%d), erc: 0x%08x",
			props.ResultCode, props.ResultCode, props.ExtendedResultCode)
		if props.ResultCode == shared.ResultBadRequest {
			zap.S().Infof("enrollment: enr_resp bad request, cancelling")
			op.Cancel()
		}
		data.SetState(store, EnrollmentStateUnknown, "retry")
		return false
	}

	isEnrolled, scopeID, err := ParseEnrollmentPayload(payload)
	if err != nil {
		zap.S().Errorf("enrollment: %s", err)
		data.SetState(store, EnrollmentStateUnknown, "retry")
		return false
	}

	newState := EnrollmentStateNotEnrolled
	if isEnrolled {
		newState = EnrollmentStateEnrolled
	}
	data.SetState(store, newState, "enr_resp")

	if !isEnrolled {
		zap.S().Warnf("enrollment: device is not currently enrolled with '%s'", scopeID)
		return true
	}

	zap.S().Infof("enrollment: device is enrolled with scope id '%s'", scopeID)
	op.Complete()
	store.SetScopeID(scopeID)
	return true
}
