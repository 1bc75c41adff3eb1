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
	"time"

	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/retriable"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/shared"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/statestore"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/workqueue"
	"go.uber.org/zap"
)

// UpdateState is the protocol-level state of the update request cycle.
type UpdateState int

const (
	UpdateStateReady UpdateState = iota
	UpdateStateIdleWait
	UpdateStateRequesting
	UpdateStateRetryWait
	UpdateStateRequestAck
	UpdateStateProcessingUpdate
	UpdateStateReportResults
	UpdateStateReportResultsAck
)

func (s UpdateState) String() string {
	switch s {
	case UpdateStateReady:
		return "ready"
	case UpdateStateIdleWait:
		return "idleWait"
	case UpdateStateRequesting:
		return "requesting"
	case UpdateStateRetryWait:
		return "retryWait"
	case UpdateStateRequestAck:
		return "requestAck"
	case UpdateStateProcessingUpdate:
		return "processingUpdate"
	case UpdateStateReportResults:
		return "reportResults"
	case UpdateStateReportResultsAck:
		return "reportResultsAck"
	default:
		return "???"
	}
}

// Per-state watchdog timeouts, measured from the last request send.
const (
	updRequestingTimeout = 30 * time.Second
	updRetryWaitTimeout  = 60 * time.Second
	updRequestAckTimeout = 120 * time.Second
	updReportAckTimeout  = 120 * time.Second
)

// Waits used by the cycle itself.
const (
	updCancelledWait   = 180 * time.Second
	updCompletedWait   = 30 * time.Second
	updServiceBusyWait = 300 * time.Second
	updNotEnrolledWait = 300 * time.Second
	updBadRequestWait  = 300 * time.Second
	updRetryExtraDelay = 30
)

// ReportingQueue is the durable store of reporting payloads awaiting
// publication. Implemented by updater.ReportingQueue.
type ReportingQueue interface {
	Enqueue(payload string) error
	Peek() (string, error)
	Dequeue() (string, error)
	Length() uint64
}

// UpdateData is the operation-specific state attached to the update
// request retriable operation.
type UpdateData struct {
	State             UpdateState
	MessageContext    shared.MessageContext
	ResponseProps     shared.ResponseUserProperties
	CurrentWorkflowID string
	InstalledUpdateID string

	updateQueue *workqueue.Queue
}

// SetState transitions the update cycle state.
func (d *UpdateData) SetState(state UpdateState, reason string) {
	if d.State != state {
		if reason == "" {
			reason = "unknown"
		}
		zap.S().Infof("update state changed from %s to %s (reason: %s)", d.State, state, reason)
		d.State = state
	}
}

// UpdateDataFromOperation returns the update data attached to op, or
// nil when op is not the update operation.
func UpdateDataFromOperation(op *retriable.Operation) *UpdateData {
	if op == nil {
		return nil
	}
	data, ok := op.Data.(*UpdateData)
	if !ok {
		zap.S().Errorf("operation %s does not carry update data", op.Name)
		return nil
	}
	return data
}

// NewUpdateOperation builds the update request retriable operation: a
// recurring cycle that asks the service for available updates, hands
// the response to the update worker and publishes the processing
// result.
func NewUpdateOperation(
	store *statestore.Store,
	ch CommChannel,
	updateQueue *workqueue.Queue,
	reportingQueue ReportingQueue,
	retryParams []retriable.RetryParams) *retriable.Operation {

	op := &retriable.Operation{
		Name:        "update",
		Data:        &UpdateData{State: UpdateStateReady},
		RetryParams: retryParams,
	}

	op.DoWorkFunc = func(o *retriable.Operation) bool {
		data := UpdateDataFromOperation(o)
		if data == nil {
			return false
		}

		switch data.State {
		case UpdateStateReady:
			// The service ignores update requests from devices whose
			// agent info it has not acknowledged.
			if !store.IsAgentInfoReported() {
				return false
			}
			if settingUpRequestPrerequisites(o, &data.MessageContext, store, ch, true /* scoped */) {
				return true
			}
			sendUpdateRequest(o, data, ch)
			return true

		case UpdateStateIdleWait:
			// The engine gates on NextExecutionTime, so reaching this
			// poll means the wait is over.
			data.SetState(UpdateStateReady, "idle wait elapsed")
			return true

		case UpdateStateRequesting:
			if time.Since(o.LastExecutionTime) > updRequestingTimeout {
				zap.S().Warnf("update: upd_req was never acknowledged, cancelling")
				o.Cancel()
			}
			return true

		case UpdateStateRetryWait:
			if time.Since(o.LastExecutionTime) > updRetryWaitTimeout {
				zap.S().Warnf("update: retry window elapsed, cancelling cycle")
				o.Cancel()
			}
			return true

		case UpdateStateRequestAck:
			if time.Since(o.LastExecutionTime) > updRequestAckTimeout {
				zap.S().Warnf("update: timed out waiting for upd_resp, cancelling")
				o.Cancel()
			}
			return true

		case UpdateStateProcessingUpdate:
			// The update worker owns this phase.
			return false

		case UpdateStateReportResults:
			publishResults(o, data, ch, reportingQueue)
			return true

		case UpdateStateReportResultsAck:
			if time.Since(o.LastExecutionTime) > updReportAckTimeout {
				zap.S().Warnf("update: timed out waiting for report ack, cancelling")
				o.Cancel()
			}
			return true
		}
		return false
	}

	op.CancelFunc = func(o *retriable.Operation) bool {
		data := UpdateDataFromOperation(o)
		if data == nil {
			return false
		}
		data.MessageContext.CorrelationID = ""
		o.LastFailureTime = time.Now()
		o.NextExecutionTime = time.Now().Add(updCancelledWait)
		data.SetState(UpdateStateIdleWait, "cancelled")
		o.SetState(retriable.StateNotStarted)
		return true
	}

	op.RetryFunc = func(o *retriable.Operation, params *retriable.RetryParams) bool {
		data := UpdateDataFromOperation(o)
		if data == nil {
			return false
		}
		data.MessageContext.CorrelationID = ""
		o.AttemptCount++

		if o.AttemptCount > params.MaxRetries {
			zap.S().Warnf("update: retries exhausted after %d attempts, idling", o.AttemptCount-1)
			o.LastFailureTime = time.Now()
			o.AttemptCount = 0
			o.NextExecutionTime = time.Now().Add(time.Duration(params.FallbackWaitTimeSecs) * time.Second)
			data.SetState(UpdateStateIdleWait, "retries exhausted")
			o.SetState(retriable.StateNotStarted)
			if o.OnFailure != nil {
				o.OnFailure(o)
			}
			return true
		}

		o.NextExecutionTime = retriable.NextRetryTimestamp(updRetryExtraDelay, o.AttemptCount, params)
		data.SetState(UpdateStateRetryWait, "retrying")
		if o.OnRetry != nil {
			o.OnRetry(o)
		}
		return true
	}

	op.CompleteFunc = func(o *retriable.Operation) bool {
		data := UpdateDataFromOperation(o)
		if data == nil {
			return false
		}
		o.LastSuccessTime = time.Now()
		o.AttemptCount = 0
		o.NextExecutionTime = time.Now().Add(updCompletedWait)
		data.SetState(UpdateStateIdleWait, "cycle completed")
		// The update cycle is recurring, so completion re-arms the
		// engine instead of parking it in a terminal state.
		o.SetState(retriable.StateNotStarted)
		if o.OnSuccess != nil {
			o.OnSuccess(o)
		}
		return true
	}

	op.OnExpired = func(o *retriable.Operation) {
		o.SetState(retriable.StateCancelling)
	}

	// The upd_resp handler needs the work queue.
	op.Data.(*UpdateData).updateQueue = updateQueue

	return op
}

func sendUpdateRequest(o *retriable.Operation, data *UpdateData, ch CommChannel) {
	data.MessageContext.CorrelationID = shared.GenerateCorrelationID()
	props := requestProperties(shared.MessageTypeUpdateRequest, data.MessageContext.CorrelationID)

	data.SetState(UpdateStateRequesting, "sending upd_req")
	o.SetState(retriable.StateInProgress)

	ctx, cancel := publishContext()
	defer cancel()
	reasonCode, err := ch.Publish(
		ctx, data.MessageContext.PublishTopic,
		[]byte(shared.EmptyJSONPayload),
		shared.QoSAtLeastOnce, false, props)
	if !handlePublishResult(o, reasonCode, err) {
		return
	}

	// PUBACK received, now waiting for the upd_resp message.
	zap.S().Infof("update: sent upd_req on %s", data.MessageContext.PublishTopic)
	o.LastExecutionTime = time.Now()
	data.SetState(UpdateStateRequestAck, "upd_req acknowledged")
}

// publishResults publishes the oldest pending reporting payload. The
// payload stays queued until its publish is acknowledged, so a crash
// between processing and reporting cannot lose the result.
func publishResults(o *retriable.Operation, data *UpdateData, ch CommChannel, reportingQueue ReportingQueue) {
	payload, err := reportingQueue.Peek()
	if err != nil {
		zap.S().Warnf("update: no reporting payload pending: %s", err)
		o.Complete()
		return
	}

	data.MessageContext.CorrelationID = shared.GenerateCorrelationID()
	props := requestProperties(shared.MessageTypeUpdateResultsReport, data.MessageContext.CorrelationID)
	props.ContentType = shared.ContentTypeJSON

	ctx, cancel := publishContext()
	defer cancel()
	reasonCode, pubErr := ch.Publish(
		ctx, data.MessageContext.PublishTopic,
		[]byte(payload), shared.QoSAtLeastOnce, false, props)

	o.LastExecutionTime = time.Now()
	data.SetState(UpdateStateReportResultsAck, "upd_rpt sent")
	if !handlePublishResult(o, reasonCode, pubErr) {
		data.SetState(UpdateStateReportResults, "upd_rpt publish failed")
		return
	}

	if _, err := reportingQueue.Dequeue(); err != nil {
		zap.S().Errorf("update: failed to dequeue reported payload: %s", err)
	}
	zap.S().Infof("update: published processing results")
	o.Complete()
}

// HandleUpdateResponse applies an upd_resp to the update operation. The
// caller holds the operation lock and has already matched the
// correlation data.
func HandleUpdateResponse(op *retriable.Operation, store *statestore.Store, props shared.ResponseUserProperties, payload []byte) bool {
	data := UpdateDataFromOperation(op)
	if data == nil {
		return false
	}
	data.ResponseProps = props

	if data.State != UpdateStateRequestAck {
		zap.S().Warnf("update: received upd_resp in state %s", data.State)
	}

	switch props.ResultCode {
	case shared.ResultSuccess:
		// Consume the correlation id so a QoS 1 redelivery cannot
		// re-enqueue the payload.
		data.MessageContext.CorrelationID = ""
		data.updateQueue.EnqueueWork(string(payload), op)
		data.SetState(UpdateStateProcessingUpdate, "upd_resp received")
		return true

	case shared.ResultBadRequest:
		zap.S().Errorf("update: upd_resp bad request(1), erc: 0x%08x", props.ExtendedResultCode)
		op.NextExecutionTime = time.Now().Add(updBadRequestWait)
		data.SetState(UpdateStateIdleWait, "bad request")

	case shared.ResultBusy, shared.ResultConflict, shared.ResultServerError:
		zap.S().Errorf("update: upd_resp %s(%d), erc: 0x%08x",
			props.ResultCode, props.ResultCode, props.ExtendedResultCode)
		op.NextExecutionTime = time.Now().Add(updServiceBusyWait)
		data.SetState(UpdateStateRetryWait, "service unavailable")

	case shared.ResultAgentNotEnrolled:
		zap.S().Errorf("update: upd_resp agent not enrolled(5), erc: 0x%08x", props.ExtendedResultCode)
		data.MessageContext.CorrelationID = ""
		store.SetIsDeviceEnrolled(false)
		store.SetIsAgentInfoReported(false)
		op.LastFailureTime = time.Now()
		op.NextExecutionTime = time.Now().Add(updNotEnrolledWait)
		data.SetState(UpdateStateIdleWait, "agent not enrolled")

	default:
		zap.S().Errorf("update: upd_resp unknown result code %d, erc: 0x%08x",
			props.ResultCode, props.ExtendedResultCode)
		op.NextExecutionTime = time.Now().Add(updServiceBusyWait)
		data.SetState(UpdateStateRetryWait, "unknown result code")
	}
	return false
}

// HandleUpdateNotification wakes the update cycle out of its idle wait.
// The caller holds the operation lock and has validated the message
// type and protocol id.
func HandleUpdateNotification(op *retriable.Operation) {
	data := UpdateDataFromOperation(op)
	if data == nil {
		return
	}
	if data.State != UpdateStateIdleWait {
		zap.S().Debugf("update: upd_cn received in state %s, nothing to wake", data.State)
		return
	}
	zap.S().Infof("update: upd_cn received, checking for updates now")
	op.NextExecutionTime = time.Now()
}
