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

// AgentInfoState is the protocol-level state of the agent info
// exchange.
type AgentInfoState int

const (
	AgentInfoStateNotAcknowledged AgentInfoState = -1
	AgentInfoStateUnknown         AgentInfoState = 0
	AgentInfoStateRequesting      AgentInfoState = 1
	AgentInfoStateAcknowledged    AgentInfoState = 2
)

func (s AgentInfoState) String() string {
	switch s {
	case AgentInfoStateNotAcknowledged:
		return "notAcknowledged"
	case AgentInfoStateUnknown:
		return "unknown"
	case AgentInfoStateRequesting:
		return "requesting"
	case AgentInfoStateAcknowledged:
		return "acknowledged"
	default:
		return "???"
	}
}

// agentInfoRequestTimeout is how long an in-flight ainfo_req may wait
// for its response.
const agentInfoRequestTimeout = 180 * time.Second

// DefaultAgentInfoOperationIntervalSecs is the pause before a cancelled
// agent info exchange is started over.
const DefaultAgentInfoOperationIntervalSecs = 3600

// CompatProperties describes the device to the service so it can match
// deployments against it.
type CompatProperties struct {
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
}

// AgentInfoData is the operation-specific state attached to the agent
// info retriable operation.
type AgentInfoData struct {
	State          AgentInfoState
	Compat         CompatProperties
	MessageContext shared.MessageContext
	ResponseProps  shared.ResponseUserProperties
}

type agentInfoPayload struct {
	SequenceNumber   string           `json:"sn"`
	CompatProperties CompatProperties `json:"compatProperties"`
}

// BuildAgentInfoPayload builds the ainfo_req body. The sequence number
// is a timestamp so the service can discard stale reports.
func BuildAgentInfoPayload(compat CompatProperties) ([]byte, error) {
	payload := agentInfoPayload{
		SequenceNumber:   fmt.Sprintf("%d", time.Now().Unix()),
		CompatProperties: compat,
	}
	raw, err := jsoniter.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ainfo_req payload: %w", err)
	}
	return raw, nil
}

// AgentInfoDataFromOperation returns the agent info data attached to
// op, or nil when op is not the agent info operation.
func AgentInfoDataFromOperation(op *retriable.Operation) *AgentInfoData {
	if op == nil {
		return nil
	}
	data, ok := op.Data.(*AgentInfoData)
	if !ok {
		zap.S().Errorf("operation %s does not carry agent info data", op.Name)
		return nil
	}
	return data
}

// NewAgentInfoOperation builds the agent info retriable operation. Once
// the device is enrolled it reports the device's compatibility
// properties and waits for the acknowledgement.
func NewAgentInfoOperation(store *statestore.Store, ch CommChannel, compat CompatProperties, retryParams []retriable.RetryParams) *retriable.Operation {
	op := &retriable.Operation{
		Name:              "agentinfo",
		Data:              &AgentInfoData{State: AgentInfoStateUnknown, Compat: compat},
		RetryParams:       retryParams,
		OperationInterval: DefaultAgentInfoOperationIntervalSecs * time.Second,
	}

	op.DoWorkFunc = func(o *retriable.Operation) bool {
		data := AgentInfoDataFromOperation(o)
		if data == nil {
			return false
		}

		if data.State == AgentInfoStateAcknowledged || store.IsAgentInfoReported() {
			o.SetState(retriable.StateCompleted)
			return true
		}

		// Agent info is only meaningful for an enrolled device.
		if !store.IsDeviceEnrolled() {
			return false
		}

		if data.State == AgentInfoStateRequesting {
			if time.Since(o.LastExecutionTime) > agentInfoRequestTimeout {
				zap.S().Warnf("agentinfo: timed out waiting for ainfo_resp, cancelling")
				o.Cancel()
			}
			return true
		}

		if settingUpRequestPrerequisites(o, &data.MessageContext, store, ch, true /* scoped */) {
			return true
		}

		payload, err := BuildAgentInfoPayload(data.Compat)
		if err != nil {
			zap.S().Errorf("agentinfo: %s", err)
			o.Retry(retriable.ParamsDefault)
			return true
		}

		data.MessageContext.CorrelationID = shared.GenerateCorrelationID()
		props := requestProperties(shared.MessageTypeAgentInfoRequest, data.MessageContext.CorrelationID)
		props.ContentType = shared.ContentTypeJSON

		ctx, cancel := publishContext()
		defer cancel()
		reasonCode, err := ch.Publish(
			ctx, data.MessageContext.PublishTopic,
			payload, shared.QoSAtLeastOnce, false, props)
		if !handlePublishResult(o, reasonCode, err) {
			return true
		}

		zap.S().Infof("agentinfo: sent ainfo_req on %s", data.MessageContext.PublishTopic)
		data.State = AgentInfoStateRequesting
		o.SetState(retriable.StateInProgress)
		o.LastExecutionTime = time.Now()
		return true
	}

	op.CancelFunc = func(o *retriable.Operation) bool {
		data := AgentInfoDataFromOperation(o)
		if data == nil {
			return false
		}
		data.MessageContext.CorrelationID = ""
		data.State = AgentInfoStateUnknown
		o.SetState(retriable.StateNotStarted)
		o.NextExecutionTime = time.Now().Add(o.OperationInterval)
		return true
	}

	op.RetryFunc = func(o *retriable.Operation, params *retriable.RetryParams) bool {
		data := AgentInfoDataFromOperation(o)
		if data == nil {
			return false
		}
		data.MessageContext.CorrelationID = ""
		data.State = AgentInfoStateUnknown
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

// HandleAgentInfoResponse applies an ainfo_resp to the agent info
// operation. The caller holds the operation lock and has already
// matched the correlation data.
func HandleAgentInfoResponse(op *retriable.Operation, store *statestore.Store, props shared.ResponseUserProperties) bool {
	data := AgentInfoDataFromOperation(op)
	if data == nil {
		return false
	}
	data.ResponseProps = props

	if props.ResultCode != shared.ResultSuccess {
		zap.S().Errorf("agentinfo: ainfo_resp %s(%d), erc: 0x%08x",
			props.ResultCode, props.ResultCode, props.ExtendedResultCode)
		if props.ResultCode == shared.ResultBadRequest {
			zap.S().Infof("agentinfo: ainfo_resp bad request, cancelling")
			op.Cancel()
		}
		data.State = AgentInfoStateUnknown
		store.SetIsAgentInfoReported(false)
		return false
	}

	store.SetIsAgentInfoReported(true)
	data.State = AgentInfoStateAcknowledged
	op.Complete()
	return true
}
