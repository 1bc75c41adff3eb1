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
	"strconv"

	"github.com/eclipse/paho.golang/paho"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/retriable"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/shared"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/statestore"
	"go.uber.org/zap"
)

// Dispatcher routes inbound MQTT messages to the operation the message
// belongs to. It runs on the paho router goroutine, so every access to
// an operation takes that operation's lock.
type Dispatcher struct {
	store      *statestore.Store
	enrollment *retriable.Operation
	agentInfo  *retriable.Operation
	update     *retriable.Operation
}

func NewDispatcher(store *statestore.Store, enrollment, agentInfo, update *retriable.Operation) *Dispatcher {
	return &Dispatcher{
		store:      store,
		enrollment: enrollment,
		agentInfo:  agentInfo,
		update:     update,
	}
}

// Handle is the single inbound message handler registered on the MQTT
// channel.
func (d *Dispatcher) Handle(p *paho.Publish) {
	messageType := userProperty(p, shared.PropertyMessageType)

	switch messageType {
	case shared.MessageTypeEnrollmentResponse:
		d.handleEnrollmentResponse(p)
	case shared.MessageTypeAgentInfoResponse:
		d.handleAgentInfoResponse(p)
	case shared.MessageTypeUpdateResponse:
		d.handleUpdateResponse(p)
	case shared.MessageTypeUpdateNotification:
		d.handleUpdateNotification(p)
	default:
		zap.S().Debugf("ignoring message with unknown type %q on %s", messageType, p.Topic)
	}
}

func (d *Dispatcher) handleEnrollmentResponse(p *paho.Publish) {
	props, ok := parseResponseProperties(p)
	if !ok {
		return
	}

	d.enrollment.Lock()
	defer d.enrollment.Unlock()

	data := EnrollmentDataFromOperation(d.enrollment)
	if data == nil || !correlationMatches(p, data.MessageContext.CorrelationID, "enr_resp") {
		return
	}
	HandleEnrollmentResponse(d.enrollment, d.store, props, p.Payload)
}

func (d *Dispatcher) handleAgentInfoResponse(p *paho.Publish) {
	props, ok := parseResponseProperties(p)
	if !ok {
		return
	}

	d.agentInfo.Lock()
	defer d.agentInfo.Unlock()

	data := AgentInfoDataFromOperation(d.agentInfo)
	if data == nil || !correlationMatches(p, data.MessageContext.CorrelationID, "ainfo_resp") {
		return
	}
	HandleAgentInfoResponse(d.agentInfo, d.store, props)
}

func (d *Dispatcher) handleUpdateResponse(p *paho.Publish) {
	props, ok := parseResponseProperties(p)
	if !ok {
		return
	}

	d.update.Lock()
	defer d.update.Unlock()

	data := UpdateDataFromOperation(d.update)
	if data == nil || !correlationMatches(p, data.MessageContext.CorrelationID, "upd_resp") {
		return
	}
	HandleUpdateResponse(d.update, d.store, props, p.Payload)
}

func (d *Dispatcher) handleUpdateNotification(p *paho.Publish) {
	if pid := userProperty(p, shared.PropertyProtocolID); pid != shared.ProtocolID {
		zap.S().Warnf("ignoring upd_cn with pid %q", pid)
		return
	}

	d.update.Lock()
	defer d.update.Unlock()
	HandleUpdateNotification(d.update)
}

func userProperty(p *paho.Publish, key string) string {
	if p.Properties == nil {
		return ""
	}
	return p.Properties.User.Get(key)
}

// parseResponseProperties extracts the common response property set.
// A response without a result code is malformed and dropped.
func parseResponseProperties(p *paho.Publish) (shared.ResponseUserProperties, bool) {
	props := shared.ResponseUserProperties{
		ProtocolID: userProperty(p, shared.PropertyProtocolID),
	}

	resultCodeRaw := userProperty(p, shared.PropertyResultCode)
	resultCode, err := strconv.Atoi(resultCodeRaw)
	if err != nil {
		zap.S().Warnf("dropping response on %s with invalid result code %q", p.Topic, resultCodeRaw)
		return props, false
	}
	props.ResultCode = shared.ResultCode(resultCode)

	if ercRaw := userProperty(p, shared.PropertyExtendedResultCode); ercRaw != "" {
		erc, err := strconv.ParseInt(ercRaw, 10, 64)
		if err != nil {
			zap.S().Warnf("response on %s has invalid extended result code %q", p.Topic, ercRaw)
		} else {
			props.ExtendedResultCode = erc
		}
	}

	return props, true
}

// correlationMatches rejects responses that do not belong to the
// request currently in flight.
func correlationMatches(p *paho.Publish, expected, messageType string) bool {
	var got string
	if p.Properties != nil {
		got = string(p.Properties.CorrelationData)
	}
	if expected == "" || got != expected {
		zap.S().Warnf("dropping stale %s (correlation %q, expected %q)", messageType, got, expected)
		return false
	}
	return true
}
