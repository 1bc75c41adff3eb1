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

// Package operations implements the three protocol exchanges of the
// update agent: enrollment, agent info and update requests. Each is a
// retriable operation polled from the agent tick loop; responses arrive
// through the MQTT message dispatcher.
package operations

import (
	"context"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/mqttclient"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/retriable"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/shared"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/statestore"
	"go.uber.org/zap"
)

// requestTimeout bounds a single publish or subscribe round trip.
const requestTimeout = 10 * time.Second

// CommChannel is the slice of the communication channel the operations
// need. Implemented by mqttclient.Channel.
type CommChannel interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool, props *paho.PublishProperties) (byte, error)
	Subscribe(ctx context.Context, topic string, qos byte) error
	State() mqttclient.ConnectionState
	IsSubscribed(topic string) bool
}

// settingUpRequestPrerequisites walks the request preconditions in
// order: device registered, channel up, external device id known, topic
// pair derived, response topic subscribed. It returns true while any of
// them is still outstanding; the caller must not send in that poll.
func settingUpRequestPrerequisites(
	op *retriable.Operation,
	mc *shared.MessageContext,
	store *statestore.Store,
	ch CommChannel,
	scoped bool) bool {

	if !store.IsDeviceRegistered() {
		zap.S().Debugf("%s: device is not registered yet", op.Name)
		op.Retry(retriable.ParamsDefault)
		return true
	}

	if ch == nil || ch.State() != mqttclient.StateConnected {
		zap.S().Debugf("%s: communication channel is not ready", op.Name)
		op.Retry(retriable.ParamsDefault)
		return true
	}

	externalDeviceID := store.GetExternalDeviceID()
	if externalDeviceID == "" {
		zap.S().Debugf("%s: external device id is not known yet", op.Name)
		op.Retry(retriable.ParamsDefault)
		return true
	}

	if mc.PublishTopic == "" || mc.ResponseTopic == "" {
		if scoped {
			scopeID := store.GetScopeID()
			if scopeID == "" {
				zap.S().Debugf("%s: scope id is not known yet", op.Name)
				op.Retry(retriable.ParamsDefault)
				return true
			}
			mc.PublishTopic = mqttclient.PublishTopicScoped(externalDeviceID, scopeID)
			mc.ResponseTopic = mqttclient.SubscribeTopicScoped(externalDeviceID, scopeID)
		} else {
			mc.PublishTopic = mqttclient.PublishTopic(externalDeviceID)
			mc.ResponseTopic = mqttclient.SubscribeTopic(externalDeviceID)
		}
	}

	if !ch.IsSubscribed(mc.ResponseTopic) {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := ch.Subscribe(ctx, mc.ResponseTopic, shared.QoSAtLeastOnce); err != nil {
			zap.S().Warnf("%s: failed to subscribe to %s: %s", op.Name, mc.ResponseTopic, err)
			op.Retry(retriable.ParamsClientTransient)
		}
		// Even on success, send on the next poll only.
		return true
	}

	return false
}

// requestProperties builds the MQTT v5 property set of a request.
func requestProperties(messageType, correlationID string) *paho.PublishProperties {
	props := &paho.PublishProperties{
		CorrelationData: []byte(correlationID),
	}
	props.User = append(props.User,
		paho.UserProperty{Key: shared.PropertyMessageType, Value: messageType},
		paho.UserProperty{Key: shared.PropertyProtocolID, Value: shared.ProtocolID},
	)
	return props
}

// handlePublishResult routes a failed publish into the cancel/retry
// split and reports whether the publish went through.
func handlePublishResult(op *retriable.Operation, reasonCode byte, err error) bool {
	switch mqttclient.ClassifyPublishFailure(reasonCode, err) {
	case mqttclient.PublishOK:
		return true
	case mqttclient.PublishFailureFatal:
		zap.S().Errorf("%s: request rejected as malformed (rc: %d): %s", op.Name, reasonCode, err)
		op.Cancel()
	case mqttclient.PublishFailureNoConnection:
		zap.S().Warnf("%s: no broker connection, backing off", op.Name)
		op.Retry(retriable.ParamsClientTransient)
	default:
		zap.S().Warnf("%s: publish failed (rc: %d): %s", op.Name, reasonCode, err)
		op.Retry(retriable.ParamsDefault)
	}
	return false
}

func publishContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}
