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

package mqttclient

import "fmt"

// Topic templates of the update service. The agent publishes on the
// "to service" topics and subscribes on the "to agent" topics. The
// scoped variants are used once the device knows the scope it is
// enrolled into.
const (
	topicFmtPublish         = "adu/oto/%s/a"
	topicFmtPublishScoped   = "adu/oto/%s/a/%s"
	topicFmtSubscribe       = "adu/oto/%s/s"
	topicFmtSubscribeScoped = "adu/oto/%s/s/%s"
)

func PublishTopic(externalDeviceID string) string {
	return fmt.Sprintf(topicFmtPublish, externalDeviceID)
}

func PublishTopicScoped(externalDeviceID, scopeID string) string {
	return fmt.Sprintf(topicFmtPublishScoped, externalDeviceID, scopeID)
}

func SubscribeTopic(externalDeviceID string) string {
	return fmt.Sprintf(topicFmtSubscribe, externalDeviceID)
}

func SubscribeTopicScoped(externalDeviceID, scopeID string) string {
	return fmt.Sprintf(topicFmtSubscribeScoped, externalDeviceID, scopeID)
}
