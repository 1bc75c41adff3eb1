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

// Package shared holds the wire-level constants and small value types of
// the device update MQTT protocol that every agent subpackage needs.
package shared

import (
	"strings"

	"github.com/google/uuid"
)

// User property keys carried on every protocol message.
const (
	PropertyMessageType        = "mt"
	PropertyProtocolID         = "pid"
	PropertyResultCode         = "resultCode"
	PropertyExtendedResultCode = "extendedResultCode"
)

// ProtocolID is the only protocol generation this agent speaks.
const ProtocolID = "1"

// Message types exchanged with the update service.
const (
	MessageTypeEnrollmentRequest   = "enr_req"
	MessageTypeEnrollmentResponse  = "enr_resp"
	MessageTypeAgentInfoRequest    = "ainfo_req"
	MessageTypeAgentInfoResponse   = "ainfo_resp"
	MessageTypeUpdateRequest       = "upd_req"
	MessageTypeUpdateResponse      = "upd_resp"
	MessageTypeUpdateNotification  = "upd_cn"
	MessageTypeUpdateResultsReport = "upd_rpt"
)

// ContentTypeJSON is set on requests that carry a JSON body.
const ContentTypeJSON = "json"

// QoS for all protocol messages.
const QoSAtLeastOnce byte = 1

// EmptyJSONPayload is the body of requests that carry no data.
const EmptyJSONPayload = "{}"

// ResultCode is the service's verdict on a request, carried as the
// "resultCode" user property on response messages.
type ResultCode int

const (
	ResultSuccess          ResultCode = 0
	ResultBadRequest       ResultCode = 1
	ResultBusy             ResultCode = 2
	ResultConflict         ResultCode = 3
	ResultServerError      ResultCode = 4
	ResultAgentNotEnrolled ResultCode = 5
)

func (r ResultCode) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultBadRequest:
		return "badRequest"
	case ResultBusy:
		return "busy"
	case ResultConflict:
		return "conflict"
	case ResultServerError:
		return "serverError"
	case ResultAgentNotEnrolled:
		return "agentNotEnrolled"
	default:
		return "unknown"
	}
}

// ResponseUserProperties is the parsed common property set of a response
// message.
type ResponseUserProperties struct {
	ProtocolID         string
	ResultCode         ResultCode
	ExtendedResultCode int64
}

// MessageContext carries the per-request publish/response topic pair and
// the correlation token of the request currently in flight. An empty
// CorrelationID means no request is outstanding.
type MessageContext struct {
	CorrelationID string
	PublishTopic  string
	ResponseTopic string
}

// GenerateCorrelationID returns a fresh hyphen-free UUID token used as
// MQTT v5 correlation data.
func GenerateCorrelationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
