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

package retriable

import (
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
)

// ParamsClass selects a retry policy by the kind of failure that
// triggered the retry.
type ParamsClass int

const (
	ParamsDefault ParamsClass = iota
	ParamsClientTransient
	ParamsClientUnrecoverable
	ParamsServiceTransient
	ParamsServiceUnrecoverable

	paramsClassCount
)

// RetryParams is one retry policy. The JSON tags match the env-var
// configuration format.
type RetryParams struct {
	MaxRetries                uint    `json:"maxRetries"`
	MaxDelaySecs              uint64  `json:"maxDelaySecs"`
	FallbackWaitTimeSecs      uint64  `json:"fallbackWaitTimeSec"`
	InitialDelayUnitMilliSecs uint64  `json:"initialDelayUnitMilliSecs"`
	MaxJitterPercent          float64 `json:"maxJitterPercent"`
}

// Policy defaults.
const (
	DefaultMaxRetries                = 5
	DefaultMaxDelaySecs              = 60
	DefaultFallbackWaitTimeSecs      = 30
	DefaultInitialDelayUnitMilliSecs = 1000
	DefaultMaxJitterPercent          = 5.0
)

func defaultParams() RetryParams {
	return RetryParams{
		MaxRetries:                DefaultMaxRetries,
		MaxDelaySecs:              DefaultMaxDelaySecs,
		FallbackWaitTimeSecs:      DefaultFallbackWaitTimeSecs,
		InitialDelayUnitMilliSecs: DefaultInitialDelayUnitMilliSecs,
		MaxJitterPercent:          DefaultMaxJitterPercent,
	}
}

// DefaultRetryParams returns the built-in policy table: one entry per
// failure class, all on the standard backoff.
func DefaultRetryParams() []RetryParams {
	params := make([]RetryParams, paramsClassCount)
	for i := range params {
		params[i] = defaultParams()
	}
	return params
}

// RetryParamsFromEnv loads a policy table from a JSON env var, e.g.
//
//	ENROLLMENT_RETRY_PARAMS='[{"maxRetries":5,"maxDelaySecs":60,...}]'
//
// Missing entries and unset or malformed values fall back to the
// defaults.
func RetryParamsFromEnv(key string) []RetryParams {
	params := DefaultRetryParams()

	var configured []RetryParams
	err := env.GetAsType(key, &configured, false, []RetryParams{})
	if err != nil {
		zap.S().Warnf("ignoring invalid %s: %s", key, err)
		return params
	}

	for i := 0; i < len(configured) && i < len(params); i++ {
		params[i] = configured[i]
	}
	return params
}
