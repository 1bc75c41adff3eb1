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

package updater

import (
	"fmt"

	jsoniter "github.com/goccy/go-json"
)

// DeploymentState is the deployment progress value reported to the
// service.
type DeploymentState int

const (
	DeploymentStateNone                 DeploymentState = -1
	DeploymentStateIdle                 DeploymentState = 0
	DeploymentStateDownloadStarted      DeploymentState = 1
	DeploymentStateDownloadSucceeded    DeploymentState = 2
	DeploymentStateInstallStarted       DeploymentState = 3
	DeploymentStateInstallSucceeded     DeploymentState = 4
	DeploymentStateApplyStarted         DeploymentState = 5
	DeploymentStateDeploymentInProgress DeploymentState = 6
	DeploymentStateFailed               DeploymentState = 255
)

// BuildReportingJSON builds the payload reported back to the service
// after processing.
//
// stepResults is keyed step_<n>. The key is absent when the update has
// no steps and explicitly null for the in-progress states
// DownloadStarted and DeploymentInProgress.
func BuildReportingJSON(
	state DeploymentState,
	workflowID string,
	installedUpdateID string,
	result Result,
	stepResults []Result) (string, error) {

	lastInstallResult := map[string]any{
		"resultCode":         result.ResultCode,
		"extendedResultCode": result.ExtendedResultCode,
		"resultDetails":      nullableDetails(result.ResultDetails),
	}

	if state == DeploymentStateDownloadStarted || state == DeploymentStateDeploymentInProgress {
		lastInstallResult["stepResults"] = nil
	} else if len(stepResults) > 0 {
		steps := make(map[string]any, len(stepResults))
		for i, sr := range stepResults {
			steps[fmt.Sprintf("step_%d", i)] = map[string]any{
				"resultCode":         sr.ResultCode,
				"extendedResultCode": sr.ExtendedResultCode,
				"resultDetails":      nullableDetails(sr.ResultDetails),
			}
		}
		lastInstallResult["stepResults"] = steps
	}

	report := map[string]any{
		"state":             int(state),
		"workflowId":        workflowID,
		"lastInstallResult": lastInstallResult,
	}
	if installedUpdateID != "" {
		report["installedUpdateId"] = installedUpdateID
	}

	raw, err := jsoniter.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("failed to marshal reporting payload: %w", err)
	}
	return string(raw), nil
}

func nullableDetails(details string) any {
	if details == "" {
		return nil
	}
	return details
}
