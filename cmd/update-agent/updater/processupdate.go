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
	"strings"
	"time"

	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/operations"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/retriable"
	"go.uber.org/zap"
)

// idleWait is how long the cycle rests after processing finished
// without anything to report.
const idleWait = 30 * time.Second

// ProcessUpdate runs one upd_resp payload through the deployment
// pipeline and leaves the update operation either idling (nothing to
// do) or in the report-results phase.
//
// The handler phases run without the operation lock held; only the
// state transitions take it.
func ProcessUpdate(payload string, op *retriable.Operation, registry *Registry, reportingQueue operations.ReportingQueue) {
	data := operations.UpdateDataFromOperation(op)
	if data == nil {
		return
	}

	// An empty object means the service has no update for this device.
	if strings.TrimSpace(payload) == "{}" {
		zap.S().Infof("updater: no update available")
		op.Lock()
		idleCycle(op, data, "no update available")
		op.Unlock()
		return
	}

	workflow, err := ParseWorkflow([]byte(payload))
	if err != nil {
		zap.S().Errorf("updater: %s", err)
		op.Lock()
		reportFailure(op, data, "", Result{
			ResultCode:         ResultFailure,
			ExtendedResultCode: ErcWorkflowParseFailure,
			ResultDetails:      err.Error(),
		}, nil, reportingQueue)
		op.Unlock()
		return
	}

	op.Lock()
	if workflow.ID == data.CurrentWorkflowID {
		zap.S().Infof("updater: workflow %s already processed, ignoring", workflow.ID)
		idleCycle(op, data, "duplicate workflow")
		op.Unlock()
		return
	}
	data.CurrentWorkflowID = workflow.ID
	op.Unlock()

	zap.S().Infof("updater: processing workflow %s (update %s)", workflow.ID, workflow.Manifest.UpdateID)

	if workflow.Manifest.ManifestVersion < MinManifestVersion {
		zap.S().Errorf("updater: unsupported manifest version %d", workflow.Manifest.ManifestVersion)
		op.Lock()
		reportFailure(op, data, workflow.ID, Result{
			ResultCode:         ResultFailure,
			ExtendedResultCode: ErcUnsupportedManifestVersion,
			ResultDetails:      "unsupported manifest version",
		}, nil, reportingQueue)
		op.Unlock()
		return
	}

	handler, err := registry.Load(workflow.Manifest.ManifestVersion)
	if err != nil {
		zap.S().Errorf("updater: %s", err)
		op.Lock()
		reportFailure(op, data, workflow.ID, Result{
			ResultCode:         ResultFailure,
			ExtendedResultCode: ErcNoContentHandler,
			ResultDetails:      err.Error(),
		}, nil, reportingQueue)
		op.Unlock()
		return
	}

	if installed := handler.IsInstalled(workflow); installed.ResultCode == ResultIsInstalledInstalled {
		zap.S().Infof("updater: update %s is already installed", workflow.Manifest.UpdateID)
		op.Lock()
		data.InstalledUpdateID = workflow.Manifest.UpdateID.String()
		reportSuccess(op, data, workflow, installed, reportingQueue)
		op.Unlock()
		return
	}

	// Download, install and apply in strict order. The first failing
	// phase aborts the deployment.
	phases := []struct {
		name string
		run  func(*Workflow) Result
	}{
		{"download", handler.Download},
		{"install", handler.Install},
		{"apply", handler.Apply},
	}

	var result Result
	for _, phase := range phases {
		result = phase.run(workflow)
		if !result.IsSuccess() {
			zap.S().Errorf("updater: %s failed for workflow %s (rc: %d, erc: 0x%08x): %s",
				phase.name, workflow.ID, result.ResultCode, result.ExtendedResultCode, result.ResultDetails)
			op.Lock()
			reportFailure(op, data, workflow.ID, result, stepResultsFor(workflow, result), reportingQueue)
			op.Unlock()
			return
		}
		zap.S().Infof("updater: %s succeeded for workflow %s", phase.name, workflow.ID)
	}

	op.Lock()
	data.InstalledUpdateID = workflow.Manifest.UpdateID.String()
	reportSuccess(op, data, workflow, result, reportingQueue)
	op.Unlock()
}

// idleCycle parks the update cycle until the next poll interval.
// Callers hold the operation lock.
func idleCycle(op *retriable.Operation, data *operations.UpdateData, reason string) {
	data.SetState(operations.UpdateStateIdleWait, reason)
	op.NextExecutionTime = time.Now().Add(idleWait)
	op.SetState(retriable.StateNotStarted)
}

// stepResultsFor mirrors the deployment result onto the manifest steps.
func stepResultsFor(workflow *Workflow, result Result) []Result {
	steps := workflow.Manifest.Instructions.Steps
	if len(steps) == 0 {
		return nil
	}
	results := make([]Result, len(steps))
	for i := range results {
		results[i] = result
	}
	return results
}

// reportSuccess queues a success report and moves the cycle to the
// report-results phase. Callers hold the operation lock.
func reportSuccess(
	op *retriable.Operation,
	data *operations.UpdateData,
	workflow *Workflow,
	result Result,
	reportingQueue operations.ReportingQueue) {

	report, err := BuildReportingJSON(
		DeploymentStateIdle, workflow.ID, data.InstalledUpdateID,
		result, stepResultsFor(workflow, result))
	if err != nil {
		zap.S().Errorf("updater: %s", err)
		idleCycle(op, data, "reporting failed")
		return
	}
	queueReport(op, data, report, reportingQueue)
}

// reportFailure queues a failure report and moves the cycle to the
// report-results phase. Callers hold the operation lock.
func reportFailure(
	op *retriable.Operation,
	data *operations.UpdateData,
	workflowID string,
	result Result,
	stepResults []Result,
	reportingQueue operations.ReportingQueue) {

	op.LastFailureTime = time.Now()

	report, err := BuildReportingJSON(
		DeploymentStateFailed, workflowID, data.InstalledUpdateID, result, stepResults)
	if err != nil {
		zap.S().Errorf("updater: %s", err)
		idleCycle(op, data, "reporting failed")
		return
	}
	queueReport(op, data, report, reportingQueue)
}

func queueReport(
	op *retriable.Operation,
	data *operations.UpdateData,
	report string,
	reportingQueue operations.ReportingQueue) {

	if err := reportingQueue.Enqueue(report); err != nil {
		zap.S().Errorf("updater: failed to queue report: %s", err)
		idleCycle(op, data, "report enqueue failed")
		return
	}
	data.SetState(operations.UpdateStateReportResults, "processing finished")
	op.NextExecutionTime = time.Now()
}
