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
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/operations"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/retriable"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/workqueue"
	"go.uber.org/zap"
)

// RunWorker is the update worker loop: it drains the update work queue
// and processes one payload at a time. It returns when the queue is
// closed.
func RunWorker(queue *workqueue.Queue, registry *Registry, reportingQueue operations.ReportingQueue) {
	zap.S().Infof("update worker started")
	for {
		item, status := queue.GetNextWork(workqueue.DefaultPopTimeout)
		switch status {
		case workqueue.PopTimeout:
			continue
		case workqueue.PopClosed:
			zap.S().Infof("update worker stopped")
			return
		}

		op, ok := item.Context.(*retriable.Operation)
		if !ok {
			zap.S().Errorf("update work item carries no operation context, dropping")
			continue
		}
		ProcessUpdate(item.JSON, op, registry, reportingQueue)
	}
}
