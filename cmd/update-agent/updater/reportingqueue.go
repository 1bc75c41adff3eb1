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
	"github.com/beeker1121/goque"
)

// ReportingQueue persists pending reporting payloads on disk so that a
// processing result survives an agent restart between deployment and
// its report reaching the service.
type ReportingQueue struct {
	pq *goque.Queue
}

func OpenReportingQueue(queuePath string) (*ReportingQueue, error) {
	pq, err := goque.OpenQueue(queuePath)
	if err != nil {
		return nil, err
	}
	return &ReportingQueue{pq: pq}, nil
}

func (r *ReportingQueue) Enqueue(payload string) error {
	_, err := r.pq.EnqueueString(payload)
	return err
}

// Peek returns the oldest pending payload without removing it. Returns
// goque.ErrEmpty when nothing is pending.
func (r *ReportingQueue) Peek() (string, error) {
	item, err := r.pq.Peek()
	if err != nil {
		return "", err
	}
	return item.ToString(), nil
}

func (r *ReportingQueue) Dequeue() (string, error) {
	item, err := r.pq.Dequeue()
	if err != nil {
		return "", err
	}
	return item.ToString(), nil
}

func (r *ReportingQueue) Length() uint64 {
	return r.pq.Length()
}

func (r *ReportingQueue) Close() error {
	return r.pq.Close()
}
