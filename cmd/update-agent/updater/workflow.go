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

// Package updater turns upd_resp payloads into deployed updates: it
// parses the workflow, runs the matching content handler through the
// download/install/apply phases and queues the processing result for
// reporting.
package updater

import (
	"fmt"

	jsoniter "github.com/goccy/go-json"
)

// MinManifestVersion is the oldest update manifest generation this
// agent can process.
const MinManifestVersion = 5

// UpdateID identifies one update.
type UpdateID struct {
	Provider string `json:"provider"`
	Name     string `json:"name"`
	Version  string `json:"version"`
}

func (u UpdateID) String() string {
	return fmt.Sprintf("%s/%s:%s", u.Provider, u.Name, u.Version)
}

// Step is one instruction of the update manifest.
type Step struct {
	Type    string   `json:"type"`
	Handler string   `json:"handler"`
	Files   []string `json:"files"`
}

// Manifest is the deployable part of an upd_resp payload.
type Manifest struct {
	ManifestVersion int      `json:"manifestVersion"`
	UpdateID        UpdateID `json:"updateId"`
	Instructions    struct {
		Steps []Step `json:"steps"`
	} `json:"instructions"`
}

// Workflow is one parsed update deployment.
type Workflow struct {
	ID       string
	Action   int
	Manifest Manifest
}

type updateResponsePayload struct {
	Workflow struct {
		ID     string `json:"id"`
		Action int    `json:"action"`
	} `json:"workflow"`
	UpdateManifest Manifest `json:"updateManifest"`
}

// ParseWorkflow decodes an upd_resp payload into a workflow. A payload
// without a workflow id is invalid.
func ParseWorkflow(payload []byte) (*Workflow, error) {
	var p updateResponsePayload
	if err := jsoniter.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("failed to parse update payload: %w", err)
	}
	if p.Workflow.ID == "" {
		return nil, fmt.Errorf("update payload carries no workflow id")
	}
	return &Workflow{
		ID:       p.Workflow.ID,
		Action:   p.Workflow.Action,
		Manifest: p.UpdateManifest,
	}, nil
}
