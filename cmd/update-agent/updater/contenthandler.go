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
	"sync"
)

// Result codes of the content handler phases. Zero is failure, any
// positive value is a success of the phase it belongs to.
const (
	ResultFailure                 = 0
	ResultDownloadSuccess         = 500
	ResultInstallSuccess          = 600
	ResultApplySuccess            = 700
	ResultIsInstalledInstalled    = 900
	ResultIsInstalledNotInstalled = 901
)

// Extended result codes of the processing pipeline itself.
const (
	ErcWorkflowParseFailure       int64 = 0x30100001
	ErcUnsupportedManifestVersion int64 = 0x30100002
	ErcNoContentHandler           int64 = 0x30100003
)

// Result of one content handler phase.
type Result struct {
	ResultCode         int
	ExtendedResultCode int64
	ResultDetails      string
}

func (r Result) IsSuccess() bool {
	return r.ResultCode > 0
}

// ContentHandler executes an update on the device. Implementations are
// registered per manifest generation; the agent itself never touches
// update content.
type ContentHandler interface {
	IsInstalled(workflow *Workflow) Result
	Download(workflow *Workflow) Result
	Install(workflow *Workflow) Result
	Apply(workflow *Workflow) Result
}

// handlerKeyFmt matches the update manifest handler identifiers.
const handlerKeyFmt = "microsoft/update-manifest:%d"

// Registry maps handler identifiers to content handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]ContentHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]ContentHandler)}
}

// Register installs a handler under the given identifier, replacing any
// previous registration.
func (r *Registry) Register(key string, handler ContentHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key] = handler
}

// RegisterForManifestVersion installs a handler for one manifest
// generation.
func (r *Registry) RegisterForManifestVersion(version int, handler ContentHandler) {
	r.Register(fmt.Sprintf(handlerKeyFmt, version), handler)
}

// Load resolves the handler for a manifest generation.
func (r *Registry) Load(manifestVersion int) (ContentHandler, error) {
	key := fmt.Sprintf(handlerKeyFmt, manifestVersion)
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[key]
	if !ok {
		return nil, fmt.Errorf("no content handler registered for %s", key)
	}
	return handler, nil
}
