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

// Package statestore is the process-wide registry of agent identity,
// enrollment flags and shared handles. Identity and enrollment survive
// restarts through a small JSON snapshot file.
package statestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/goccy/go-json"
	"go.uber.org/zap"
)

type persistedState struct {
	ExternalDeviceID    string `json:"externalDeviceId"`
	DeviceID            string `json:"deviceId"`
	ScopeID             string `json:"scopeId"`
	IsDeviceEnrolled    bool   `json:"isDeviceEnrolled"`
	IsAgentInfoReported bool   `json:"isAgentInfoReported"`
}

// Store is safe for concurrent use by the tick loop, the MQTT router
// goroutine and the update worker.
type Store struct {
	mu sync.Mutex

	filePath string

	// Snapshot writes happen outside mu; fileMu orders them and the
	// sequence numbers keep a slow writer from clobbering a newer
	// snapshot.
	fileMu     sync.Mutex
	saveSeq    uint64
	writtenSeq uint64

	externalDeviceID    string
	deviceID            string
	scopeID             string
	mqttBrokerHostname  string
	isDeviceRegistered  bool
	isDeviceEnrolled    bool
	isAgentInfoReported bool

	communicationChannel any
	updateWorkQueue      any
	reportingWorkQueue   any

	subscribedTopics map[string]bool
}

var (
	store *Store
	once  sync.Once
)

// Init creates the process-wide store, loading the durable snapshot from
// filePath if one exists. Subsequent calls return the same store.
func Init(filePath string) *Store {
	once.Do(func() {
		store = New(filePath)
	})
	return store
}

// Get returns the store created by Init, or nil if Init has not run.
func Get() *Store {
	return store
}

// New creates an unshared store. Production code goes through Init.
func New(filePath string) *Store {
	s := &Store{
		filePath:         filePath,
		subscribedTopics: make(map[string]bool),
	}
	s.load()
	return s
}

func (s *Store) load() {
	if s.filePath == "" {
		return
	}
	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			zap.S().Warnf("failed to read state snapshot %s: %s", s.filePath, err)
		}
		return
	}
	var p persistedState
	if err := jsoniter.Unmarshal(raw, &p); err != nil {
		zap.S().Warnf("failed to parse state snapshot %s: %s", s.filePath, err)
		return
	}
	s.externalDeviceID = p.ExternalDeviceID
	s.deviceID = p.DeviceID
	s.scopeID = p.ScopeID
	s.isDeviceEnrolled = p.IsDeviceEnrolled
	s.isAgentInfoReported = p.IsAgentInfoReported
}

// snapshotLocked captures the durable fields and a write sequence
// number. Callers must hold s.mu; the file write itself happens in
// writeSnapshot, after the lock is released.
func (s *Store) snapshotLocked() (persistedState, uint64) {
	s.saveSeq++
	return persistedState{
		ExternalDeviceID:    s.externalDeviceID,
		DeviceID:            s.deviceID,
		ScopeID:             s.scopeID,
		IsDeviceEnrolled:    s.isDeviceEnrolled,
		IsAgentInfoReported: s.isAgentInfoReported,
	}, s.saveSeq
}

// writeSnapshot persists a captured snapshot. Runs without s.mu held so
// no accessor ever blocks on file IO.
func (s *Store) writeSnapshot(p persistedState, seq uint64) {
	if s.filePath == "" {
		return
	}
	raw, err := jsoniter.Marshal(p)
	if err != nil {
		zap.S().Errorf("failed to marshal state snapshot: %s", err)
		return
	}

	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if seq <= s.writtenSeq {
		// A newer snapshot is already on disk.
		return
	}
	s.writtenSeq = seq

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		zap.S().Warnf("failed to create state directory: %s", err)
		return
	}
	if err := os.WriteFile(s.filePath, raw, 0o600); err != nil {
		zap.S().Warnf("failed to write state snapshot %s: %s", s.filePath, err)
	}
}

func (s *Store) GetExternalDeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.externalDeviceID
}

func (s *Store) SetExternalDeviceID(id string) {
	s.mu.Lock()
	s.externalDeviceID = id
	p, seq := s.snapshotLocked()
	s.mu.Unlock()
	s.writeSnapshot(p, seq)
}

func (s *Store) GetDeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

func (s *Store) SetDeviceID(id string) {
	s.mu.Lock()
	s.deviceID = id
	p, seq := s.snapshotLocked()
	s.mu.Unlock()
	s.writeSnapshot(p, seq)
}

// ScopeID is durable: the scoped topics must be derivable right after a
// restart, when the enrollment exchange is skipped because the enrolled
// flag is still set.
func (s *Store) GetScopeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scopeID
}

func (s *Store) SetScopeID(scopeID string) {
	s.mu.Lock()
	s.scopeID = scopeID
	p, seq := s.snapshotLocked()
	s.mu.Unlock()
	s.writeSnapshot(p, seq)
}

func (s *Store) GetMQTTBrokerHostname() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mqttBrokerHostname
}

func (s *Store) SetMQTTBrokerHostname(hostname string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mqttBrokerHostname = hostname
}

func (s *Store) IsDeviceRegistered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isDeviceRegistered
}

func (s *Store) SetIsDeviceRegistered(registered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isDeviceRegistered = registered
}

func (s *Store) IsDeviceEnrolled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isDeviceEnrolled
}

func (s *Store) SetIsDeviceEnrolled(enrolled bool) {
	s.mu.Lock()
	s.isDeviceEnrolled = enrolled
	p, seq := s.snapshotLocked()
	s.mu.Unlock()
	s.writeSnapshot(p, seq)
}

func (s *Store) IsAgentInfoReported() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isAgentInfoReported
}

func (s *Store) SetIsAgentInfoReported(reported bool) {
	s.mu.Lock()
	s.isAgentInfoReported = reported
	p, seq := s.snapshotLocked()
	s.mu.Unlock()
	s.writeSnapshot(p, seq)
}

func (s *Store) GetCommunicationChannel() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.communicationChannel
}

func (s *Store) SetCommunicationChannel(channel any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.communicationChannel = channel
}

func (s *Store) GetUpdateWorkQueue() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateWorkQueue
}

func (s *Store) SetUpdateWorkQueue(queue any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateWorkQueue = queue
}

func (s *Store) GetReportingWorkQueue() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reportingWorkQueue
}

func (s *Store) SetReportingWorkQueue(queue any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reportingWorkQueue = queue
}

func (s *Store) GetTopicSubscribedStatus(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribedTopics[topic]
}

func (s *Store) SetTopicSubscribedStatus(topic string, subscribed bool) error {
	if topic == "" {
		return fmt.Errorf("empty topic")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if subscribed {
		s.subscribedTopics[topic] = true
	} else {
		delete(s.subscribedTopics, topic)
	}
	return nil
}
