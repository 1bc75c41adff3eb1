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

package main

import (
	"context"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/mqttclient"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/operations"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/retriable"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/statestore"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/updater"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/workqueue"
	"github.com/united-manufacturing-hub/mqtt-update-agent/internal"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"go.uber.org/zap"
)

// pollInterval is how often the operation engine polls each operation.
const pollInterval = 1 * time.Second

func main() {
	var err error
	logLevel, _ := env.GetAsString("LOGGING_LEVEL", false, "PRODUCTION") //nolint:errcheck
	log := logger.New(logLevel)
	defer func(logger *zap.SugaredLogger) {
		err = logger.Sync()
		if err != nil {
			panic(err)
		}
	}(log)

	internal.Initfgtrace()

	zap.S().Debug("Checking environment variables")
	brokerURL, err := env.GetAsString("MQTT_BROKER_URL", true, "")
	if err != nil {
		zap.S().Fatal(err)
	}
	serialNumber, err := env.GetAsString("SERIAL_NUMBER", true, "")
	if err != nil {
		zap.S().Fatal(err)
	}
	externalDeviceID, err := env.GetAsString("EXTERNAL_DEVICE_ID", true, "")
	if err != nil {
		zap.S().Fatal(err)
	}
	deviceID, err := env.GetAsString("DEVICE_ID", false, externalDeviceID)
	if err != nil {
		zap.S().Error(err)
	}

	mqttUsername, err := env.GetAsString("MQTT_USERNAME", false, "")
	if err != nil {
		zap.S().Error(err)
	}
	mqttPassword, err := env.GetAsString("MQTT_PASSWORD", false, "")
	if err != nil {
		zap.S().Error(err)
	}
	enableSSL, err := env.GetAsBool("MQTT_ENABLE_SSL", false, false)
	if err != nil {
		zap.S().Error(err)
	}
	caCertPath, _ := env.GetAsString("MQTT_CA_CERT_PATH", false, "")         //nolint:errcheck
	clientCertPath, _ := env.GetAsString("MQTT_CLIENT_CERT_PATH", false, "") //nolint:errcheck
	clientKeyPath, _ := env.GetAsString("MQTT_CLIENT_KEY_PATH", false, "")   //nolint:errcheck
	insecureSkipVerify, err := env.GetAsBool("MQTT_INSECURE_SKIP_VERIFY", false, false)
	if err != nil {
		zap.S().Error(err)
	}

	manufacturer, err := env.GetAsString("MANUFACTURER", true, "")
	if err != nil {
		zap.S().Fatal(err)
	}
	model, err := env.GetAsString("MODEL", true, "")
	if err != nil {
		zap.S().Fatal(err)
	}

	stateStorePath, err := env.GetAsString("STATE_STORE_PATH", false, "/var/lib/update-agent/agent-state.json")
	if err != nil {
		zap.S().Error(err)
	}
	reportingQueuePath, err := env.GetAsString("REPORTING_QUEUE_PATH", false, "/var/lib/update-agent/reporting-queue")
	if err != nil {
		zap.S().Error(err)
	}

	enrollmentRetryParams := retriable.RetryParamsFromEnv("ENROLLMENT_RETRY_PARAMS")
	agentInfoRetryParams := retriable.RetryParamsFromEnv("AGENTINFO_RETRY_PARAMS")
	updateRetryParams := retriable.RetryParamsFromEnv("UPDATE_RETRY_PARAMS")

	store := statestore.Init(stateStorePath)
	store.SetExternalDeviceID(externalDeviceID)
	store.SetDeviceID(deviceID)
	store.SetMQTTBrokerHostname(brokerURL)
	store.SetIsDeviceRegistered(true)

	channel := mqttclient.New(store, mqttclient.Config{
		Broker:             brokerURL,
		ClientID:           serialNumber,
		Username:           mqttUsername,
		Password:           mqttPassword,
		EnableSSL:          enableSSL,
		CACertPath:         caCertPath,
		ClientCertPath:     clientCertPath,
		ClientKeyPath:      clientKeyPath,
		InsecureSkipVerify: insecureSkipVerify,
	})

	updateQueue := workqueue.New()
	reportingQueue, err := updater.OpenReportingQueue(reportingQueuePath)
	if err != nil {
		zap.S().Fatalf("Failed to open reporting queue: %s", err)
	}

	store.SetCommunicationChannel(channel)
	store.SetUpdateWorkQueue(updateQueue)
	store.SetReportingWorkQueue(reportingQueue)

	enrollmentIntervalSecs, err := env.GetAsInt(
		"ENROLLMENT_OPERATION_INTERVAL_SECONDS", false, operations.DefaultEnrollmentOperationIntervalSecs)
	if err != nil {
		zap.S().Error(err)
	}
	agentInfoIntervalSecs, err := env.GetAsInt(
		"AGENTINFO_OPERATION_INTERVAL_SECONDS", false, operations.DefaultAgentInfoOperationIntervalSecs)
	if err != nil {
		zap.S().Error(err)
	}

	enrollment := operations.NewEnrollmentOperation(store, channel, enrollmentRetryParams)
	agentInfo := operations.NewAgentInfoOperation(store, channel, operations.CompatProperties{
		Manufacturer: manufacturer,
		Model:        model,
	}, agentInfoRetryParams)
	update := operations.NewUpdateOperation(store, channel, updateQueue, reportingQueue, updateRetryParams)
	enrollment.OperationInterval = time.Duration(enrollmentIntervalSecs) * time.Second
	agentInfo.OperationInterval = time.Duration(agentInfoIntervalSecs) * time.Second
	enrollment.Init(true)
	agentInfo.Init(true)
	update.Init(true)

	dispatcher := operations.NewDispatcher(store, enrollment, agentInfo, update)
	channel.RegisterMessageHandler(dispatcher.Handle)

	// Content handlers are registered here. The agent ships without a
	// built-in one, so deployments report a failure until an
	// integration registers its handler.
	registry := updater.NewRegistry()

	zap.S().Debug("Starting healthcheck")
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000000))
	health.AddReadinessCheck("mqtt-connected", func() error {
		if channel.State() != mqttclient.StateConnected {
			return mqttclient.ErrNotConnected
		}
		return nil
	})
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:8086", health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())

	gs := internal.NewGracefulShutdown(func() error {
		cancel()
		updateQueue.Close()
		if err := channel.Disconnect(); err != nil {
			zap.S().Warnf("Error disconnecting from broker: %s", err)
		}
		return reportingQueue.Close()
	})

	if err := channel.Connect(ctx); err != nil {
		zap.S().Fatalf("Failed to connect to broker: %s", err)
	}

	go updater.RunWorker(updateQueue, registry, reportingQueue)

	go func() {
		ops := []*retriable.Operation{enrollment, agentInfo, update}
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			channel.DoWork(ctx)
			for _, op := range ops {
				op.DoWork()
			}
		}
	}()

	gs.Wait()
}
