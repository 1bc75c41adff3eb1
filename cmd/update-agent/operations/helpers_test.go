package operations

import (
	"context"
	"errors"

	"github.com/eclipse/paho.golang/paho"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/mqttclient"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/statestore"
)

type publishRecord struct {
	Topic       string
	Payload     string
	QoS         byte
	Correlation string
	UserProps   map[string]string
	ContentType string
}

// fakeChannel implements CommChannel for tests.
type fakeChannel struct {
	state        mqttclient.ConnectionState
	subscribed   map[string]bool
	publishes    []publishRecord
	publishRC    byte
	publishErr   error
	subscribeErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		state:      mqttclient.StateConnected,
		subscribed: make(map[string]bool),
	}
}

func (f *fakeChannel) Publish(_ context.Context, topic string, payload []byte, qos byte, _ bool, props *paho.PublishProperties) (byte, error) {
	rec := publishRecord{
		Topic:     topic,
		Payload:   string(payload),
		QoS:       qos,
		UserProps: make(map[string]string),
	}
	if props != nil {
		rec.Correlation = string(props.CorrelationData)
		rec.ContentType = props.ContentType
		for _, up := range props.User {
			rec.UserProps[up.Key] = up.Value
		}
	}
	f.publishes = append(f.publishes, rec)
	return f.publishRC, f.publishErr
}

func (f *fakeChannel) Subscribe(_ context.Context, topic string, _ byte) error {
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscribed[topic] = true
	return nil
}

func (f *fakeChannel) State() mqttclient.ConnectionState {
	return f.state
}

func (f *fakeChannel) IsSubscribed(topic string) bool {
	return f.subscribed[topic]
}

func (f *fakeChannel) lastPublish() *publishRecord {
	if len(f.publishes) == 0 {
		return nil
	}
	return &f.publishes[len(f.publishes)-1]
}

// fakeReportingQueue implements ReportingQueue in memory.
type fakeReportingQueue struct {
	items []string
}

var errQueueEmpty = errors.New("queue is empty")

func (q *fakeReportingQueue) Enqueue(payload string) error {
	q.items = append(q.items, payload)
	return nil
}

func (q *fakeReportingQueue) Peek() (string, error) {
	if len(q.items) == 0 {
		return "", errQueueEmpty
	}
	return q.items[0], nil
}

func (q *fakeReportingQueue) Dequeue() (string, error) {
	if len(q.items) == 0 {
		return "", errQueueEmpty
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, nil
}

func (q *fakeReportingQueue) Length() uint64 {
	return uint64(len(q.items))
}

// readyStore returns a store with a registered device identity.
func readyStore() *statestore.Store {
	store := statestore.New("")
	store.SetExternalDeviceID("d4757af7-9a58-4a8d-a3a6-b11257d25451")
	store.SetDeviceID("device-1")
	store.SetIsDeviceRegistered(true)
	return store
}
