package operations

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/retriable"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/shared"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/statestore"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/workqueue"
)

type updateFixture struct {
	store *statestore.Store
	ch    *fakeChannel
	queue *workqueue.Queue
	repq  *fakeReportingQueue
	op    *retriable.Operation
}

func newUpdateFixture(t *testing.T) *updateFixture {
	t.Helper()
	f := &updateFixture{
		store: enrolledStore(t),
		ch:    newFakeChannel(),
		queue: workqueue.New(),
		repq:  &fakeReportingQueue{},
	}
	f.store.SetIsAgentInfoReported(true)
	f.op = NewUpdateOperation(f.store, f.ch, f.queue, f.repq, retriable.DefaultRetryParams())
	f.op.Init(true)
	return f
}

// sends drives the fixture through the subscribe and send polls.
func (f *updateFixture) send(t *testing.T) *publishRecord {
	t.Helper()
	require.True(t, f.op.DoWork()) // subscribe
	require.True(t, f.op.DoWork()) // send
	rec := f.ch.lastPublish()
	require.NotNil(t, rec)
	return rec
}

func TestUpdateRequestResumesAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent-state.json")

	before := statestore.New(path)
	before.SetExternalDeviceID("d4757af7-9a58-4a8d-a3a6-b11257d25451")
	before.SetDeviceID("device-1")
	before.SetIsDeviceEnrolled(true)
	before.SetIsAgentInfoReported(true)
	before.SetScopeID("fooScope")

	// Restart: enrollment flags and scope come back from the snapshot,
	// registration is set again at boot.
	store := statestore.New(path)
	store.SetIsDeviceRegistered(true)
	ch := newFakeChannel()

	enrollment := NewEnrollmentOperation(store, ch, retriable.DefaultRetryParams())
	enrollment.Init(true)
	assert.True(t, enrollment.DoWork())
	assert.Equal(t, retriable.StateCompleted, enrollment.State())
	assert.Empty(t, ch.publishes)

	// The update cycle must still reach the send, deriving the scoped
	// topics from the persisted scope.
	f := &updateFixture{
		store: store,
		ch:    ch,
		queue: workqueue.New(),
		repq:  &fakeReportingQueue{},
	}
	f.op = NewUpdateOperation(store, ch, f.queue, f.repq, retriable.DefaultRetryParams())
	f.op.Init(true)
	rec := f.send(t)

	assert.Equal(t, "adu/oto/d4757af7-9a58-4a8d-a3a6-b11257d25451/a/fooScope", rec.Topic)
	assert.Equal(t, shared.MessageTypeUpdateRequest, rec.UserProps[shared.PropertyMessageType])
	assert.Equal(t, UpdateStateRequestAck, UpdateDataFromOperation(f.op).State)
}

func TestUpdateRequestRequiresAgentInfo(t *testing.T) {
	f := newUpdateFixture(t)
	f.store.SetIsAgentInfoReported(false)

	assert.False(t, f.op.DoWork())
	assert.Empty(t, f.ch.publishes)
}

func TestUpdateRequestSendCycle(t *testing.T) {
	f := newUpdateFixture(t)
	rec := f.send(t)

	assert.Equal(t, "adu/oto/d4757af7-9a58-4a8d-a3a6-b11257d25451/a/fooScope", rec.Topic)
	assert.Equal(t, shared.EmptyJSONPayload, rec.Payload)
	assert.Equal(t, shared.MessageTypeUpdateRequest, rec.UserProps[shared.PropertyMessageType])
	assert.Equal(t, shared.ProtocolID, rec.UserProps[shared.PropertyProtocolID])
	assert.Len(t, rec.Correlation, 32)

	data := UpdateDataFromOperation(f.op)
	assert.Equal(t, UpdateStateRequestAck, data.State)
	assert.False(t, f.op.LastExecutionTime.IsZero())
}

func TestUpdateResponseSuccessEnqueuesWork(t *testing.T) {
	f := newUpdateFixture(t)
	f.send(t)

	payload := `{"workflow":{"id":"wf-1","action":3},"updateManifest":{"manifestVersion":5}}`
	f.op.Lock()
	ok := HandleUpdateResponse(f.op, f.store,
		shared.ResponseUserProperties{ProtocolID: shared.ProtocolID, ResultCode: shared.ResultSuccess},
		[]byte(payload))
	f.op.Unlock()

	assert.True(t, ok)
	assert.Equal(t, UpdateStateProcessingUpdate, UpdateDataFromOperation(f.op).State)

	item, status := f.queue.GetNextWork(time.Second)
	require.Equal(t, workqueue.PopOK, status)
	assert.Equal(t, payload, item.JSON)
	assert.Same(t, f.op, item.Context)
}

func TestUpdateResponseBadRequestIdles(t *testing.T) {
	f := newUpdateFixture(t)
	f.send(t)

	f.op.Lock()
	ok := HandleUpdateResponse(f.op, f.store,
		shared.ResponseUserProperties{ProtocolID: shared.ProtocolID, ResultCode: shared.ResultBadRequest},
		nil)
	f.op.Unlock()

	assert.False(t, ok)
	assert.Equal(t, UpdateStateIdleWait, UpdateDataFromOperation(f.op).State)
	assert.True(t, f.op.NextExecutionTime.After(time.Now().Add(updBadRequestWait-5*time.Second)))
}

func TestUpdateResponseBusyEntersRetryWait(t *testing.T) {
	f := newUpdateFixture(t)
	f.send(t)

	f.op.Lock()
	ok := HandleUpdateResponse(f.op, f.store,
		shared.ResponseUserProperties{ProtocolID: shared.ProtocolID, ResultCode: shared.ResultBusy},
		nil)
	f.op.Unlock()

	assert.False(t, ok)
	assert.Equal(t, UpdateStateRetryWait, UpdateDataFromOperation(f.op).State)
	assert.True(t, f.op.NextExecutionTime.After(time.Now().Add(updServiceBusyWait-5*time.Second)))
}

func TestUpdateResponseNotEnrolledResetsFlags(t *testing.T) {
	f := newUpdateFixture(t)
	f.send(t)

	f.op.Lock()
	ok := HandleUpdateResponse(f.op, f.store,
		shared.ResponseUserProperties{ProtocolID: shared.ProtocolID, ResultCode: shared.ResultAgentNotEnrolled},
		nil)
	f.op.Unlock()

	assert.False(t, ok)
	assert.False(t, f.store.IsDeviceEnrolled())
	assert.False(t, f.store.IsAgentInfoReported())

	data := UpdateDataFromOperation(f.op)
	assert.Equal(t, UpdateStateIdleWait, data.State)
	assert.Equal(t, "", data.MessageContext.CorrelationID)
}

func TestUpdateRetryExhaustion(t *testing.T) {
	params := retriable.DefaultRetryParams()
	for i := range params {
		params[i].MaxRetries = 2
		params[i].FallbackWaitTimeSecs = 30
	}

	f := &updateFixture{
		store: enrolledStore(t),
		ch:    newFakeChannel(),
		queue: workqueue.New(),
		repq:  &fakeReportingQueue{},
	}
	f.store.SetIsAgentInfoReported(true)
	failures := 0
	f.op = NewUpdateOperation(f.store, f.ch, f.queue, f.repq, params)
	f.op.OnFailure = func(o *retriable.Operation) { failures++ }
	f.op.Init(true)

	data := UpdateDataFromOperation(f.op)

	f.op.Lock()
	assert.True(t, f.op.Retry(retriable.ParamsDefault))
	assert.Equal(t, UpdateStateRetryWait, data.State)
	assert.True(t, f.op.Retry(retriable.ParamsDefault))
	assert.Equal(t, UpdateStateRetryWait, data.State)
	assert.Equal(t, 0, failures)

	// Third retry exceeds maxRetries and gives up the cycle.
	assert.True(t, f.op.Retry(retriable.ParamsDefault))
	assert.Equal(t, UpdateStateIdleWait, data.State)
	assert.Equal(t, uint(0), f.op.AttemptCount)
	assert.Equal(t, 1, failures)
	f.op.Unlock()
}

func TestUpdateCancelIdlesTheCycle(t *testing.T) {
	f := newUpdateFixture(t)
	f.send(t)
	require.Equal(t, retriable.StateInProgress, f.op.State())

	f.op.Lock()
	assert.True(t, f.op.Cancel())
	f.op.Unlock()

	data := UpdateDataFromOperation(f.op)
	assert.Equal(t, UpdateStateIdleWait, data.State)
	assert.Equal(t, "", data.MessageContext.CorrelationID)
	assert.Equal(t, retriable.StateNotStarted, f.op.State())
	assert.True(t, f.op.NextExecutionTime.After(time.Now().Add(updCancelledWait-5*time.Second)))
}

func TestUpdateRequestAckTimeout(t *testing.T) {
	f := newUpdateFixture(t)
	f.send(t)

	f.op.Lock()
	f.op.LastExecutionTime = time.Now().Add(-updRequestAckTimeout - time.Second)
	f.op.Unlock()

	assert.True(t, f.op.DoWork())
	assert.Equal(t, UpdateStateIdleWait, UpdateDataFromOperation(f.op).State)
}

func TestUpdateNotificationWakesIdleWait(t *testing.T) {
	f := newUpdateFixture(t)
	data := UpdateDataFromOperation(f.op)

	f.op.Lock()
	data.SetState(UpdateStateIdleWait, "test")
	f.op.NextExecutionTime = time.Now().Add(time.Hour)
	HandleUpdateNotification(f.op)
	f.op.Unlock()

	assert.False(t, f.op.NextExecutionTime.After(time.Now()))

	// Outside IdleWait the notification is a no-op.
	f.op.Lock()
	data.SetState(UpdateStateRequestAck, "test")
	f.op.NextExecutionTime = time.Now().Add(time.Hour)
	HandleUpdateNotification(f.op)
	future := f.op.NextExecutionTime
	f.op.Unlock()
	assert.True(t, future.After(time.Now()))
}

func TestPublishResultsReportsAndDequeues(t *testing.T) {
	f := newUpdateFixture(t)
	data := UpdateDataFromOperation(f.op)

	require.NoError(t, f.repq.Enqueue(`{"state":0,"workflowId":"wf-1"}`))

	f.op.Lock()
	data.SetState(UpdateStateReportResults, "test")
	f.op.Unlock()

	assert.True(t, f.op.DoWork())

	rec := f.ch.lastPublish()
	require.NotNil(t, rec)
	assert.Equal(t, shared.MessageTypeUpdateResultsReport, rec.UserProps[shared.PropertyMessageType])
	assert.Equal(t, `{"state":0,"workflowId":"wf-1"}`, rec.Payload)

	assert.Equal(t, uint64(0), f.repq.Length())
	assert.Equal(t, UpdateStateIdleWait, data.State)
}

func TestPublishResultsKeepsPayloadOnFailure(t *testing.T) {
	f := newUpdateFixture(t)
	data := UpdateDataFromOperation(f.op)
	f.ch.publishErr = assert.AnError

	require.NoError(t, f.repq.Enqueue(`{"state":255}`))

	f.op.Lock()
	data.SetState(UpdateStateReportResults, "test")
	f.op.Unlock()

	assert.True(t, f.op.DoWork())

	// Payload must survive the failed publish for the next attempt.
	assert.Equal(t, uint64(1), f.repq.Length())
	assert.Equal(t, UpdateStateReportResults, data.State)
}
