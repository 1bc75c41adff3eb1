package operations

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/retriable"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/shared"
)

func TestEnrollmentSendCycle(t *testing.T) {
	store := readyStore()
	ch := newFakeChannel()
	op := NewEnrollmentOperation(store, ch, retriable.DefaultRetryParams())
	op.Init(true)

	// First poll establishes the subscription, nothing is sent yet.
	assert.True(t, op.DoWork())
	assert.Empty(t, ch.publishes)
	assert.True(t, ch.IsSubscribed("adu/oto/d4757af7-9a58-4a8d-a3a6-b11257d25451/s"))

	// Second poll sends the request.
	assert.True(t, op.DoWork())
	rec := ch.lastPublish()
	require.NotNil(t, rec)

	assert.Equal(t, "adu/oto/d4757af7-9a58-4a8d-a3a6-b11257d25451/a", rec.Topic)
	assert.Equal(t, shared.EmptyJSONPayload, rec.Payload)
	assert.Equal(t, shared.QoSAtLeastOnce, rec.QoS)
	assert.Equal(t, shared.MessageTypeEnrollmentRequest, rec.UserProps[shared.PropertyMessageType])
	assert.Equal(t, shared.ProtocolID, rec.UserProps[shared.PropertyProtocolID])
	assert.Equal(t, shared.ContentTypeJSON, rec.ContentType)
	assert.Len(t, rec.Correlation, 32)
	assert.NotContains(t, rec.Correlation, "-")

	data := EnrollmentDataFromOperation(op)
	assert.Equal(t, EnrollmentStateRequesting, data.State)
	assert.Equal(t, retriable.StateInProgress, op.State())
	assert.Equal(t, rec.Correlation, data.MessageContext.CorrelationID)
}

func TestEnrollmentSkipsWhenAlreadyEnrolled(t *testing.T) {
	store := readyStore()
	store.SetIsDeviceEnrolled(true)
	ch := newFakeChannel()
	op := NewEnrollmentOperation(store, ch, retriable.DefaultRetryParams())
	op.Init(true)

	assert.True(t, op.DoWork())
	assert.Empty(t, ch.publishes)
	assert.Equal(t, retriable.StateCompleted, op.State())
}

func TestEnrollmentResponseEnrolls(t *testing.T) {
	store := readyStore()
	ch := newFakeChannel()
	op := NewEnrollmentOperation(store, ch, retriable.DefaultRetryParams())
	op.Init(true)
	op.DoWork()
	op.DoWork()

	op.Lock()
	ok := HandleEnrollmentResponse(op, store,
		shared.ResponseUserProperties{ProtocolID: shared.ProtocolID, ResultCode: shared.ResultSuccess},
		[]byte(`{"IsEnrolled":true,"ScopeId":"fooScope"}`))
	op.Unlock()

	assert.True(t, ok)
	assert.True(t, store.IsDeviceEnrolled())
	assert.Equal(t, "fooScope", store.GetScopeID())
	assert.Equal(t, EnrollmentStateEnrolled, EnrollmentDataFromOperation(op).State)
	assert.Equal(t, retriable.StateCompleted, op.State())
}

func TestEnrollmentResponseNotEnrolled(t *testing.T) {
	store := readyStore()
	ch := newFakeChannel()
	op := NewEnrollmentOperation(store, ch, retriable.DefaultRetryParams())
	op.Init(true)
	op.DoWork()
	op.DoWork()

	op.Lock()
	ok := HandleEnrollmentResponse(op, store,
		shared.ResponseUserProperties{ProtocolID: shared.ProtocolID, ResultCode: shared.ResultSuccess},
		[]byte(`{"IsEnrolled":false,"ScopeId":"fooScope"}`))
	op.Unlock()

	assert.True(t, ok)
	assert.False(t, store.IsDeviceEnrolled())
	assert.Equal(t, "", store.GetScopeID())
	assert.Equal(t, EnrollmentStateNotEnrolled, EnrollmentDataFromOperation(op).State)
	assert.NotEqual(t, retriable.StateCompleted, op.State())
}

func TestEnrollmentResponseBadRequestCancels(t *testing.T) {
	store := readyStore()
	ch := newFakeChannel()
	op := NewEnrollmentOperation(store, ch, retriable.DefaultRetryParams())
	op.Init(true)
	op.DoWork()
	op.DoWork()

	op.Lock()
	ok := HandleEnrollmentResponse(op, store,
		shared.ResponseUserProperties{ProtocolID: shared.ProtocolID, ResultCode: shared.ResultBadRequest},
		nil)
	op.Unlock()

	assert.False(t, ok)
	data := EnrollmentDataFromOperation(op)
	assert.Equal(t, EnrollmentStateUnknown, data.State)
	assert.Equal(t, "", data.MessageContext.CorrelationID)
	assert.Equal(t, retriable.StateNotStarted, op.State())
}

func TestEnrollmentResponseRejectsWrongProtocolID(t *testing.T) {
	store := readyStore()
	ch := newFakeChannel()
	op := NewEnrollmentOperation(store, ch, retriable.DefaultRetryParams())
	op.Init(true)
	op.DoWork()
	op.DoWork()

	op.Lock()
	ok := HandleEnrollmentResponse(op, store,
		shared.ResponseUserProperties{ProtocolID: "2", ResultCode: shared.ResultSuccess},
		[]byte(`{"IsEnrolled":true,"ScopeId":"fooScope"}`))
	op.Unlock()

	assert.False(t, ok)
	assert.False(t, store.IsDeviceEnrolled())
}

func TestEnrollmentRequestTimeout(t *testing.T) {
	store := readyStore()
	ch := newFakeChannel()
	op := NewEnrollmentOperation(store, ch, retriable.DefaultRetryParams())
	op.Init(true)
	op.DoWork()
	op.DoWork()
	require.Equal(t, EnrollmentStateRequesting, EnrollmentDataFromOperation(op).State)

	op.Lock()
	op.LastExecutionTime = time.Now().Add(-enrollmentRequestTimeout - time.Second)
	op.Unlock()

	assert.True(t, op.DoWork())
	data := EnrollmentDataFromOperation(op)
	assert.Equal(t, EnrollmentStateUnknown, data.State)
	assert.Equal(t, retriable.StateNotStarted, op.State())
}

func TestEnrollmentCancelWaitsOperationInterval(t *testing.T) {
	store := readyStore()
	ch := newFakeChannel()
	op := NewEnrollmentOperation(store, ch, retriable.DefaultRetryParams())
	op.Init(true)
	op.DoWork()
	op.DoWork()
	require.Len(t, ch.publishes, 1)

	op.Lock()
	require.True(t, op.Cancel())
	op.Unlock()

	// The cancelled exchange rests for the full operation interval
	// instead of resending on the next poll.
	assert.True(t, op.NextExecutionTime.After(time.Now().Add(30*time.Minute)))
	assert.False(t, op.DoWork())
	assert.Len(t, ch.publishes, 1)
}

func TestEnrollmentPrerequisitesNotMet(t *testing.T) {
	store := readyStore()
	store.SetIsDeviceRegistered(false)
	ch := newFakeChannel()
	op := NewEnrollmentOperation(store, ch, retriable.DefaultRetryParams())
	op.Init(true)

	assert.True(t, op.DoWork())
	assert.Empty(t, ch.publishes)
	// The retry scheduled a later attempt.
	assert.True(t, op.NextExecutionTime.After(time.Now()))
	assert.Equal(t, uint(1), op.AttemptCount)
}
