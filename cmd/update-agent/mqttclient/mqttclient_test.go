package mqttclient

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/statestore"
)

func TestClassifyPublishFailure(t *testing.T) {
	tests := []struct {
		name       string
		reasonCode byte
		err        error
		expected   PublishFailureClass
	}{
		{"success", PubackSuccess, nil, PublishOK},
		{"not connected", 0, ErrNotConnected, PublishFailureNoConnection},
		{"wrapped not connected", 0, errors.Join(errors.New("publish"), ErrNotConnected), PublishFailureNoConnection},
		{"topic name invalid", PubackTopicNameInvalid, errors.New("puback"), PublishFailureFatal},
		{"packet id in use", PubackPacketIDInUse, errors.New("puback"), PublishFailureFatal},
		{"quota exceeded", PubackQuotaExceeded, errors.New("puback"), PublishFailureFatal},
		{"payload format invalid", PubackPayloadFormatInvalid, errors.New("puback"), PublishFailureFatal},
		{"no matching subscribers", PubackNoMatchingSubscribers, nil, PublishFailureTransient},
		{"unspecified error", PubackUnspecifiedError, errors.New("puback"), PublishFailureTransient},
		{"not authorized", PubackNotAuthorized, errors.New("puback"), PublishFailureTransient},
		{"timeout", 0, errors.New("context deadline exceeded"), PublishFailureTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ClassifyPublishFailure(tt.reasonCode, tt.err))
		})
	}
}

func TestPublishWithoutConnection(t *testing.T) {
	c := New(statestore.New(""), Config{Broker: "localhost:1883"})

	_, err := c.Publish(context.Background(), "adu/oto/dev/a", []byte("{}"), 1, false, nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	err = c.Subscribe(context.Background(), "adu/oto/dev/s", 1)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestIsSubscribedTracksStateStore(t *testing.T) {
	store := statestore.New("")
	c := New(store, Config{Broker: "localhost:1883"})

	assert.False(t, c.IsSubscribed("adu/oto/dev/s"))
	assert.NoError(t, store.SetTopicSubscribedStatus("adu/oto/dev/s", true))
	assert.True(t, c.IsSubscribed("adu/oto/dev/s"))
}
