package rabbitmq

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermanentErrorClassification(t *testing.T) {
	base := errors.New("malformed payload")

	assert.False(t, isPermanent(base))
	assert.False(t, isPermanent(fmt.Errorf("wrapped: %w", base)))
	assert.True(t, isPermanent(Permanent(base)))
	assert.True(t, isPermanent(fmt.Errorf("wrapped: %w", Permanent(base))))
	assert.Nil(t, Permanent(nil))
	assert.ErrorIs(t, Permanent(base), base)
}

func TestInvokeRecoversPanic(t *testing.T) {
	s := &Subscriber{}
	err := s.invoke(func(*Message) error {
		panic("boom")
	}, &Message{})

	require.Error(t, err)
	assert.True(t, isPermanent(err), "a panicking callback must not requeue the message")
	assert.Contains(t, err.Error(), "boom")
}

func TestPoolSize(t *testing.T) {
	tests := []struct {
		name         string
		workers      int
		prefetch     int
		wantWorkers  int
		wantPrefetch int
	}{
		{"independent tunables", 8, 20, 8, 20},
		{"workers capped at prefetch", 20, 8, 8, 8},
		{"zero workers", 0, 20, 1, 20},
		{"zero prefetch follows workers", 8, 0, 8, 8},
		{"both zero", 0, 0, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			workers, prefetch := poolSize(tt.workers, tt.prefetch)
			assert.Equal(t, tt.wantWorkers, workers)
			assert.Equal(t, tt.wantPrefetch, prefetch)
		})
	}
}

func TestMessageUnmarshalTo(t *testing.T) {
	msg := &Message{Body: []byte(`{"report_id":"r-42"}`)}

	var payload SubmittedMessage
	require.NoError(t, msg.UnmarshalTo(&payload))
	assert.Equal(t, "r-42", payload.ReportID)

	bad := &Message{Body: []byte("not json")}
	assert.Error(t, bad.UnmarshalTo(&payload))
}
