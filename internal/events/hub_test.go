package events_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"montage/internal/events"
)

func TestHubRingKeepsNewest(t *testing.T) {
	hub := events.NewHub(3)
	for i := 0; i < 5; i++ {
		hub.Publish(events.TypeJobTransition, map[string]int{"n": i})
	}
	all := hub.Since(0)
	require.Len(t, all, 3)
	assert.Equal(t, int64(3), all[0].ID)
	assert.Equal(t, int64(5), all[2].ID)

	var payload map[string]int
	require.NoError(t, json.Unmarshal(all[2].Data, &payload))
	assert.Equal(t, 4, payload["n"])

	assert.Len(t, hub.Since(4), 1)
}

func TestHubSubscribeReceivesAndCancels(t *testing.T) {
	hub := events.NewHub(10)
	ch, cancel := hub.Subscribe()
	hub.Publish(events.TypeBatchTransition, nil)

	select {
	case ev := <-ch:
		assert.Equal(t, events.TypeBatchTransition, ev.Type)
		assert.JSONEq(t, `{}`, string(ev.Data))
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}

	cancel()
	_, open := <-ch
	assert.False(t, open)
	hub.Publish(events.TypeBatchTransition, nil)
}
