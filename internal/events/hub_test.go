package events_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jobbyist/yute-za/internal/events"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHubBroadcast(t *testing.T) {
	hub := events.NewHub(zap.NewNop())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Subscribe(w, r, 42)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the server a beat to register the subscriber.
	time.Sleep(50 * time.Millisecond)

	hub.Publish(events.Event{Type: events.VoteCast, CircleID: 42, Payload: map[string]any{"proposal_id": 7}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Event
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, events.VoteCast, got.Type)
	require.EqualValues(t, 42, got.CircleID)
	require.False(t, got.At.IsZero())
}

// Many request goroutines publish to the same subscribed circle at once;
// every event must arrive and no write may trip the websocket library's
// single-writer rule.
func TestHubPublishConcurrent(t *testing.T) {
	hub := events.NewHub(zap.NewNop())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Subscribe(w, r, 9)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)

	const publishers, perPublisher = 8, 25
	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perPublisher; j++ {
				hub.Publish(events.Event{Type: events.VoteCast, CircleID: 9, Payload: map[string]any{"proposal_id": j}})
			}
		}()
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for got := 0; got < publishers*perPublisher; got++ {
		var evt events.Event
		require.NoError(t, conn.ReadJSON(&evt))
		require.EqualValues(t, 9, evt.CircleID)
	}
	wg.Wait()
}

func TestHubIgnoresOtherCircles(t *testing.T) {
	hub := events.NewHub(zap.NewNop())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Subscribe(w, r, 1)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	hub.Publish(events.Event{Type: events.VoteCast, CircleID: 2})

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var got events.Event
	require.Error(t, conn.ReadJSON(&got), "events for other circles must not arrive")
}
