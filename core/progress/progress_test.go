package progress_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/certops/core/operation"
	"github.com/dmitrymomot/certops/core/progress"
)

func sampleOp(targetID string, prog int) *operation.Operation {
	return &operation.Operation{
		ID:       "op-" + targetID,
		TargetID: targetID,
		Kind:     operation.KindCertificateRenewal,
		Status:   operation.StatusInProgress,
		Progress: prog,
	}
}

func TestHub_PublishReachesSubscribers(t *testing.T) {
	t.Parallel()

	hub := progress.NewHub(8)
	defer hub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := hub.Subscribe(ctx)
	hub.Publish("cucm-pub-01", sampleOp("cucm-pub-01", 40))

	select {
	case msg := <-sub.Receive(ctx):
		assert.Equal(t, "cucm-pub-01", msg.Data.TargetID)
		assert.Equal(t, 40, msg.Data.Operation.Progress)
	case <-time.After(time.Second):
		t.Fatal("no update received")
	}
}

func TestHub_PublishAfterCloseDoesNotPanic(t *testing.T) {
	t.Parallel()

	hub := progress.NewHub(1)
	require.NoError(t, hub.Close())
	hub.Publish("cucm-pub-01", sampleOp("cucm-pub-01", 10))
}

func TestWSHandler_StreamsUpdates(t *testing.T) {
	t.Parallel()

	hub := progress.NewHub(8)
	defer hub.Close()

	srv := httptest.NewServer(progress.NewWSHandler(hub, progress.WithWSAllowAnyOrigin()))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?target=cucm-pub-01"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	// Give the server loop time to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)

	hub.Publish("other-target", sampleOp("other-target", 10))
	hub.Publish("cucm-pub-01", sampleOp("cucm-pub-01", 55))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var update progress.Update
	require.NoError(t, conn.ReadJSON(&update))

	// The other-target update is filtered out; the first frame is ours.
	assert.Equal(t, "cucm-pub-01", update.TargetID)
	assert.Equal(t, 55, update.Operation.Progress)
}

func TestWSHandler_RejectsCrossOriginByDefault(t *testing.T) {
	t.Parallel()

	hub := progress.NewHub(1)
	defer hub.Close()

	srv := httptest.NewServer(progress.NewWSHandler(hub))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	if resp != nil {
		defer resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
}
