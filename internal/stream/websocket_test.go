package stream

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browser-pilot/internal/events"
	"github.com/shehryarbajwa/browser-pilot/pkg/models"
)

func dial(t *testing.T, bus *events.Bus, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(NewServer(bus, nil))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return bus.Count() == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

func TestStreamDeliversEvents(t *testing.T) {
	bus := events.NewBus(nil, nil)
	conn := dial(t, bus, "")

	bus.Emit(models.EventNavigation, map[string]any{"url": "https://example.com"})

	var evt models.Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, models.EventNavigation, evt.Type)
	assert.Equal(t, "https://example.com", evt.Data["url"])
	assert.False(t, evt.Timestamp.IsZero())
}

func TestStreamFiltersTypes(t *testing.T) {
	bus := events.NewBus(nil, nil)
	conn := dial(t, bus, "?types=error")

	bus.Emit(models.EventStatus, map[string]any{"status": "started"})
	bus.Emit(models.EventError, map[string]any{"error": "boom"})

	var evt models.Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, models.EventError, evt.Type)
}

func TestStreamUnsubscribesOnDisconnect(t *testing.T) {
	bus := events.NewBus(nil, nil)
	conn := dial(t, bus, "")

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return bus.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamClosesWhenBusCloses(t *testing.T) {
	bus := events.NewBus(nil, nil)
	conn := dial(t, bus, "")

	bus.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), err.Error())
}

func TestParseTypes(t *testing.T) {
	f := parseTypes(" navigation, ,error ")
	assert.True(t, f.match(models.EventNavigation))
	assert.True(t, f.match(models.EventError))
	assert.False(t, f.match(models.EventScreenshot))
	assert.True(t, parseTypes("").match(models.EventScreenshot))
}
