package wsserver

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	telemetry "github.com/arclog/telemetry"
)

func newTestClient(t *testing.T) *ConnectedClient {
	t.Helper()
	server, clientConn := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		clientConn.Close()
	})
	srv := &Server{metrics: newServerMetrics(nil)}
	return newConnectedClient(srv, clientConn, "test-client", 8, 0, 0)
}

func TestConnectedClient_SubscribeUnsubscribe(t *testing.T) {
	c := newTestClient(t)
	require.True(t, c.subscribe(1, 100))
	assert.False(t, c.subscribe(2, 100), "a second subscription to the same channel is a no-op")

	chID, ok := c.unsubscribe(1)
	require.True(t, ok)
	assert.Equal(t, telemetry.ChannelId(100), chID)

	_, ok = c.unsubscribe(1)
	assert.False(t, ok, "unsubscribing an unknown id is a no-op")
}

func TestConnectedClient_AdvertiseUnadvertise(t *testing.T) {
	c := newTestClient(t)
	ch := &advertisedClientChannel{id: 1, topic: "/cmd", encoding: "json"}
	require.True(t, c.advertiseChannel(ch))
	assert.False(t, c.advertiseChannel(ch), "duplicate client channel id is rejected")

	got, ok := c.lookupAdvertisedChannel(1)
	require.True(t, ok)
	assert.Equal(t, "/cmd", got.topic)

	_, ok = c.unadvertiseChannel(1)
	require.True(t, ok)
	_, ok = c.lookupAdvertisedChannel(1)
	assert.False(t, ok)
}

func TestConnectedClient_LogEnqueuesOnlyForSubscribedChannel(t *testing.T) {
	c := newTestClient(t)
	ctx := telemetry.NewContext()
	ch, err := ctx.ChannelBuilder("/a").MessageEncoding("json").BuildRaw()
	require.NoError(t, err)

	require.NoError(t, c.Log(ch, []byte("x"), telemetry.Metadata{LogTime: telemetry.NowTimestamp()}))
	assert.Empty(t, c.data.drain(), "no subscription means no enqueued frame")

	c.subscribe(1, ch.Id())
	require.NoError(t, c.Log(ch, []byte("x"), telemetry.Metadata{LogTime: telemetry.NowTimestamp()}))
	frames := c.data.drain()
	require.Len(t, frames, 1)
	assert.Equal(t, byte(serverOpMessageData), frames[0][0])
}

func TestServer_HandleSubscribe_UnknownChannelWarnsAndSkips(t *testing.T) {
	c := newTestClient(t)
	c.server.ctx = telemetry.NewContext()

	c.server.handleSubscribe(c, clientSubscribeMsg{
		Op:            "subscribe",
		Subscriptions: []subscribeEntry{{ID: 1, ChannelID: 999}},
	})

	select {
	case frame := <-c.control.ch:
		var msg statusMsg
		require.NoError(t, json.Unmarshal(frame, &msg))
		assert.Equal(t, int(StatusWarning), msg.Level)
	default:
		t.Fatal("expected a status warning frame for an unknown channelId")
	}
	_, ok := c.unsubscribe(1)
	assert.False(t, ok, "no subscription should have been recorded")
}

func TestServer_HandleSubscribe_FilterRejectsWarnsAndSkips(t *testing.T) {
	c := newTestClient(t)
	ctx := telemetry.NewContext()
	ch, err := ctx.ChannelBuilder("/hidden").MessageEncoding("json").BuildRaw()
	require.NoError(t, err)
	c.server.ctx = ctx
	c.server.channelFilter = func(*ConnectedClient, *telemetry.RawChannel) bool { return false }

	c.server.handleSubscribe(c, clientSubscribeMsg{
		Op:            "subscribe",
		Subscriptions: []subscribeEntry{{ID: 1, ChannelID: ch.Id()}},
	})

	select {
	case frame := <-c.control.ch:
		var msg statusMsg
		require.NoError(t, json.Unmarshal(frame, &msg))
		assert.Equal(t, int(StatusWarning), msg.Level)
	default:
		t.Fatal("expected a status warning frame for a filter-rejected channelId")
	}
	_, ok := c.unsubscribe(1)
	assert.False(t, ok, "no subscription should have been recorded")
}

func TestConnectedClient_ParameterSubscriptions(t *testing.T) {
	c := newTestClient(t)
	c.subscribeParameters([]string{"gain", "offset"})
	assert.True(t, c.isSubscribedToParameter("gain"))
	assert.False(t, c.isSubscribedToParameter("unrelated"))

	c.unsubscribeParameters([]string{"gain"})
	assert.False(t, c.isSubscribedToParameter("gain"))
	assert.True(t, c.isSubscribedToParameter("offset"))
}
