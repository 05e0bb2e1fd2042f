package wsserver

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	telemetry "github.com/arclog/telemetry"
)

func newDispatchTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.MessageBacklogSize == 0 {
		opts.MessageBacklogSize = 64
	}
	return NewServer(telemetry.NewContext(), opts, nil)
}

func attachTestClient(t *testing.T, s *Server, backlog, serviceSlots, assetSlots int) *ConnectedClient {
	t.Helper()
	server, clientConn := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		clientConn.Close()
	})
	c := newConnectedClient(s, clientConn, "dispatch-test", backlog, serviceSlots, assetSlots)
	c.setState(clientActive)
	s.mu.Lock()
	s.clients[c.ClientID()] = c
	s.mu.Unlock()
	return c
}

func awaitControl(t *testing.T, c *ConnectedClient) []byte {
	t.Helper()
	select {
	case frame := <-c.control.ch:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a control frame")
		return nil
	}
}

func assertNoControl(t *testing.T, c *ConnectedClient) {
	t.Helper()
	select {
	case frame := <-c.control.ch:
		t.Fatalf("unexpected control frame: %s", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatch_ResponderDropSendsSyntheticFailure(t *testing.T) {
	opts := DefaultOptions()
	opts.Capabilities = []Capability{CapabilityServices}
	opts.SupportedEncodings = []string{"json"}
	s := newDispatchTestServer(t, opts)
	c := attachTestClient(t, s, 64, 0, 0)

	svc := NewService("noop", ServiceSchema{Name: "noop"}, func(client *ConnectedClient, req ServiceRequest, responder *Responder) {
		// Returns without responding; dispatch must synthesize the error.
	})
	require.NoError(t, s.AddService(svc))

	var advertised serverAdvertiseServicesMsg
	require.NoError(t, json.Unmarshal(awaitControl(t, c), &advertised))
	require.Equal(t, "advertiseServices", advertised.Op)

	s.handleServiceCallRequest(c, clientServiceCallRequestFrame{
		ServiceID: svc.ID,
		CallID:    7,
		Encoding:  "json",
	})

	var failure serverServiceCallFailureMsg
	require.NoError(t, json.Unmarshal(awaitControl(t, c), &failure))
	assert.Equal(t, "serviceCallFailure", failure.Op)
	assert.Equal(t, svc.ID, failure.ServiceID)
	assert.Equal(t, CallId(7), failure.CallID)
	assert.Equal(t, "Internal server error: service failed to send a response", failure.Message)

	assertNoControl(t, c)
}

func TestDispatch_ServiceSlotExhaustionRejects(t *testing.T) {
	opts := DefaultOptions()
	opts.Capabilities = []Capability{CapabilityServices}
	opts.SupportedEncodings = []string{"json"}
	s := newDispatchTestServer(t, opts)
	c := attachTestClient(t, s, 64, 1, 0)

	invoked := false
	svc := NewService("busy", ServiceSchema{Name: "busy"}, func(client *ConnectedClient, req ServiceRequest, responder *Responder) {
		invoked = true
		responder.RespondOK(nil)
	})
	require.NoError(t, s.AddService(svc))
	awaitControl(t, c) // advertiseServices

	guard, ok := c.serviceSem.tryAcquire()
	require.True(t, ok)
	defer guard.release()

	s.handleServiceCallRequest(c, clientServiceCallRequestFrame{ServiceID: svc.ID, CallID: 3, Encoding: "json"})

	var failure serverServiceCallFailureMsg
	require.NoError(t, json.Unmarshal(awaitControl(t, c), &failure))
	assert.Equal(t, CallId(3), failure.CallID)
	assert.Contains(t, failure.Message, "too many in-flight service calls")
	assert.False(t, invoked, "the handler must not run when no slot is available")
}

func TestDispatch_ServiceRespondOKProducesBinaryResponse(t *testing.T) {
	opts := DefaultOptions()
	opts.Capabilities = []Capability{CapabilityServices}
	opts.SupportedEncodings = []string{"json"}
	s := newDispatchTestServer(t, opts)
	c := attachTestClient(t, s, 64, 0, 0)

	svc := NewService("echo", ServiceSchema{Name: "echo"}, func(client *ConnectedClient, req ServiceRequest, responder *Responder) {
		responder.RespondOK([]byte("pong"))
	})
	require.NoError(t, s.AddService(svc))
	awaitControl(t, c) // advertiseServices

	s.handleServiceCallRequest(c, clientServiceCallRequestFrame{ServiceID: svc.ID, CallID: 9, Encoding: "json"})

	var frames [][]byte
	require.Eventually(t, func() bool {
		frames = append(frames, c.data.drain()...)
		return len(frames) > 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, frames, 1)

	frame := frames[0]
	require.Equal(t, serverOpServiceCallResponse, frame[0])
	assert.Equal(t, uint32(svc.ID), binary.LittleEndian.Uint32(frame[1:5]))
	assert.Equal(t, uint32(9), binary.LittleEndian.Uint32(frame[5:9]))
	encLen := binary.LittleEndian.Uint32(frame[9:13])
	assert.Equal(t, "json", string(frame[13:13+encLen]))
	assert.Equal(t, "pong", string(frame[13+encLen:]))
}

// awaitServiceResponse drains the client's data queue until a binary
// serviceCallResponse frame arrives, returning its encoding and payload.
func awaitServiceResponse(t *testing.T, c *ConnectedClient) (string, []byte) {
	t.Helper()
	var frames [][]byte
	require.Eventually(t, func() bool {
		frames = append(frames, c.data.drain()...)
		return len(frames) > 0
	}, 2*time.Second, 10*time.Millisecond)
	frame := frames[0]
	require.Equal(t, serverOpServiceCallResponse, frame[0])
	encLen := binary.LittleEndian.Uint32(frame[9:13])
	return string(frame[13 : 13+encLen]), frame[13+encLen:]
}

func TestDispatch_ResponseEncodingDefaultsToDeclaredResponseSchema(t *testing.T) {
	opts := DefaultOptions()
	opts.Capabilities = []Capability{CapabilityServices}
	opts.SupportedEncodings = []string{"json"}
	s := newDispatchTestServer(t, opts)
	c := attachTestClient(t, s, 64, 0, 0)

	svc := NewService("transcode", ServiceSchema{
		Name:     "transcode",
		Request:  &MessageSchema{Encoding: "json", SchemaName: "req"},
		Response: &MessageSchema{Encoding: "protobuf", SchemaName: "resp"},
	}, func(client *ConnectedClient, req ServiceRequest, responder *Responder) {
		responder.RespondOK([]byte{0x0a, 0x01})
	})
	require.NoError(t, s.AddService(svc))
	awaitControl(t, c) // advertiseServices

	s.handleServiceCallRequest(c, clientServiceCallRequestFrame{ServiceID: svc.ID, CallID: 4, Encoding: "json"})

	encoding, payload := awaitServiceResponse(t, c)
	assert.Equal(t, "protobuf", encoding, "the declared response encoding wins over the request encoding")
	assert.Equal(t, []byte{0x0a, 0x01}, payload)
}

func TestDispatch_ResponderSetEncodingOverridesDefault(t *testing.T) {
	opts := DefaultOptions()
	opts.Capabilities = []Capability{CapabilityServices}
	opts.SupportedEncodings = []string{"json"}
	s := newDispatchTestServer(t, opts)
	c := attachTestClient(t, s, 64, 0, 0)

	svc := NewService("rewrap", ServiceSchema{Name: "rewrap"}, func(client *ConnectedClient, req ServiceRequest, responder *Responder) {
		responder.SetEncoding("cbor")
		responder.RespondOK([]byte{0xa0})
	})
	require.NoError(t, s.AddService(svc))
	awaitControl(t, c) // advertiseServices

	s.handleServiceCallRequest(c, clientServiceCallRequestFrame{ServiceID: svc.ID, CallID: 5, Encoding: "json"})

	encoding, payload := awaitServiceResponse(t, c)
	assert.Equal(t, "cbor", encoding)
	assert.Equal(t, []byte{0xa0}, payload)
}

func TestDispatch_UnknownServiceFails(t *testing.T) {
	opts := DefaultOptions()
	opts.Capabilities = []Capability{CapabilityServices}
	s := newDispatchTestServer(t, opts)
	c := attachTestClient(t, s, 64, 0, 0)

	s.handleServiceCallRequest(c, clientServiceCallRequestFrame{ServiceID: 999, CallID: 1, Encoding: "json"})

	var failure serverServiceCallFailureMsg
	require.NoError(t, json.Unmarshal(awaitControl(t, c), &failure))
	assert.Equal(t, "unknown service", failure.Message)
}

func TestDispatch_UnsupportedClientEncodingRejected(t *testing.T) {
	opts := DefaultOptions()
	opts.Capabilities = []Capability{CapabilityServices}
	opts.SupportedEncodings = []string{"json"}
	s := newDispatchTestServer(t, opts)
	c := attachTestClient(t, s, 64, 0, 0)

	svc := NewService("strict", ServiceSchema{Name: "strict"}, func(client *ConnectedClient, req ServiceRequest, responder *Responder) {
		responder.RespondOK(nil)
	})
	require.NoError(t, s.AddService(svc))
	awaitControl(t, c) // advertiseServices

	s.handleServiceCallRequest(c, clientServiceCallRequestFrame{ServiceID: svc.ID, CallID: 2, Encoding: "cbor"})

	var failure serverServiceCallFailureMsg
	require.NoError(t, json.Unmarshal(awaitControl(t, c), &failure))
	assert.Contains(t, failure.Message, "unsupported request encoding")
}

func TestEnqueueData_LossyDropKeepsNewestFrames(t *testing.T) {
	s := newDispatchTestServer(t, DefaultOptions())
	c := attachTestClient(t, s, 4, 0, 0)

	ctx := telemetry.NewContext()
	ch, err := ctx.ChannelBuilder("/burst").MessageEncoding("json").BuildRaw()
	require.NoError(t, err)
	c.subscribe(1, ch.Id())

	payloads := []string{"m0", "m1", "m2", "m3", "m4", "m5", "m6", "m7", "m8", "m9"}
	for _, p := range payloads {
		require.NoError(t, c.Log(ch, []byte(p), telemetry.Metadata{LogTime: telemetry.NowTimestamp()}))
	}

	frames := c.data.drain()
	require.Len(t, frames, 4, "the queue keeps at most its capacity")
	for i, frame := range frames {
		assert.Equal(t, payloads[6+i], string(frame[13:]), "only the oldest frames are dropped")
	}
}

func TestDispatch_SetParametersRepliesAndBroadcasts(t *testing.T) {
	opts := DefaultOptions()
	opts.Capabilities = []Capability{CapabilityParameters, CapabilityParametersSubscribe}
	opts.Listener = &Listener{
		OnSetParameters: func(client *ConnectedClient, params []Parameter, requestID string) []Parameter {
			return params
		},
	}
	s := newDispatchTestServer(t, opts)
	requester := attachTestClient(t, s, 64, 0, 0)
	subscriber := attachTestClient(t, s, 64, 0, 0)
	subscriber.subscribeParameters([]string{"gain"})

	s.handleSetParameters(requester, clientSetParametersMsg{
		Op:         "setParameters",
		Parameters: []Parameter{Float64Parameter("gain", 2.5)},
		ID:         "42",
	})

	var direct serverParameterValuesMsg
	require.NoError(t, json.Unmarshal(awaitControl(t, requester), &direct))
	assert.Equal(t, "42", direct.ID)
	require.Len(t, direct.Parameters, 1)
	assert.Equal(t, "gain", direct.Parameters[0].Name)

	var broadcast serverParameterValuesMsg
	require.NoError(t, json.Unmarshal(awaitControl(t, subscriber), &broadcast))
	assert.Empty(t, broadcast.ID)
	require.Len(t, broadcast.Parameters, 1)
	assert.Equal(t, 2.5, broadcast.Parameters[0].Value)
}

func TestDispatch_ConnectionGraphInitialThenDelta(t *testing.T) {
	opts := DefaultOptions()
	opts.Capabilities = []Capability{CapabilityConnectionGraph}
	s := newDispatchTestServer(t, opts)
	c := attachTestClient(t, s, 64, 0, 0)

	first := NewConnectionGraph()
	first.SetPublishedTopic("/t", []string{"p1"})
	first.SetAdvertisedService("/s", []string{"pr1"})
	s.PublishConnectionGraph(first)

	s.handleSubscribeConnectionGraph(c)

	var initial serverConnectionGraphUpdateMsg
	require.NoError(t, json.Unmarshal(awaitControl(t, c), &initial))
	require.Equal(t, "connectionGraphUpdate", initial.Op)
	assert.Equal(t, []publishedTopicEntry{{Name: "/t", PublisherIds: []string{"p1"}}}, initial.PublishedTopics)
	assert.Equal(t, []serviceEntry{{Name: "/s", Providers: []string{"pr1"}}}, initial.AdvertisedServices)

	second := NewConnectionGraph()
	second.SetPublishedTopic("/t", []string{"p2"})
	s.PublishConnectionGraph(second)

	var delta serverConnectionGraphUpdateMsg
	require.NoError(t, json.Unmarshal(awaitControl(t, c), &delta))
	assert.Equal(t, []publishedTopicEntry{{Name: "/t", PublisherIds: []string{"p2"}}}, delta.PublishedTopics)
	assert.Equal(t, []string{"/s"}, delta.RemovedServices)
	assert.Empty(t, delta.RemovedTopics)
}

func TestDispatch_FetchAssetSuccessAndError(t *testing.T) {
	opts := DefaultOptions()
	opts.Capabilities = []Capability{CapabilityAssets}
	s := newDispatchTestServer(t, opts)
	s.SetAssetHandler(func(client *ConnectedClient, uri string) ([]byte, error) {
		if uri == "pkg://robot.urdf" {
			return []byte("<robot/>"), nil
		}
		return nil, fmt.Errorf("no such asset: %s", uri)
	})
	c := attachTestClient(t, s, 64, 0, 0)

	s.handleFetchAsset(c, clientFetchAssetMsg{Op: "fetchAsset", URI: "pkg://robot.urdf", RequestID: 11})

	var frames [][]byte
	require.Eventually(t, func() bool {
		frames = append(frames, c.data.drain()...)
		return len(frames) > 0
	}, 2*time.Second, 10*time.Millisecond)
	frame := frames[0]
	require.Equal(t, serverOpFetchAssetResponse, frame[0])
	assert.Equal(t, uint32(11), binary.LittleEndian.Uint32(frame[1:5]))
	assert.Equal(t, byte(0), frame[5], "status 0 is success")
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(frame[6:10]), "no error message on success")
	assert.Equal(t, "<robot/>", string(frame[10:]))

	s.handleFetchAsset(c, clientFetchAssetMsg{Op: "fetchAsset", URI: "pkg://missing", RequestID: 12})

	frames = nil
	require.Eventually(t, func() bool {
		frames = append(frames, c.data.drain()...)
		return len(frames) > 0
	}, 2*time.Second, 10*time.Millisecond)
	frame = frames[0]
	assert.Equal(t, byte(1), frame[5], "status 1 is error")
	errLen := binary.LittleEndian.Uint32(frame[6:10])
	assert.Equal(t, "no such asset: pkg://missing", string(frame[10:10+errLen]))
}

func TestHandleClientText_UnknownOpWarns(t *testing.T) {
	s := newDispatchTestServer(t, DefaultOptions())
	c := attachTestClient(t, s, 64, 0, 0)

	s.handleClientText(c, []byte(`{"op":"bogus"}`))

	var status statusMsg
	require.NoError(t, json.Unmarshal(awaitControl(t, c), &status))
	assert.Equal(t, int(StatusWarning), status.Level)
}

func TestHandleClientText_AdvertiseRequiresCapability(t *testing.T) {
	s := newDispatchTestServer(t, DefaultOptions())
	c := attachTestClient(t, s, 64, 0, 0)

	s.handleClientText(c, []byte(`{"op":"advertise","channels":[{"id":1,"topic":"/cmd","encoding":"json","schemaName":"cmd"}]}`))

	var status statusMsg
	require.NoError(t, json.Unmarshal(awaitControl(t, c), &status))
	assert.Equal(t, int(StatusError), status.Level)
}
