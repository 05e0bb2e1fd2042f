package wsserver

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	telemetry "github.com/arclog/telemetry"
	"github.com/arclog/telemetry/internal/throttle"
)

// dataDropThrottle limits the lossy-drop warning to one line per client per
// window, so a slow client's first burst of drops logs exactly once instead
// of once per frame.
var dataDropThrottle = throttle.NewKeyed(10*time.Second, 1)

// clientState is a connection's lifecycle stage.
type clientState int32

const (
	clientConnecting clientState = iota
	clientActive
	clientDraining
	clientClosed
)

const (
	defaultServiceCallSlots = 32
	defaultAssetFetchSlots  = 32
)

// advertisedClientChannel is one channel a client has advertised to the
// server via a client "advertise" message.
type advertisedClientChannel struct {
	id             ClientChannelId
	topic          string
	encoding       string
	schemaName     string
	schemaEncoding string
	schema         []byte
}

// ConnectedClient is one accepted WebSocket connection. It implements
// telemetry.Sink so that publishing a message to a subscribed channel is
// exactly as cheap as publishing to the MCAP sink: both ride the same
// RawChannel.Log fan-out path.
type ConnectedClient struct {
	id      telemetry.ClientId
	sinkID  telemetry.SinkId
	name    string
	conn    net.Conn
	server  *Server
	state   atomic.Int32
	closing atomic.Bool

	mu              sync.Mutex
	subsByID        map[telemetry.SubscriptionId]telemetry.ChannelId
	subsByChannel   map[telemetry.ChannelId]telemetry.SubscriptionId
	advertised      map[ClientChannelId]*advertisedClientChannel
	paramSubs       map[string]struct{}
	graphSubscribed bool

	serviceSem *semaphore
	assetSem   *semaphore

	data    *dataQueue
	control *controlQueue
}

func newConnectedClient(server *Server, conn net.Conn, name string, backlog, serviceSlots, assetSlots int) *ConnectedClient {
	if serviceSlots <= 0 {
		serviceSlots = defaultServiceCallSlots
	}
	if assetSlots <= 0 {
		assetSlots = defaultAssetFetchSlots
	}
	c := &ConnectedClient{
		id:            telemetry.NewClientId(),
		sinkID:        telemetry.NewSinkId(),
		name:          name,
		conn:          conn,
		server:        server,
		subsByID:      make(map[telemetry.SubscriptionId]telemetry.ChannelId),
		subsByChannel: make(map[telemetry.ChannelId]telemetry.SubscriptionId),
		advertised:    make(map[ClientChannelId]*advertisedClientChannel),
		paramSubs:     make(map[string]struct{}),
		serviceSem:    newSemaphore(serviceSlots),
		assetSem:      newSemaphore(assetSlots),
		data:          newDataQueue(backlog),
		control:       newControlQueue(backlog),
	}
	c.state.Store(int32(clientConnecting))
	return c
}

// Id implements telemetry.Sink. The sink id is drawn from the process-wide
// sink counter, distinct from the client id space.
func (c *ConnectedClient) Id() telemetry.SinkId { return c.sinkID }

// ClientID returns the connection's telemetry.ClientId, the identifier
// the connection graph and per-client server bookkeeping are keyed by.
func (c *ConnectedClient) ClientID() telemetry.ClientId { return c.id }

// AutoSubscribe implements telemetry.Sink: a WebSocket client only receives
// channels its peer has explicitly subscribed to.
func (c *ConnectedClient) AutoSubscribe() bool { return false }

// OnChannelAdded implements telemetry.Sink. A newly-registered channel is
// advertised over the control queue; the client driving subscription
// remains explicit, so no channel ids are returned for auto-subscription.
func (c *ConnectedClient) OnChannelAdded(ch *telemetry.RawChannel) []telemetry.ChannelId {
	if c.server.channelFilter != nil && !c.server.channelFilter(c, ch) {
		return nil
	}
	c.sendAdvertisement(ch)
	return nil
}

// OnChannelRemoved implements telemetry.Sink.
func (c *ConnectedClient) OnChannelRemoved(ch *telemetry.RawChannel) {
	c.mu.Lock()
	if subID, ok := c.subsByChannel[ch.Id()]; ok {
		delete(c.subsByChannel, ch.Id())
		delete(c.subsByID, subID)
	}
	c.mu.Unlock()
	c.enqueueControl(serverUnadvertiseMsg{Op: "unadvertise", ChannelIds: []telemetry.ChannelId{ch.Id()}})
}

// Log implements telemetry.Sink: encode a messageData frame for whichever
// subscription(s) this client holds on ch and enqueue it on the lossy
// data-plane queue.
func (c *ConnectedClient) Log(ch *telemetry.RawChannel, data []byte, meta telemetry.Metadata) error {
	c.mu.Lock()
	subID, ok := c.subsByChannel[ch.Id()]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	frame := encodeServerMessageData(subID, meta.LogTime.AsNanos(), data)
	c.enqueueData(frame)
	return nil
}

func (c *ConnectedClient) enqueueData(frame []byte) {
	dropped, exhausted := c.data.push(frame)
	if dropped > 0 {
		c.server.metrics.dataFramesDropped.Add(float64(dropped))
		if dataDropThrottle.Allow(strconv.FormatUint(uint64(c.id), 10)) {
			log.Warn().Uint32("client", uint32(c.id)).Msg("dropping oldest data-plane frames to bound queue size")
		}
	}
	if exhausted {
		c.server.disconnectSlow(c)
	}
}

func (c *ConnectedClient) enqueueControl(msg any) {
	body, err := marshalJSON(msg)
	if err != nil {
		return
	}
	if !c.control.push(body) {
		c.server.disconnectSlow(c)
	}
}

func (c *ConnectedClient) sendAdvertisement(ch *telemetry.RawChannel) {
	sc := serverChannel{
		ID:             ch.Id(),
		Topic:          ch.Topic(),
		Encoding:       ch.MessageEncoding(),
	}
	if s := ch.Schema(); s != nil {
		sc.SchemaName = s.Name
		sc.SchemaEncoding = s.Encoding
		sc.Schema = encodeSchemaBytes(s.Encoding, s.Data)
	}
	c.enqueueControl(serverAdvertiseMsg{Op: "advertise", Channels: []serverChannel{sc}})
}

// sendServiceCallFailure enqueues a serviceCallFailure control message.
func (c *ConnectedClient) sendServiceCallFailure(serviceID ServiceId, callID CallId, message string) {
	c.enqueueControl(serverServiceCallFailureMsg{
		Op:        "serviceCallFailure",
		ServiceID: serviceID,
		CallID:    callID,
		Message:   message,
	})
}

// subscribe adds a subscription for one channel under the given id. Returns
// false if the client already has a subscription for this channel; duplicate
// subscriptions are a no-op, not an error.
func (c *ConnectedClient) subscribe(subID telemetry.SubscriptionId, chID telemetry.ChannelId) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.subsByChannel[chID]; exists {
		return false
	}
	c.subsByID[subID] = chID
	c.subsByChannel[chID] = subID
	return true
}

// unsubscribe removes a subscription by id. Returns the unsubscribed channel
// id and true, or (0, false) if no such subscription existed.
func (c *ConnectedClient) unsubscribe(subID telemetry.SubscriptionId) (telemetry.ChannelId, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chID, ok := c.subsByID[subID]
	if !ok {
		return 0, false
	}
	delete(c.subsByID, subID)
	delete(c.subsByChannel, chID)
	return chID, true
}

// advertiseChannel records a client-advertised channel descriptor. Returns
// false if the id is already in use by this client.
func (c *ConnectedClient) advertiseChannel(ch *advertisedClientChannel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.advertised[ch.id]; exists {
		return false
	}
	c.advertised[ch.id] = ch
	return true
}

// unadvertiseChannel removes a client-advertised channel descriptor.
func (c *ConnectedClient) unadvertiseChannel(id ClientChannelId) (*advertisedClientChannel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.advertised[id]
	if ok {
		delete(c.advertised, id)
	}
	return ch, ok
}

func (c *ConnectedClient) lookupAdvertisedChannel(id ClientChannelId) (*advertisedClientChannel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.advertised[id]
	return ch, ok
}

func (c *ConnectedClient) setGraphSubscribed(v bool) {
	c.mu.Lock()
	c.graphSubscribed = v
	c.mu.Unlock()
}

func (c *ConnectedClient) isGraphSubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.graphSubscribed
}

func (c *ConnectedClient) subscribeParameters(names []string) {
	c.mu.Lock()
	for _, n := range names {
		c.paramSubs[n] = struct{}{}
	}
	c.mu.Unlock()
}

func (c *ConnectedClient) unsubscribeParameters(names []string) {
	c.mu.Lock()
	for _, n := range names {
		delete(c.paramSubs, n)
	}
	c.mu.Unlock()
}

func (c *ConnectedClient) isSubscribedToParameter(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.paramSubs[name]
	return ok
}

func (c *ConnectedClient) setState(s clientState) { c.state.Store(int32(s)) }
func (c *ConnectedClient) getState() clientState  { return clientState(c.state.Load()) }

// beginClose reports whether the caller is the first to start tearing this
// client down, so the teardown path runs at most once.
func (c *ConnectedClient) beginClose() bool {
	return c.closing.CompareAndSwap(false, true)
}

// close marks the client closed and releases its data-plane queue.
// Idempotent.
func (c *ConnectedClient) close() {
	if clientState(c.state.Swap(int32(clientClosed))) == clientClosed {
		return
	}
	c.data.close()
	dataDropThrottle.Forget(strconv.FormatUint(uint64(c.id), 10))
}
