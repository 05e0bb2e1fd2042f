package wsserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	telemetry "github.com/arclog/telemetry"
)

// subprotocol is the only WebSocket subprotocol this server accepts.
const subprotocol = "foxglove.sdk.v1"

// Connection-level keepalive timing: a peer that misses pongWait is
// considered gone; pings go out a little ahead of that deadline.
const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	writeWait  = 10 * time.Second
)

// Server advertises a telemetry.Context over WebSocket: HTTP upgrade with
// subprotocol negotiation, JSON and binary framing, and the
// service/parameter/connection-graph/asset-fetch protocol extensions.
type Server struct {
	ctx           *telemetry.Context
	opts          Options
	caps          capabilitySet
	listener      *Listener
	channelFilter func(*ConnectedClient, *telemetry.RawChannel) bool
	assetHandler  AssetHandler
	sessionID     string

	metrics     *serverMetrics
	rateLimiter *rate.Limiter

	mu               sync.Mutex
	clients          map[telemetry.ClientId]*ConnectedClient
	services         map[string]*Service
	servicesByID     map[ServiceId]*Service
	graph            *ConnectionGraph
	graphSubscribers map[telemetry.ClientId]*ConnectedClient

	httpServer   *http.Server
	netListener  net.Listener
	started      atomic.Bool
	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

// NewServer constructs a Server bound to ctx, which supplies the channels it
// advertises and fans messages out through. reg may be nil to skip metrics
// registration (e.g. in tests, or when the embedder registers its own).
func NewServer(ctx *telemetry.Context, opts Options, reg prometheus.Registerer) *Server {
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	var limiter *rate.Limiter
	if opts.ConnectionRateLimit > 0 {
		burst := opts.ConnectionRateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.ConnectionRateLimit), burst)
	}

	return &Server{
		ctx:              ctx,
		opts:             opts,
		caps:             newCapabilitySet(opts.Capabilities),
		listener:         opts.Listener,
		channelFilter:    opts.ChannelFilter,
		sessionID:        sessionID,
		metrics:          newServerMetrics(reg),
		rateLimiter:      limiter,
		clients:          make(map[telemetry.ClientId]*ConnectedClient),
		services:         make(map[string]*Service),
		servicesByID:     make(map[ServiceId]*Service),
		graph:            NewConnectionGraph(),
		graphSubscribers: make(map[telemetry.ClientId]*ConnectedClient),
	}
}

// SetAssetHandler installs the handler invoked for fetchAsset requests.
func (s *Server) SetAssetHandler(h AssetHandler) { s.assetHandler = h }

// AddService registers a service, rejecting a duplicate name.
func (s *Server) AddService(svc *Service) error {
	if !s.caps.has(CapabilityServices) {
		return &telemetry.Error{Kind: telemetry.KindServicesNotSupported, Msg: "server was not configured with the services capability"}
	}
	s.mu.Lock()
	if _, exists := s.services[svc.Name]; exists {
		s.mu.Unlock()
		return &telemetry.Error{Kind: telemetry.KindDuplicateService, Msg: fmt.Sprintf("service %q already registered", svc.Name)}
	}
	s.services[svc.Name] = svc
	s.servicesByID[svc.ID] = svc
	s.graph.SetAdvertisedService(svc.Name, []string{fmt.Sprintf("%d", svc.ID)})
	s.mu.Unlock()

	s.broadcastAdvertiseServices([]*Service{svc})
	return nil
}

// RemoveService retracts a previously-registered service.
func (s *Server) RemoveService(name string) {
	s.mu.Lock()
	svc, ok := s.services[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.services, name)
	delete(s.servicesByID, svc.ID)
	s.mu.Unlock()

	s.broadcastControl(serverUnadvertiseServicesMsg{Op: "unadvertiseServices", ServiceIds: []ServiceId{svc.ID}})
}

func (s *Server) broadcastAdvertiseServices(services []*Service) {
	infos := make([]serverServiceInfo, 0, len(services))
	for _, svc := range services {
		info := serverServiceInfo{ID: svc.ID, Name: svc.Name}
		if svc.Schema.Request != nil {
			info.Request = &schemaWire{Encoding: svc.Schema.Request.Encoding, SchemaName: svc.Schema.Request.SchemaName, Schema: encodeSchemaBytes(svc.Schema.Request.Encoding, svc.Schema.Request.SchemaData)}
		}
		if svc.Schema.Response != nil {
			info.Response = &schemaWire{Encoding: svc.Schema.Response.Encoding, SchemaName: svc.Schema.Response.SchemaName, Schema: encodeSchemaBytes(svc.Schema.Response.Encoding, svc.Schema.Response.SchemaData)}
		}
		infos = append(infos, info)
	}
	s.broadcastControl(serverAdvertiseServicesMsg{Op: "advertiseServices", Services: infos})
}

// PublishParameterValues broadcasts parameter values to every client
// subscribed to at least one of the named parameters.
func (s *Server) PublishParameterValues(params []Parameter) {
	s.broadcastParameterValues(params, "")
}

func (s *Server) broadcastParameterValues(params []Parameter, requestID string) {
	if len(params) == 0 {
		return
	}
	s.mu.Lock()
	targets := make([]*ConnectedClient, 0, len(s.clients))
	for _, c := range s.clients {
		for _, p := range params {
			if c.isSubscribedToParameter(p.Name) {
				targets = append(targets, c)
				break
			}
		}
	}
	s.mu.Unlock()

	msg := serverParameterValuesMsg{Op: "parameterValues", Parameters: params, ID: requestID}
	for _, c := range targets {
		c.enqueueControl(msg)
	}
}

// PublishConnectionGraph updates the server's tracked connection graph and
// broadcasts the resulting diff to subscribed clients.
func (s *Server) PublishConnectionGraph(next *ConnectionGraph) {
	s.mu.Lock()
	diff := s.graph.update(next)
	targets := make([]*ConnectedClient, 0, len(s.graphSubscribers))
	for _, c := range s.graphSubscribers {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.enqueueControl(diff)
	}
}

func (s *Server) currentGraphSnapshot() serverConnectionGraphUpdateMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.asInitialUpdate()
}

func (s *Server) addGraphSubscriber(c *ConnectedClient) {
	s.mu.Lock()
	s.graphSubscribers[c.ClientID()] = c
	s.mu.Unlock()
}

func (s *Server) removeGraphSubscriber(id telemetry.ClientId) {
	s.mu.Lock()
	delete(s.graphSubscribers, id)
	s.mu.Unlock()
}

// PublishServerTime broadcasts the binary time frame to every connected
// client, for embedders that advertise CapabilityTime and want clients to
// synchronize their clocks to the server's.
func (s *Server) PublishServerTime(timestampNanos uint64) {
	if !s.caps.has(CapabilityTime) {
		return
	}
	frame := encodeServerTime(timestampNanos)
	s.mu.Lock()
	targets := make([]*ConnectedClient, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()
	for _, c := range targets {
		c.enqueueData(frame)
	}
}

// PublishStatus broadcasts a status message to every connected client. id
// may be empty; a non-empty id lets the server later retract the status with
// RemoveStatus.
func (s *Server) PublishStatus(level StatusLevel, message, id string) {
	s.broadcastControl(statusMsg{Op: "status", Level: int(level), Message: message, ID: id})
}

// RemoveStatus retracts previously-published status messages by id from
// every connected client.
func (s *Server) RemoveStatus(ids []string) {
	if len(ids) == 0 {
		return
	}
	s.broadcastControl(removeStatusMsg{Op: "removeStatus", StatusIds: ids})
}

func (s *Server) broadcastControl(msg any) {
	s.mu.Lock()
	targets := make([]*ConnectedClient, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()
	for _, c := range targets {
		c.enqueueControl(msg)
	}
}

// Start binds the listen address and begins accepting connections. A
// second call returns a KindServerAlreadyStarted error.
func (s *Server) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return &telemetry.Error{Kind: telemetry.KindServerAlreadyStarted, Msg: "server already started"}
	}

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &telemetry.Error{Kind: telemetry.KindBind, Msg: fmt.Sprintf("listen %s", addr), Err: err}
	}
	s.netListener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{Handler: mux}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server exited")
		}
	}()
	return nil
}

// Stop drains connected clients and shuts the server down: each client's
// write pump observes the draining state, emits a close frame, and tears its
// connection down, which in turn unblocks the read pump. The wait for
// in-flight pumps is bounded by timeout.
func (s *Server) Stop(timeout time.Duration) error {
	s.shuttingDown.Store(true)

	s.mu.Lock()
	clients := make([]*ConnectedClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		if c.getState() == clientActive {
			c.setState(clientDraining)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if s.httpServer != nil {
		// Shutdown covers the accept loop and any non-upgraded requests;
		// upgraded (hijacked) connections are drained by their own pumps.
		if err := s.httpServer.Shutdown(ctx); err != nil {
			_ = s.httpServer.Close()
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		log.Warn().Msg("timed out waiting for connection pumps to drain")
	}

	for _, c := range clients {
		s.removeClient(c, "shutdown")
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.rateLimiter != nil && !s.rateLimiter.Allow() {
		s.metrics.connectionsFailed.Inc()
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	// The upgrader's Protocol callback only selects among offered
	// subprotocols; a client that offers none would still be upgraded. The
	// protocol requires rejecting any client that does not advertise
	// foxglove.sdk.v1, so check the offer explicitly first.
	if !offersSubprotocol(r.Header.Values("Sec-Websocket-Protocol")) {
		s.metrics.connectionsFailed.Inc()
		http.Error(w, "missing required websocket subprotocol "+subprotocol, http.StatusBadRequest)
		return
	}

	upgrader := ws.HTTPUpgrader{
		Protocol: func(proto string) bool { return proto == subprotocol },
	}
	conn, _, _, err := upgrader.Upgrade(r, w)
	if err != nil {
		s.metrics.connectionsFailed.Inc()
		log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	client := newConnectedClient(s, conn, r.RemoteAddr, s.opts.MessageBacklogSize, s.opts.ServiceCallSlots, s.opts.AssetFetchSlots)
	client.setState(clientActive)

	s.mu.Lock()
	s.clients[client.ClientID()] = client
	s.mu.Unlock()

	// serverInfo must precede the advertise frames AddSink triggers via
	// OnChannelAdded.
	client.enqueueControl(serverInfoMsg{
		Op:                 "serverInfo",
		Name:               s.opts.Name,
		Capabilities:       capStrings(s.caps.slice()),
		SupportedEncodings: s.opts.SupportedEncodings,
		SessionID:          s.sessionID,
	})

	s.ctx.AddSink(client)
	s.metrics.connectionsTotal.Inc()
	s.metrics.connectionsActive.Inc()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writePump(client)
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readPump(client)
	}()
}

func offersSubprotocol(headerValues []string) bool {
	for _, v := range headerValues {
		for _, proto := range strings.Split(v, ",") {
			if strings.TrimSpace(proto) == subprotocol {
				return true
			}
		}
	}
	return false
}

// Addr returns the listener's bound address, e.g. to discover the port when
// Options.Port was 0. Only valid after Start.
func (s *Server) Addr() net.Addr {
	if s.netListener == nil {
		return nil
	}
	return s.netListener.Addr()
}

func capStrings(caps []Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}

// disconnectSlow tears a client down off the caller's goroutine. The
// enqueue paths that detect exhaustion may be running under the context
// lock (a sink callback) or on a producer's log call, and removeClient
// re-enters the context via RemoveSink, so the teardown must not be inline.
// The beginClose guard keeps the final status frame from recursing if the
// control queue is itself full.
func (s *Server) disconnectSlow(c *ConnectedClient) {
	if !c.beginClose() {
		return
	}
	s.metrics.slowClientsDisconnected.Inc()
	go func() {
		s.sendStatus(c, StatusError, "Disconnected because the message backlog on the server is full")
		s.removeClient(c, "slow_client")
	}()
}

func (s *Server) removeClient(c *ConnectedClient, reason string) {
	s.mu.Lock()
	if _, ok := s.clients[c.ClientID()]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c.ClientID())
	delete(s.graphSubscribers, c.ClientID())
	s.mu.Unlock()

	s.ctx.RemoveSink(c.Id())
	c.close()
	s.metrics.connectionsActive.Dec()
	s.metrics.disconnectsTotal.WithLabelValues(reason).Inc()
}

