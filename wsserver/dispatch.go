package wsserver

import (
	"encoding/json"

	telemetry "github.com/arclog/telemetry"
)

// handleClientText dispatches one JSON client->server message, keyed off
// the protocol's "op" discriminator.
func (s *Server) handleClientText(client *ConnectedClient, data []byte) {
	var env opEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.sendStatus(client, StatusError, "invalid JSON message")
		return
	}

	switch env.Op {
	case "subscribe":
		var msg clientSubscribeMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendStatus(client, StatusError, "malformed subscribe message")
			return
		}
		s.handleSubscribe(client, msg)

	case "unsubscribe":
		var msg clientUnsubscribeMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendStatus(client, StatusError, "malformed unsubscribe message")
			return
		}
		s.handleUnsubscribe(client, msg)

	case "advertise":
		if !s.caps.has(CapabilityClientPublish) {
			s.sendStatus(client, StatusError, "client publish is not supported")
			return
		}
		var msg clientAdvertiseMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendStatus(client, StatusError, "malformed advertise message")
			return
		}
		s.handleAdvertise(client, msg)

	case "unadvertise":
		var msg clientUnadvertiseMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendStatus(client, StatusError, "malformed unadvertise message")
			return
		}
		s.handleUnadvertise(client, msg)

	case "getParameters":
		if !s.caps.has(CapabilityParameters) {
			s.sendStatus(client, StatusError, "parameters are not supported")
			return
		}
		var msg clientGetParametersMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendStatus(client, StatusError, "malformed getParameters message")
			return
		}
		s.handleGetParameters(client, msg)

	case "setParameters":
		if !s.caps.has(CapabilityParameters) {
			s.sendStatus(client, StatusError, "parameters are not supported")
			return
		}
		var msg clientSetParametersMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendStatus(client, StatusError, "malformed setParameters message")
			return
		}
		s.handleSetParameters(client, msg)

	case "subscribeParameterUpdates":
		if !s.caps.has(CapabilityParametersSubscribe) {
			s.sendStatus(client, StatusError, "parameter subscriptions are not supported")
			return
		}
		var msg clientParameterSubscribeMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendStatus(client, StatusError, "malformed subscribeParameterUpdates message")
			return
		}
		client.subscribeParameters(msg.ParameterNames)
		if s.listener != nil && s.listener.OnParametersSubscribe != nil {
			s.listener.OnParametersSubscribe(client, msg.ParameterNames)
		}

	case "unsubscribeParameterUpdates":
		var msg clientParameterSubscribeMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendStatus(client, StatusError, "malformed unsubscribeParameterUpdates message")
			return
		}
		client.unsubscribeParameters(msg.ParameterNames)
		if s.listener != nil && s.listener.OnParametersUnsubscribe != nil {
			s.listener.OnParametersUnsubscribe(client, msg.ParameterNames)
		}

	case "subscribeConnectionGraph":
		if !s.caps.has(CapabilityConnectionGraph) {
			s.sendStatus(client, StatusError, "connection graph is not supported")
			return
		}
		s.handleSubscribeConnectionGraph(client)

	case "unsubscribeConnectionGraph":
		s.handleUnsubscribeConnectionGraph(client)

	case "fetchAsset":
		if !s.caps.has(CapabilityAssets) {
			s.sendStatus(client, StatusError, "assets are not supported")
			return
		}
		var msg clientFetchAssetMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendStatus(client, StatusError, "malformed fetchAsset message")
			return
		}
		s.handleFetchAsset(client, msg)

	default:
		s.sendStatus(client, StatusWarning, "unrecognized op: "+env.Op)
	}
}

// handleClientBinary dispatches one binary client->server frame.
func (s *Server) handleClientBinary(client *ConnectedClient, data []byte) {
	frame, err := decodeClientBinaryFrame(data)
	if err != nil {
		s.sendStatus(client, StatusError, err.Error())
		return
	}
	switch f := frame.(type) {
	case clientMessageDataFrame:
		s.handleClientMessageData(client, f)
	case clientServiceCallRequestFrame:
		if !s.caps.has(CapabilityServices) {
			s.sendStatus(client, StatusError, "services are not supported")
			return
		}
		s.handleServiceCallRequest(client, f)
	}
}

func (s *Server) handleSubscribe(client *ConnectedClient, msg clientSubscribeMsg) {
	for _, entry := range msg.Subscriptions {
		ch, ok := s.ctx.GetChannel(entry.ChannelID)
		if !ok {
			s.sendStatus(client, StatusWarning, "subscribe: unknown channelId")
			continue
		}
		if s.channelFilter != nil && !s.channelFilter(client, ch) {
			s.sendStatus(client, StatusWarning, "subscribe: channelId is not available to this client")
			continue
		}
		if !client.subscribe(entry.ID, entry.ChannelID) {
			continue
		}
		s.ctx.SubscribeChannels(client.Id(), []telemetry.ChannelId{entry.ChannelID})
		if s.listener != nil && s.listener.OnSubscribe != nil {
			s.listener.OnSubscribe(client, entry.ChannelID)
		}
	}
}

func (s *Server) handleUnsubscribe(client *ConnectedClient, msg clientUnsubscribeMsg) {
	for _, subID := range msg.SubscriptionIds {
		chID, ok := client.unsubscribe(subID)
		if !ok {
			continue
		}
		s.ctx.UnsubscribeChannels(client.Id(), []telemetry.ChannelId{chID})
		if s.listener != nil && s.listener.OnUnsubscribe != nil {
			s.listener.OnUnsubscribe(client, chID)
		}
	}
}

func (s *Server) handleAdvertise(client *ConnectedClient, msg clientAdvertiseMsg) {
	for _, ch := range msg.Channels {
		if len(s.opts.SupportedEncodings) > 0 && !containsString(s.opts.SupportedEncodings, ch.Encoding) {
			s.sendStatus(client, StatusWarning, "unsupported message encoding: "+ch.Encoding)
			continue
		}
		desc := &advertisedClientChannel{
			id:             ch.ID,
			topic:          ch.Topic,
			encoding:       ch.Encoding,
			schemaName:     ch.SchemaName,
			schemaEncoding: ch.SchemaEncoding,
			schema:         []byte(ch.Schema),
		}
		if !client.advertiseChannel(desc) {
			s.sendStatus(client, StatusWarning, "channel id already advertised")
			continue
		}
		if s.listener != nil && s.listener.OnClientAdvertise != nil {
			s.listener.OnClientAdvertise(client, ch.ID, ch.Topic, ch.Encoding, ch.SchemaName)
		}
	}
}

func (s *Server) handleUnadvertise(client *ConnectedClient, msg clientUnadvertiseMsg) {
	for _, id := range msg.ChannelIds {
		if _, ok := client.unadvertiseChannel(id); !ok {
			continue
		}
		if s.listener != nil && s.listener.OnClientUnadvertise != nil {
			s.listener.OnClientUnadvertise(client, id)
		}
	}
}

func (s *Server) handleClientMessageData(client *ConnectedClient, frame clientMessageDataFrame) {
	if _, ok := client.lookupAdvertisedChannel(frame.ChannelID); !ok {
		return
	}
	if s.listener != nil && s.listener.OnMessageData != nil {
		s.listener.OnMessageData(client, frame.ChannelID, frame.Payload)
	}
}

func (s *Server) handleGetParameters(client *ConnectedClient, msg clientGetParametersMsg) {
	var params []Parameter
	if s.listener != nil && s.listener.OnGetParameters != nil {
		params = s.listener.OnGetParameters(client, msg.ParameterNames, msg.ID)
	}
	client.enqueueControl(serverParameterValuesMsg{Op: "parameterValues", Parameters: params, ID: msg.ID})
}

func (s *Server) handleSetParameters(client *ConnectedClient, msg clientSetParametersMsg) {
	var result []Parameter
	if s.listener != nil && s.listener.OnSetParameters != nil {
		result = s.listener.OnSetParameters(client, msg.Parameters, msg.ID)
	}
	// The requester only receives a direct reply when it tagged the request
	// with an id; everyone subscribed to the touched parameters gets the
	// broadcast.
	if msg.ID != "" {
		client.enqueueControl(serverParameterValuesMsg{Op: "parameterValues", Parameters: result, ID: msg.ID})
	}
	s.broadcastParameterValues(result, "")
}

func (s *Server) handleSubscribeConnectionGraph(client *ConnectedClient) {
	client.setGraphSubscribed(true)
	s.addGraphSubscriber(client)
	client.enqueueControl(s.currentGraphSnapshot())
	if s.listener != nil && s.listener.OnConnectionGraphSubscribe != nil {
		s.listener.OnConnectionGraphSubscribe(client)
	}
}

func (s *Server) handleUnsubscribeConnectionGraph(client *ConnectedClient) {
	client.setGraphSubscribed(false)
	s.removeGraphSubscriber(client.ClientID())
	if s.listener != nil && s.listener.OnConnectionGraphUnsubscribe != nil {
		s.listener.OnConnectionGraphUnsubscribe(client)
	}
}

func (s *Server) handleFetchAsset(client *ConnectedClient, msg clientFetchAssetMsg) {
	if s.assetHandler == nil {
		client.enqueueData(encodeServerFetchAssetResponse(msg.RequestID, "asset fetch is not configured", nil))
		return
	}
	s.metrics.assetFetchesTotal.Inc()
	go dispatchFetchAsset(client, s.metrics, s.assetHandler, msg.RequestID, msg.URI)
}

func (s *Server) handleServiceCallRequest(client *ConnectedClient, frame clientServiceCallRequestFrame) {
	s.mu.Lock()
	svc, ok := s.servicesByID[frame.ServiceID]
	s.mu.Unlock()
	if !ok {
		client.sendServiceCallFailure(frame.ServiceID, frame.CallID, "unknown service")
		return
	}

	guard, ok := client.serviceSem.tryAcquire()
	if !ok {
		s.metrics.serviceCallsRejected.Inc()
		client.sendServiceCallFailure(frame.ServiceID, frame.CallID, "too many in-flight service calls")
		return
	}

	// The service's declared request encoding wins; only when it hasn't
	// declared one do we fall back to what the client sent, and then only
	// if the server was configured to accept that encoding.
	var encoding string
	if svc.Schema.Request != nil && svc.Schema.Request.Encoding != "" {
		encoding = svc.Schema.Request.Encoding
	} else {
		encoding = frame.Encoding
		if encoding == "" {
			guard.release()
			client.sendServiceCallFailure(frame.ServiceID, frame.CallID, "unable to determine request encoding")
			return
		}
		if len(s.opts.SupportedEncodings) > 0 && !containsString(s.opts.SupportedEncodings, encoding) {
			guard.release()
			client.sendServiceCallFailure(frame.ServiceID, frame.CallID, "unsupported request encoding: "+encoding)
			return
		}
	}

	// The response defaults to the service's declared response encoding,
	// else the request encoding; the handler may override via SetEncoding.
	responseEncoding := encoding
	if svc.Schema.Response != nil && svc.Schema.Response.Encoding != "" {
		responseEncoding = svc.Schema.Response.Encoding
	}

	s.metrics.serviceCallsTotal.Inc()
	responder := newResponder(client, frame.ServiceID, frame.CallID, responseEncoding, guard)
	req := ServiceRequest{CallID: frame.CallID, Encoding: encoding, Payload: frame.Payload}
	go func() {
		defer responder.releaseIfUnanswered()
		svc.Handler(client, req, responder)
	}()
}

func (s *Server) sendStatus(client *ConnectedClient, level StatusLevel, message string) {
	client.enqueueControl(statusMsg{Op: "status", Level: int(level), Message: message})
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
