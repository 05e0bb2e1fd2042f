package wsserver

import telemetry "github.com/arclog/telemetry"

// Listener bundles the optional callbacks a server invokes in response to
// client actions. Every field is optional; nil callbacks are simply
// skipped. Callbacks must not block; they run on the connection's own
// dispatch goroutine and a slow callback stalls only that one client.
type Listener struct {
	// OnSubscribe is called when a client subscribes to a channel.
	OnSubscribe func(client *ConnectedClient, channelID telemetry.ChannelId)
	// OnUnsubscribe is called when a client unsubscribes from a channel.
	OnUnsubscribe func(client *ConnectedClient, channelID telemetry.ChannelId)

	// OnClientAdvertise is called when a client advertises a channel it
	// intends to publish on.
	OnClientAdvertise func(client *ConnectedClient, channel ClientChannelId, topic, encoding, schemaName string)
	// OnClientUnadvertise is called when a client retracts an advertised
	// channel.
	OnClientUnadvertise func(client *ConnectedClient, channel ClientChannelId)
	// OnMessageData is called for every message a client publishes on one of
	// its advertised channels.
	OnMessageData func(client *ConnectedClient, channel ClientChannelId, payload []byte)

	// OnGetParameters handles a parameter read request and returns the
	// requested parameters (or all parameters, if names is empty).
	OnGetParameters func(client *ConnectedClient, names []string, requestID string) []Parameter
	// OnSetParameters handles a parameter write request and returns the
	// resulting parameter values, echoed back to the requester when the
	// request carries an id, and broadcast to subscribers.
	OnSetParameters func(client *ConnectedClient, params []Parameter, requestID string) []Parameter
	// OnParametersSubscribe is called when a client subscribes to updates
	// for the named parameters.
	OnParametersSubscribe func(client *ConnectedClient, names []string)
	// OnParametersUnsubscribe is called when a client unsubscribes from
	// updates for the named parameters.
	OnParametersUnsubscribe func(client *ConnectedClient, names []string)

	// OnConnectionGraphSubscribe is called when a client subscribes to
	// connection-graph updates.
	OnConnectionGraphSubscribe func(client *ConnectedClient)
	// OnConnectionGraphUnsubscribe is called when a client unsubscribes from
	// connection-graph updates.
	OnConnectionGraphUnsubscribe func(client *ConnectedClient)
}
