// Package wsserver implements the WebSocket visualization server sink:
// connection lifecycle, per-client subscriptions, the
// advertise/subscribe/message-data wire protocol, services (bidirectional
// RPC), parameters, asset fetching, and connection graph publication.
package wsserver
