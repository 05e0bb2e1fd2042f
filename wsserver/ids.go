package wsserver

import "sync/atomic"

// ServiceId identifies a registered service within a server.
type ServiceId uint32

// CallId identifies one in-flight service call, scoped to the calling
// client.
type CallId uint32

// ClientChannelId identifies a channel a client has advertised back to the
// server.
type ClientChannelId uint32

var nextServiceId atomic.Uint32

// NewServiceId returns the next non-zero service id.
func NewServiceId() ServiceId {
	return ServiceId(nextServiceId.Add(1))
}
