package wsserver

import "sync"

// MessageSchema names a request or response payload's schema for a
// service.
type MessageSchema struct {
	Encoding   string
	SchemaName string
	SchemaData []byte
}

// ServiceSchema carries optional named request/response sub-schemas for a
// service, each with their own encoding.
type ServiceSchema struct {
	Name     string
	Request  *MessageSchema
	Response *MessageSchema
}

// ServiceRequest is one inbound service call.
type ServiceRequest struct {
	CallID   CallId
	Encoding string
	Payload  []byte
}

// ServiceHandler processes one service call. It must call exactly one of
// Responder.RespondOK or Responder.RespondErr before it returns. Each call
// runs on its own goroutine, so the handler may block. If the handler
// returns without the responder having been used, the call is treated as
// dropped and the synthetic error reply is sent; a reply made later, from
// another goroutine, is ignored.
type ServiceHandler func(client *ConnectedClient, req ServiceRequest, responder *Responder)

// Service is a named, bidirectional RPC endpoint. Names must be
// unique within a server.
type Service struct {
	ID      ServiceId
	Name    string
	Schema  ServiceSchema
	Handler ServiceHandler
}

// NewService constructs a service, assigning it a fresh id.
func NewService(name string, schema ServiceSchema, handler ServiceHandler) *Service {
	return &Service{ID: NewServiceId(), Name: name, Schema: schema, Handler: handler}
}

// Responder lets a service handler reply exactly once. A handler
// that returns without calling RespondOK or RespondErr produces the
// synthetic "service failed to send a response" error, so the client is
// never left hanging.
type Responder struct {
	mu        sync.Mutex
	client    *ConnectedClient
	serviceID ServiceId
	callID    CallId
	encoding  string
	guard     semaphoreGuard
	responded bool
}

func newResponder(client *ConnectedClient, serviceID ServiceId, callID CallId, encoding string, guard semaphoreGuard) *Responder {
	return &Responder{client: client, serviceID: serviceID, callID: callID, encoding: encoding, guard: guard}
}

// SetEncoding overrides the response encoding before the reply is sent. The
// default is the service's declared response encoding, falling back to the
// request encoding. A no-op once a reply has gone out.
func (r *Responder) SetEncoding(encoding string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.responded {
		return
	}
	r.encoding = encoding
}

// RespondOK sends a successful service call response.
func (r *Responder) RespondOK(payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.responded {
		return
	}
	r.responded = true
	r.guard.release()
	r.client.enqueueData(encodeServerServiceCallResponse(r.serviceID, r.callID, r.encoding, payload))
}

// RespondErr sends a service call failure with the given message.
func (r *Responder) RespondErr(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.responded {
		return
	}
	r.responded = true
	r.guard.release()
	r.client.sendServiceCallFailure(r.serviceID, r.callID, message)
}

// releaseIfUnanswered implements the "dropped responder" rule: it runs when
// the handler's goroutine returns, to guarantee exactly one reply per call.
func (r *Responder) releaseIfUnanswered() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.responded {
		return
	}
	r.responded = true
	r.guard.release()
	r.client.sendServiceCallFailure(r.serviceID, r.callID, "Internal server error: service failed to send a response")
}
