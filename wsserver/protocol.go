package wsserver

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"

	telemetry "github.com/arclog/telemetry"
)

// StatusLevel is the severity of a status frame.
type StatusLevel int

const (
	StatusInfo StatusLevel = iota
	StatusWarning
	StatusError
)

// Client binary opcodes.
const (
	clientOpMessageData        byte = 1
	clientOpServiceCallRequest byte = 2
)

// Server binary opcodes.
const (
	serverOpMessageData         byte = 1
	serverOpTime                byte = 2
	serverOpServiceCallResponse byte = 3
	serverOpFetchAssetResponse  byte = 4
)

// --- JSON: client -> server --------------------------------------------

type subscribeEntry struct {
	ID        telemetry.SubscriptionId `json:"id"`
	ChannelID telemetry.ChannelId      `json:"channelId"`
}

type clientSubscribeMsg struct {
	Op            string           `json:"op"`
	Subscriptions []subscribeEntry `json:"subscriptions"`
}

type clientUnsubscribeMsg struct {
	Op              string                     `json:"op"`
	SubscriptionIds []telemetry.SubscriptionId `json:"subscriptionIds"`
}

type clientAdvertiseChannel struct {
	ID             ClientChannelId `json:"id"`
	Topic          string          `json:"topic"`
	Encoding       string          `json:"encoding"`
	SchemaName     string          `json:"schemaName"`
	SchemaEncoding string          `json:"schemaEncoding,omitempty"`
	Schema         string          `json:"schema,omitempty"`
}

type clientAdvertiseMsg struct {
	Op       string                   `json:"op"`
	Channels []clientAdvertiseChannel `json:"channels"`
}

type clientUnadvertiseMsg struct {
	Op         string            `json:"op"`
	ChannelIds []ClientChannelId `json:"channelIds"`
}

type clientGetParametersMsg struct {
	Op             string   `json:"op"`
	ParameterNames []string `json:"parameterNames"`
	ID             string   `json:"id,omitempty"`
}

type clientSetParametersMsg struct {
	Op         string      `json:"op"`
	Parameters []Parameter `json:"parameters"`
	ID         string      `json:"id,omitempty"`
}

type clientParameterSubscribeMsg struct {
	Op             string   `json:"op"`
	ParameterNames []string `json:"parameterNames"`
}

type clientFetchAssetMsg struct {
	Op        string `json:"op"`
	URI       string `json:"uri"`
	RequestID uint32 `json:"requestId"`
}

// opEnvelope is used to sniff the `op` discriminator before unmarshaling
// into the concrete message type.
type opEnvelope struct {
	Op string `json:"op"`
}

// --- JSON: server -> client --------------------------------------------

type serverInfoMsg struct {
	Op                 string   `json:"op"`
	Name               string   `json:"name"`
	Capabilities       []string `json:"capabilities"`
	SupportedEncodings []string `json:"supportedEncodings,omitempty"`
	SessionID          string   `json:"sessionId"`
}

type statusMsg struct {
	Op      string `json:"op"`
	Level   int    `json:"level"`
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

type removeStatusMsg struct {
	Op        string   `json:"op"`
	StatusIds []string `json:"statusIds"`
}

type serverChannel struct {
	ID             telemetry.ChannelId `json:"id"`
	Topic          string              `json:"topic"`
	Encoding       string              `json:"encoding"`
	SchemaName     string              `json:"schemaName"`
	SchemaEncoding string              `json:"schemaEncoding,omitempty"`
	Schema         string              `json:"schema,omitempty"`
}

type serverAdvertiseMsg struct {
	Op       string          `json:"op"`
	Channels []serverChannel `json:"channels"`
}

type serverUnadvertiseMsg struct {
	Op         string                `json:"op"`
	ChannelIds []telemetry.ChannelId `json:"channelIds"`
}

type serverParameterValuesMsg struct {
	Op         string      `json:"op"`
	Parameters []Parameter `json:"parameters"`
	ID         string      `json:"id,omitempty"`
}

type serverServiceInfo struct {
	ID       ServiceId   `json:"id"`
	Name     string      `json:"name"`
	Request  *schemaWire `json:"request,omitempty"`
	Response *schemaWire `json:"response,omitempty"`
}

type schemaWire struct {
	Encoding   string `json:"encoding"`
	SchemaName string `json:"schemaName"`
	Schema     string `json:"schema,omitempty"`
}

type serverAdvertiseServicesMsg struct {
	Op       string              `json:"op"`
	Services []serverServiceInfo `json:"services"`
}

type serverUnadvertiseServicesMsg struct {
	Op         string      `json:"op"`
	ServiceIds []ServiceId `json:"serviceIds"`
}

type serverServiceCallFailureMsg struct {
	Op        string    `json:"op"`
	ServiceID ServiceId `json:"serviceId"`
	CallID    CallId    `json:"callId"`
	Message   string    `json:"message"`
}

// serverConnectionGraphUpdateMsg is encoded by (*ConnectionGraph).diff.
type serverConnectionGraphUpdateMsg struct {
	Op                 string                 `json:"op"`
	PublishedTopics    []publishedTopicEntry  `json:"publishedTopics"`
	SubscribedTopics   []subscribedTopicEntry `json:"subscribedTopics"`
	AdvertisedServices []serviceEntry         `json:"advertisedServices"`
	RemovedTopics      []string               `json:"removedTopics"`
	RemovedServices    []string               `json:"removedServices"`
}

type publishedTopicEntry struct {
	Name         string   `json:"name"`
	PublisherIds []string `json:"publisherIds"`
}

type subscribedTopicEntry struct {
	Name          string   `json:"name"`
	SubscriberIds []string `json:"subscriberIds"`
}

type serviceEntry struct {
	Name      string   `json:"name"`
	Providers []string `json:"providerIds"`
}

func encodeSchemaBytes(encoding string, data []byte) string {
	if telemetry.IsBinarySchemaEncoding(encoding) {
		return base64.StdEncoding.EncodeToString(data)
	}
	return string(data)
}

func marshalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// --- Binary frames -------------------------------------------------------

type clientMessageDataFrame struct {
	ChannelID ClientChannelId
	Payload   []byte
}

type clientServiceCallRequestFrame struct {
	ServiceID ServiceId
	CallID    CallId
	Encoding  string
	Payload   []byte
}

// decodeClientBinaryFrame parses a binary client->server frame.
func decodeClientBinaryFrame(data []byte) (any, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("empty binary frame")
	}
	op := data[0]
	body := data[1:]
	switch op {
	case clientOpMessageData:
		if len(body) < 4 {
			return nil, fmt.Errorf("messageData frame too short")
		}
		return clientMessageDataFrame{
			ChannelID: ClientChannelId(binary.LittleEndian.Uint32(body[0:4])),
			Payload:   body[4:],
		}, nil
	case clientOpServiceCallRequest:
		if len(body) < 12 {
			return nil, fmt.Errorf("serviceCallRequest frame too short")
		}
		serviceID := ServiceId(binary.LittleEndian.Uint32(body[0:4]))
		callID := CallId(binary.LittleEndian.Uint32(body[4:8]))
		encLen := binary.LittleEndian.Uint32(body[8:12])
		rest := body[12:]
		if uint32(len(rest)) < encLen {
			return nil, fmt.Errorf("serviceCallRequest frame truncated encoding")
		}
		encoding := string(rest[:encLen])
		payload := rest[encLen:]
		return clientServiceCallRequestFrame{
			ServiceID: serviceID,
			CallID:    callID,
			Encoding:  encoding,
			Payload:   payload,
		}, nil
	default:
		return nil, fmt.Errorf("unknown client binary opcode %d", op)
	}
}

// encodeServerMessageData builds a server messageData frame.
func encodeServerMessageData(subID telemetry.SubscriptionId, logTimeNanos uint64, payload []byte) []byte {
	buf := make([]byte, 1+4+8+len(payload))
	buf[0] = serverOpMessageData
	binary.LittleEndian.PutUint32(buf[1:5], uint32(subID))
	binary.LittleEndian.PutUint64(buf[5:13], logTimeNanos)
	copy(buf[13:], payload)
	return buf
}

// encodeServerTime builds a server time frame.
func encodeServerTime(timestampNanos uint64) []byte {
	buf := make([]byte, 1+8)
	buf[0] = serverOpTime
	binary.LittleEndian.PutUint64(buf[1:9], timestampNanos)
	return buf
}

// encodeServerServiceCallResponse builds a server serviceCallResponse frame.
func encodeServerServiceCallResponse(serviceID ServiceId, callID CallId, encoding string, payload []byte) []byte {
	encBytes := []byte(encoding)
	buf := make([]byte, 1+4+4+4+len(encBytes)+len(payload))
	buf[0] = serverOpServiceCallResponse
	binary.LittleEndian.PutUint32(buf[1:5], uint32(serviceID))
	binary.LittleEndian.PutUint32(buf[5:9], uint32(callID))
	binary.LittleEndian.PutUint32(buf[9:13], uint32(len(encBytes)))
	n := copy(buf[13:], encBytes)
	copy(buf[13+n:], payload)
	return buf
}

// encodeServerFetchAssetResponse builds a server fetchAssetResponse frame.
// The u32 after the status byte is the error message length: zero on
// success, with the asset payload following directly.
func encodeServerFetchAssetResponse(requestID uint32, errStr string, payload []byte) []byte {
	status := byte(0)
	errBytes := []byte(errStr)
	body := payload
	if errStr != "" {
		status = 1
		body = errBytes
	}
	buf := make([]byte, 1+4+1+4+len(body))
	buf[0] = serverOpFetchAssetResponse
	binary.LittleEndian.PutUint32(buf[1:5], requestID)
	buf[5] = status
	binary.LittleEndian.PutUint32(buf[6:10], uint32(len(errBytes)))
	copy(buf[10:], body)
	return buf
}
