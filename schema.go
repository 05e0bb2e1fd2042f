package telemetry

// Schema is the immutable (name, encoding, data) triple describing a
// channel's payload format. Two schemas are equal iff all three fields
// match.
type Schema struct {
	Name     string
	Encoding string
	Data     []byte
}

// Equal reports whether two schemas have identical name, encoding, and data.
func (s Schema) Equal(other Schema) bool {
	if s.Name != other.Name || s.Encoding != other.Encoding {
		return false
	}
	if len(s.Data) != len(other.Data) {
		return false
	}
	for i := range s.Data {
		if s.Data[i] != other.Data[i] {
			return false
		}
	}
	return true
}

// schemaRequiredEncodings is the set of message encodings that mandate a
// schema on the wire.
var schemaRequiredEncodings = map[string]bool{
	"protobuf":   true,
	"flatbuffer": true,
	"ros1":       true,
	"cdr":        true,
}

// RequiresSchema reports whether messages using this encoding must carry a
// schema.
func RequiresSchema(messageEncoding string) bool {
	return schemaRequiredEncodings[messageEncoding]
}

// binarySchemaEncodings is the set of schema encodings whose bytes are
// base64-encoded on the WebSocket JSON wire rather than sent as raw UTF-8.
var binarySchemaEncodings = map[string]bool{
	"protobuf":   true,
	"flatbuffer": true,
}

// IsBinarySchemaEncoding reports whether a schema with this encoding must be
// base64-encoded when serialized into a JSON wire message.
func IsBinarySchemaEncoding(schemaEncoding string) bool {
	return binarySchemaEncodings[schemaEncoding]
}
