package gateway

import (
	"runtime"
	"time"

	"emperror.dev/errors"
	"github.com/francoispqt/gojay"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// InboundFrame is the fixed header of a received gateway message, the payload is kept raw
type InboundFrame struct {
	Operation GatewayOP
	// Sequence is nil when the frame carried no sequence number
	Sequence *int64
	Type     string
	RawData  gojay.EmbeddedJSON
}

// UnmarshalJSONObject implements gojay.UnmarshalerJSONObject
func (f *InboundFrame) UnmarshalJSONObject(dec *gojay.Decoder, key string) error {
	switch key {
	case "op":
		return dec.Int((*int)(&f.Operation))
	case "s":
		return dec.Int64Null(&f.Sequence)
	case "t":
		var t *string
		err := dec.StringNull(&t)
		if t != nil {
			f.Type = *t
		}
		return err
	case "d":
		return dec.AddEmbeddedJSON(&f.RawData)
	}

	return nil
}

// NKeys implements gojay.UnmarshalerJSONObject
func (f *InboundFrame) NKeys() int {
	return 0
}

// DecodeFrame decodes the header of a single gateway message
func DecodeFrame(data []byte) (*InboundFrame, error) {
	f := &InboundFrame{}
	if err := gojay.UnmarshalJSONObject(data, f); err != nil {
		return nil, errors.WithMessage(errors.WithStack(ErrProtocolViolation), "malformed frame: "+err.Error())
	}

	return f, nil
}

// DispatchedEvent is a dispatch (op 0) received while connected
type DispatchedEvent struct {
	ShardID  int    `json:"shard_id" msgpack:"shard_id"`
	Sequence int64  `json:"seq" msgpack:"seq"`
	Type     string `json:"t" msgpack:"t"`
	// Payload is the raw json "d" field
	Payload []byte `json:"d" msgpack:"d"`

	// ReceivedAt is when the transport handed over the frame, used as the cut-over
	// reference during shard replacement
	ReceivedAt time.Time `json:"received_at" msgpack:"received_at"`
}

type outgoingFrame struct {
	Operation GatewayOP   `json:"op"`
	Data      interface{} `json:"d"`
}

// EncodeFrame serializes an outgoing gateway message
func EncodeFrame(op GatewayOP, data interface{}) ([]byte, error) {
	b, err := json.Marshal(outgoingFrame{Operation: op, Data: data})
	return b, errors.WithStackIf(err)
}

type identifyData struct {
	Token          string             `json:"token"`
	Properties     identifyProperties `json:"properties"`
	LargeThreshold int                `json:"large_threshold"`
	Compress       bool               `json:"compress"`
	Shard          [2]int             `json:"shard"`
	Intents        interface{}        `json:"intents,omitempty"`
	Presence       *UpdateStatusData  `json:"presence,omitempty"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

func defaultProperties() identifyProperties {
	return identifyProperties{
		OS:      runtime.GOOS,
		Browser: "shardgate",
		Device:  "shardgate",
	}
}

type helloData struct {
	HeartbeatInterval int64    `json:"heartbeat_interval"` // the interval (in milliseconds) the client should heartbeat with
	Trace             []string `json:"_trace"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

type readyData struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}
