/*
Package harbuilder implements the HAR Builder (spec §4.3): a pure transform from a captured
request/response exchange plus its timing measurements into a HAR-shaped datapoint string, keyed by
a Service Token.

There is no struct hierarchy or interface here on purpose — design note §9 calls the source's
type-level Service Token polymorphism unnecessary, and Build is a plain function taking the token as
a parameter, grounded on how trustydns's dnsutil package keeps wire-format transforms as free
functions operating on plain structs rather than objects with behaviour.
*/
package harbuilder

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Timings holds the three phases §4.5 measures: time from request acceptance to upstream dispatch
// (Send), time spent waiting for upstream response headers (Wait), and time spent streaming the
// response body back to the client (Receive). All three are clamped to >= 0.
type Timings struct {
	SendMs    int64
	WaitMs    int64
	ReceiveMs int64
}

// ArchiveInput is the captured record of one request/response exchange (spec §3's Archive Input).
// It is immutable once populated by the Request Lifecycle Engine and is consumed exactly once by
// Build.
type ArchiveInput struct {
	Method          string
	URL             string
	RequestHeaders  http.Header
	RequestBodyLen  int64
	StatusCode      int // zero when no upstream response was obtained
	ResponseHeaders http.Header
	ResponseBodyLen int64
	ClientIP        string
	ServerIP        string // resolved upstream address, or "<error>"
	Timings         Timings
	StartedDateTime time.Time
}

// harMessage is the outer envelope described in spec §6: serviceToken, startedDateTime,
// clientIPAddress, serverIPAddress, request/response blocks and the timings triple. id carries a
// uuid so a datapoint dropped at egress can still be located via structured logs.
type harMessage struct {
	ID              string      `json:"id"`
	ServiceToken    string      `json:"serviceToken"`
	StartedDateTime string      `json:"startedDateTime"`
	ClientIPAddress string      `json:"clientIPAddress"`
	ServerIPAddress string      `json:"serverIPAddress"`
	Request         harRequest  `json:"request"`
	Response        harResponse `json:"response"`
	Timings         harTimings  `json:"timings"`
}

type harRequest struct {
	Method   string     `json:"method"`
	URL      string     `json:"url"`
	Headers  []harField `json:"headers"`
	BodySize int64      `json:"bodySize"`
}

type harResponse struct {
	Status   int        `json:"status"`
	Headers  []harField `json:"headers"`
	BodySize int64      `json:"bodySize"`
}

type harField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type harTimings struct {
	Send    int64 `json:"send"`
	Wait    int64 `json:"wait"`
	Receive int64 `json:"receive"`
}

// Build renders in into a HAR-shaped JSON message for token. It has no side effects and never
// mutates in. Returns the serialised message plus the request id assigned to it.
func Build(token string, in ArchiveInput) (message string, id string, err error) {
	id = uuid.New().String()

	msg := harMessage{
		ID:              id,
		ServiceToken:    token,
		StartedDateTime: in.StartedDateTime.UTC().Format(time.RFC3339Nano),
		ClientIPAddress: in.ClientIP,
		ServerIPAddress: in.ServerIP,
		Request: harRequest{
			Method:   in.Method,
			URL:      in.URL,
			Headers:  headerFields(in.RequestHeaders),
			BodySize: clampNonNegative(in.RequestBodyLen),
		},
		Response: harResponse{
			Status:   in.StatusCode,
			Headers:  headerFields(in.ResponseHeaders),
			BodySize: clampNonNegative(in.ResponseBodyLen),
		},
		Timings: harTimings{
			Send:    clampNonNegative(in.Timings.SendMs),
			Wait:    clampNonNegative(in.Timings.WaitMs),
			Receive: clampNonNegative(in.Timings.ReceiveMs),
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", id, err
	}
	return string(data), id, nil
}

// headerFields flattens a http.Header into HAR's name/value pair array in Go map iteration order.
// That order is non-deterministic, which is acceptable here since HAR consumers index by name, not
// position.
func headerFields(h http.Header) []harField {
	if len(h) == 0 {
		return []harField{}
	}
	fields := make([]harField, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			fields = append(fields, harField{Name: name, Value: v})
		}
	}
	return fields
}

func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
