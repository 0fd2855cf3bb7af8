// Package eventenvelope converts between the Event Log's internal
// EventRecord and the CloudEvents 1.0 structured JSON the HTTP surface
// exposes on /listen, /events and /publish (spec §6).
package eventenvelope

import (
	"encoding/json"
	"errors"
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"github.com/kernelci/kernelci-api-core/internal/eventlog"
)

// Sentinel errors for a malformed /publish request body.
var (
	ErrMissingData = errors.New("publish body missing required 'data' field")
)

const (
	// defaultTypePrefix and defaultSourcePrefix build the CloudEvent
	// type/source when a publisher omits them, as spec §6's "Body =
	// CloudEvents envelope { type?, source?, data, attributes? }" allows.
	defaultTypePrefix   = "io.kernelci.api."
	defaultSourcePrefix = "/kernelci-api/"
)

// PublishBody is the decoded shape of a POST /publish/{channel} request.
type PublishBody struct {
	Type       string                 `json:"type,omitempty"`
	Source     string                 `json:"source,omitempty"`
	Data       json.RawMessage        `json:"data"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// DecodePublishBody parses a /publish request body. Only Data is required;
// Type, Source and Attributes default when absent.
func DecodePublishBody(raw []byte) (PublishBody, error) {
	var body PublishBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return PublishBody{}, fmt.Errorf("decoding publish body: %w", err)
	}
	if len(body.Data) == 0 {
		return PublishBody{}, ErrMissingData
	}
	return body, nil
}

// EncodePayload serializes body into the form persisted as an
// eventlog.EventRecord's Payload: the full envelope when the publisher
// supplied type/source/attributes, or just the bare data when they did
// not, mirroring the dual native/CloudEvents detection eventbus.parseRecord
// uses on read.
func EncodePayload(body PublishBody) (json.RawMessage, error) {
	if body.Type == "" && body.Source == "" && len(body.Attributes) == 0 {
		return body.Data, nil
	}
	return json.Marshal(body)
}

// decodeStoredPayload recovers the publisher-supplied type/source/attributes
// from a record's Payload, if it was stored wrapped, falling back to the
// bare payload as Data with no extra attributes.
func decodeStoredPayload(payload json.RawMessage) PublishBody {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err == nil {
		if data, ok := m["data"]; ok {
			var body PublishBody
			if err := json.Unmarshal(payload, &body); err == nil && len(data) > 0 {
				return body
			}
		}
	}
	return PublishBody{Data: payload}
}

// Encode converts rec into a CloudEvents 1.0 Event, adding channel, owner
// and sequence_id as extension attributes (spec §6: "The envelope adds
// three fields the core requires").
func Encode(channel string, rec eventlog.EventRecord) (cloudevents.Event, error) {
	body := decodeStoredPayload(rec.Payload)

	evtType := body.Type
	if evtType == "" {
		evtType = defaultTypePrefix + channel
	}
	source := body.Source
	if source == "" {
		source = defaultSourcePrefix + channel
	}

	event := cloudevents.NewEvent()
	event.SetID(newEventID())
	event.SetSource(source)
	event.SetType(evtType)
	event.SetTime(rec.Timestamp)
	event.SetSpecVersion(cloudevents.VersionV1)

	if len(body.Data) > 0 {
		if err := event.SetData(cloudevents.ApplicationJSON, json.RawMessage(body.Data)); err != nil {
			return cloudevents.Event{}, fmt.Errorf("setting event data: %w", err)
		}
	}

	for key, value := range body.Attributes {
		event.SetExtension(key, value)
	}
	event.SetExtension("channel", channel)
	event.SetExtension("owner", rec.Owner)
	event.SetExtension("sequence_id", rec.SequenceID)

	return event, nil
}

// newEventID generates a CloudEvent id using UUIDv7 so ids sort with
// creation order, falling back to v4 on the rare generation failure.
func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
