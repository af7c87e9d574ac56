package taskqueue

import (
	"bytes"
	"encoding/gob"

	"github.com/petrijr/correl/pkg/api"
)

// encodeEvent gob-encodes an inbound event for durable queue storage.
// Parameter values must be gob-encodable; concrete types beyond the JSON
// primitives need a gob.Register call by the embedding application.
func encodeEvent(ev api.InboundEvent) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&ev); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeEvent gob-decodes an inbound event.
func decodeEvent(data []byte) (api.InboundEvent, error) {
	var ev api.InboundEvent
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&ev); err != nil {
		return api.InboundEvent{}, err
	}
	return ev, nil
}
