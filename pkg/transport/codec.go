package transport

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/remchan/remchan/pkg/ipc"
)

// The wire carries two shapes of value: protocol messages, which are JSON
// objects with a numeric "type" field, and bare values such as the connection
// announcement an IPC client sends first. Both sides of the classification
// live here so the net.Conn and websocket transports stay in sync.

func encodeValue(v interface{}) ([]byte, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "Encode message")
	}
	return buf, nil
}

func decodeValue(raw []byte) (interface{}, error) {
	var probe struct {
		Type *ipc.MessageType `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil && probe.Type != nil {
		var msg ipc.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, errors.Wrap(err, "Decode protocol message")
		}
		return msg, nil
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errors.Wrap(err, "Decode message")
	}
	return v, nil
}
