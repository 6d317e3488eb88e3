package opsqueue

import (
	"encoding/json"
	"fmt"
)

// MovePayload is the kind-specific payload for an OpMove entry: the
// destination path. Both the Local Watcher Adapter (producer) and the
// Engine Loop (consumer) share this shape via the queue package rather than
// importing one another.
type MovePayload struct {
	To string `json:"to"`
}

// EncodeMovePayload marshals a move destination for Enqueue's payload arg.
func EncodeMovePayload(to string) (string, error) {
	b, err := json.Marshal(MovePayload{To: to})
	if err != nil {
		return "", fmt.Errorf("opsqueue: encoding move payload: %w", err)
	}

	return string(b), nil
}

// DecodeMovePayload unmarshals a move op's payload.
func DecodeMovePayload(payload string) (MovePayload, error) {
	var p MovePayload

	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return MovePayload{}, fmt.Errorf("opsqueue: decoding move payload: %w", err)
	}

	return p, nil
}
