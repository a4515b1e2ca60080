// Package link implements the device/companion sync protocol: a low-latency
// control link for settings deltas and refresh requests, and a
// store-and-forward file transfer for event batches and fetch errors.
package link

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxMessageSize bounds an encoded control message. Anything larger belongs
// in the file transfer.
const MaxMessageSize = 1024

// ErrMessageTooLarge is returned by Encode for oversized messages.
var ErrMessageTooLarge = errors.New("link: message exceeds size limit")

// Message is one control-link message: either a settings delta or the
// refresh sentinel.
type Message struct {
	Key      string  `json:"key,omitempty"`
	NewValue string  `json:"newValue,omitempty"`
	OldValue *string `json:"oldValue,omitempty"`
	Restore  bool    `json:"restore,omitempty"`

	RefreshRequested bool   `json:"refreshRequested,omitempty"`
	Token            uint64 `json:"token,omitempty"`
}

// RefreshRequest builds the refresh sentinel carrying token.
func RefreshRequest(token uint64) Message {
	return Message{RefreshRequested: true, Token: token}
}

// SettingDelta builds a settings change message. old is nil when the key
// had no previous value.
func SettingDelta(key, newValue string, old *string) Message {
	return Message{Key: key, NewValue: newValue, OldValue: old}
}

// RestoreDelta builds a restore-handshake message.
func RestoreDelta(key, value string) Message {
	return Message{Key: key, NewValue: value, Restore: true}
}

// IsSetting reports whether m carries a settings delta.
func (m Message) IsSetting() bool {
	return !m.RefreshRequested && m.Key != ""
}

// Encode marshals m and enforces MaxMessageSize.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}
	return data, nil
}

// DecodeMessage parses one control message.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if len(data) > MaxMessageSize {
		return m, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("link: decode message: %w", err)
	}
	return m, nil
}
