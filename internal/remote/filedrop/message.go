package filedrop

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Message types carried over the filedrop DataChannel.
const (
	MessageTypeDropStart    = "drop_start"
	MessageTypeDropChunk    = "drop_chunk"
	MessageTypeDropComplete = "drop_complete"
)

// Message is one filedrop protocol message. Chunk payloads are base64 in
// Data since the channel carries text frames.
type Message struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	Name       string `json:"name,omitempty"`
	Size       int64  `json:"size,omitempty"`
	Offset     int64  `json:"offset,omitempty"`
	Data       string `json:"data,omitempty"`
}

// EncodeMessage serializes a Message for SendText.
func EncodeMessage(message Message) ([]byte, error) {
	return json.Marshal(message)
}

// DecodeMessage parses a text frame into a Message.
func DecodeMessage(payload []byte) (Message, error) {
	var message Message
	if err := json.Unmarshal(payload, &message); err != nil {
		return Message{}, fmt.Errorf("filedrop: decode message: %w", err)
	}
	if message.Type == "" {
		return Message{}, fmt.Errorf("filedrop: message missing type")
	}
	return message, nil
}

// EncodeChunk base64-encodes raw chunk bytes for the Data field.
func EncodeChunk(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeChunk reverses EncodeChunk.
func DecodeChunk(data string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("filedrop: decode chunk: %w", err)
	}
	return raw, nil
}
