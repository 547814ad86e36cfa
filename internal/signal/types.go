// Package signal is parley's remote transport: a client for signal-cli's
// JSON-RPC mode and a [Gateway] that adapts it to the assistant.
package signal

// Envelope is the structure signal-cli pushes for each received event.
// Only data messages reach the gateway; other envelope kinds are
// dropped by the client.
type Envelope struct {
	Source       string `json:"source"`
	SourceNumber string `json:"sourceNumber"`
	SourceName   string `json:"sourceName"`
	Timestamp    int64  `json:"timestamp"`

	DataMessage *DataMessage `json:"dataMessage,omitempty"`
}

// Sender is the phone number of whoever sent the envelope. Newer
// signal-cli releases put the account UUID in Source and the number in
// SourceNumber; older ones only fill Source.
func (e *Envelope) Sender() string {
	if e.SourceNumber != "" {
		return e.SourceNumber
	}
	return e.Source
}

// DataMessage is a normal text or media message.
type DataMessage struct {
	Timestamp   int64        `json:"timestamp"`
	Message     string       `json:"message"`
	GroupInfo   *GroupInfo   `json:"groupInfo,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment describes a file attached to an inbound message.
type Attachment struct {
	ContentType string `json:"contentType"`
	Filename    string `json:"filename,omitempty"`
	ID          string `json:"id"`
	Size        int64  `json:"size"`
}

// GroupInfo identifies the group a message was sent to.
type GroupInfo struct {
	GroupID string `json:"groupId"`
	Type    string `json:"type"`
}

type receiveNotification struct {
	Envelope Envelope `json:"envelope"`
}

type sendResult struct {
	Timestamp int64 `json:"timestamp"`
}
