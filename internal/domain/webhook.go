package domain

// Webhook envelope for inbound Messenger events. Only the first entry and
// the first messaging item are ever processed; an empty envelope is a no-op
// acknowledgement, not an error.

type WebhookPayload struct {
	Entry []Entry `json:"entry"`
}

type Entry struct {
	Messaging []MessagingEvent `json:"messaging"`
}

type MessagingEvent struct {
	Sender  Sender  `json:"sender"`
	Message Message `json:"message"`
}

type Sender struct {
	ID string `json:"id"`
}

type Message struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type Attachment struct {
	Type    string            `json:"type"`
	Payload AttachmentPayload `json:"payload"`
}

type AttachmentPayload struct {
	URL string `json:"url"`
}
