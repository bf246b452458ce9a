package contracts

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// KindEmail is the discriminator for "send email" envelopes
const KindEmail = "email"

// ContentTypeJSON is the content type declared on every published envelope
const ContentTypeJSON = "application/json"

// Envelope wraps a single email request for transport
type Envelope struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewEmailEnvelope creates an envelope with a generated ID and the current timestamp.
// The caller is expected to have validated the fields with ValidateEmailRequest.
func NewEmailEnvelope(to, subject, body string) Envelope {
	return Envelope{
		ID:        uuid.New().String(),
		Kind:      KindEmail,
		To:        to,
		Subject:   subject,
		Body:      body,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

// Marshal serializes the envelope into the broker payload
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a broker payload. Malformed JSON and envelopes
// without an id are reported as *DeserializationError.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, &DeserializationError{Payload: truncatePayload(payload), Err: err}
	}
	if env.ID == "" {
		return Envelope{}, &DeserializationError{Payload: truncatePayload(payload), Err: ErrMissingEnvelopeID}
	}
	return env, nil
}

func truncatePayload(payload []byte) string {
	const max = 256
	if len(payload) > max {
		return string(payload[:max]) + "..."
	}
	return string(payload)
}
