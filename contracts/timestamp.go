package contracts

import (
	"encoding/json"
	"time"
)

// TimestampLayout is the wire format of createdAt and processedAt: UTC with
// exactly three fractional digits, e.g. 2024-03-01T10:30:00.000Z
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp renders t in TimestampLayout
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

type envelopeJSON Envelope

// MarshalJSON writes CreatedAt with fixed millisecond width
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		envelopeJSON
		CreatedAt string `json:"createdAt"`
	}{envelopeJSON(e), FormatTimestamp(e.CreatedAt)})
}

type resultRecordJSON ResultRecord

// MarshalJSON writes ProcessedAt with fixed millisecond width
func (r ResultRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		resultRecordJSON
		ProcessedAt string `json:"processedAt"`
	}{resultRecordJSON(r), FormatTimestamp(r.ProcessedAt)})
}
