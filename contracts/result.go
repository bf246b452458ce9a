package contracts

import "time"

// Status is the processing outcome stored with a result record
type Status string

const (
	StatusSent Status = "sent"
)

// ResultRecord is appended to the result store after an envelope was processed.
// Records are never updated or deleted.
type ResultRecord struct {
	ID          string    `json:"id" bson:"id"`
	To          string    `json:"to" bson:"to"`
	Subject     string    `json:"subject" bson:"subject"`
	ProcessedAt time.Time `json:"processedAt" bson:"processedAt"`
	Status      Status    `json:"status" bson:"status"`
}

// NewSentRecord builds the record for a successfully processed envelope
func NewSentRecord(env Envelope, processedAt time.Time) ResultRecord {
	return ResultRecord{
		ID:          env.ID,
		To:          env.To,
		Subject:     env.Subject,
		ProcessedAt: processedAt.UTC().Truncate(time.Millisecond),
		Status:      StatusSent,
	}
}
