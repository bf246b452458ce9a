// Package contracts defines the wire and storage types exchanged between the
// publisher, the broker and the worker:
//   - Envelope: the JSON payload published for every "send email" request
//   - ResultRecord: the record appended to the result store after processing
//
// It also defines the error taxonomy shared by every layer (ValidationError,
// DeserializationError, ProcessingError).
package contracts
