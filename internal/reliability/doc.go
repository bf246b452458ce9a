// Package reliability provides the retry policies used when a delivery fails
// and when the broker connection has to be re-established.
//
// Two policies are provided:
//   - Unlimited: always retry immediately (requeue forever)
//   - ExponentialBackoff: bounded retries with exponential delay and jitter
//
// AttemptTracker counts failed attempts per message id so a consumer can
// decide when a message has exhausted its retries.
package reliability
