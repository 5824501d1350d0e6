package bus

import "time"

const (
	// TopicLogRecord carries a logstream.Record for every accepted log line.
	TopicLogRecord = "log.record"
	// TopicRelayDispatched carries a RelayEvent after each relayed call.
	TopicRelayDispatched = "relay.dispatched"
	// TopicAuthIssued and TopicAuthRejected carry AuthEvent values.
	TopicAuthIssued   = "auth.issued"
	TopicAuthRejected = "auth.rejected"
	// TopicConfigReloaded carries the new config fingerprint as a string.
	TopicConfigReloaded = "config.reloaded"
)

// RelayEvent describes one relayed adapter call.
type RelayEvent struct {
	Username string
	Method   string
	OK       bool
	Error    string
	Duration time.Duration
}

// AuthEvent describes a token issue or rejection.
type AuthEvent struct {
	Username string
	Via      string // http, chat, cli, ws, history
	Reason   string
	Remote   string
}
