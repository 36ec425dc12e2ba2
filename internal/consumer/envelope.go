package consumer

import (
	"fmt"
	"time"
)

// Session event types published by the packet gateway.
const (
	EventSessionStart = "SESSION_START"
	EventIPChange     = "IP_CHANGE"
	EventSessionEnd   = "SESSION_END"
)

// sessionEvent is the JSON envelope carried on the sessions.> subjects.
// phoneId is the child's E.164 MSISDN and the partition key of the whole
// pipeline; subscriberId is the SIM-level identity (IMSI).
type sessionEvent struct {
	EventType    string    `json:"eventType"`
	Timestamp    time.Time `json:"timestamp"`
	SessionID    string    `json:"sessionId"`
	SubscriberID string    `json:"subscriberId"`
	MSISDN       string    `json:"phoneId"`

	// SESSION_START / SESSION_END addresses.
	PrivateIP string `json:"privateIP,omitempty"`
	PublicIP  string `json:"publicIP,omitempty"`

	// IP_CHANGE addresses.
	OldPrivateIP string `json:"oldPrivateIP,omitempty"`
	NewPrivateIP string `json:"newPrivateIP,omitempty"`
	OldPublicIP  string `json:"oldPublicIP,omitempty"`
	NewPublicIP  string `json:"newPublicIP,omitempty"`
}

// validate checks the structural requirements per event type. Violations
// are poison pills: redelivery can never fix them.
func (e *sessionEvent) validate() error {
	if e.MSISDN == "" {
		return fmt.Errorf("phoneId is empty")
	}
	switch e.EventType {
	case EventSessionStart:
		if e.SessionID == "" || e.SubscriberID == "" || e.PrivateIP == "" {
			return fmt.Errorf("SESSION_START requires sessionId, subscriberId and privateIP")
		}
	case EventIPChange:
		if e.SubscriberID == "" || e.NewPrivateIP == "" {
			return fmt.Errorf("IP_CHANGE requires subscriberId and newPrivateIP")
		}
	case EventSessionEnd:
		if e.SessionID == "" {
			return fmt.Errorf("SESSION_END requires sessionId")
		}
	case "":
		return fmt.Errorf("eventType is empty")
	default:
		return fmt.Errorf("unknown eventType %q", e.EventType)
	}
	return nil
}
