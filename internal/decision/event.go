package decision

import (
	"encoding/json"
	"time"

	"github.com/davidahmann/orca/pkg/types"
	"github.com/google/uuid"
)

const (
	DefaultEventType   = "orca.decision.v1"
	DefaultEventSource = "urn:orca:decision-engine"
)

// BuildEvent wraps payload in a CloudEvents envelope with a fresh id.
func BuildEvent(eventType, source, subject string, payload any, now time.Time) (types.CloudEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return types.CloudEvent{}, err
	}
	if eventType == "" {
		eventType = DefaultEventType
	}
	if source == "" {
		source = DefaultEventSource
	}
	return types.CloudEvent{
		SpecVersion:     types.CloudEventsSpecVersion,
		ID:              uuid.NewString(),
		Source:          source,
		Type:            eventType,
		Time:            now.UTC().Format(time.RFC3339Nano),
		Subject:         subject,
		DataContentType: "application/json",
		Data:            data,
	}, nil
}
