// Package cloudevent provides CloudEvents 1.0 types.
package cloudevent

import "time"

// TypeArtifactCreated announces a new object in storage. Data carries "key".
const TypeArtifactCreated = "cohortlab.artifact.created"

// CloudEvent represents a CloudEvents 1.0 specification event
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`
}

// New creates a new CloudEvent with default values
func New(eventType, source, subject, id string, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     "1.0",
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}

// NewArtifactCreated builds the trigger event for an uploaded storage object.
func NewArtifactCreated(source, key string) *CloudEvent {
	id := key + "-" + time.Now().UTC().Format("20060102T150405.000000000")
	return New(TypeArtifactCreated, source, key, id, map[string]any{"key": key})
}

// StringData returns Data[name] when it is a string, or "".
func (e *CloudEvent) StringData(name string) string {
	if e == nil || e.Data == nil {
		return ""
	}
	s, _ := e.Data[name].(string)
	return s
}
