package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nativebpm/taskworker/internal/builder"
)

// TopicRequest represents a topic subscription inside a fetchAndLock request
type TopicRequest struct {
	TopicName         string   `json:"topicName"`
	LockDuration      int      `json:"lockDuration"`
	Variables         []string `json:"variables,omitempty"`
	LocalVariables    bool     `json:"localVariables,omitempty"`
	DeserializeValues bool     `json:"deserializeValues,omitempty"`
	BusinessKey       string   `json:"businessKey,omitempty"`
	TenantIDs         []string `json:"tenantIds,omitempty"`
}

// ExternalTask represents a locked external task as returned by fetchAndLock.
// It is the worker's lease on the task: valid until LockExpirationTime unless
// extended, and owed exactly one terminal report.
type ExternalTask struct {
	ID                   string                      `json:"id"`
	TopicName            string                      `json:"topicName"`
	WorkerID             string                      `json:"workerId"`
	LockExpirationTime   *time.Time                  `json:"lockExpirationTime,omitempty"`
	Retries              *int                        `json:"retries,omitempty"`
	ErrorMessage         string                      `json:"errorMessage,omitempty"`
	ErrorDetails         string                      `json:"errorDetails,omitempty"`
	Variables            map[string]builder.Variable `json:"variables,omitempty"`
	BusinessKey          string                      `json:"businessKey,omitempty"`
	TenantID             string                      `json:"tenantId,omitempty"`
	Priority             int                         `json:"priority,omitempty"`
	ActivityID           string                      `json:"activityId,omitempty"`
	ActivityInstanceID   string                      `json:"activityInstanceId,omitempty"`
	ExecutionID          string                      `json:"executionId,omitempty"`
	ProcessInstanceID    string                      `json:"processInstanceId,omitempty"`
	ProcessDefinitionID  string                      `json:"processDefinitionId,omitempty"`
	ProcessDefinitionKey string                      `json:"processDefinitionKey,omitempty"`
}

// UnmarshalJSON implements custom JSON unmarshaling for ExternalTask
// to handle the engine's timestamp format (e.g., "2025-10-08T03:50:45.087+0000")
func (t *ExternalTask) UnmarshalJSON(data []byte) error {
	// Use an alias type to avoid infinite recursion
	type Alias ExternalTask

	// Temporary struct with string for LockExpirationTime
	aux := &struct {
		LockExpirationTime *string `json:"lockExpirationTime,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(t),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	// Parse LockExpirationTime if present
	if aux.LockExpirationTime != nil && *aux.LockExpirationTime != "" {
		parsed, err := ParseEngineTime(*aux.LockExpirationTime)
		if err != nil {
			return fmt.Errorf("failed to parse lockExpirationTime %q: %w", *aux.LockExpirationTime, err)
		}
		t.LockExpirationTime = &parsed
	}

	return nil
}

// engineTimeFormats lists the timestamp layouts the engine is known to emit.
var engineTimeFormats = []string{
	"2006-01-02T15:04:05.999-0700", // engine format with milliseconds
	"2006-01-02T15:04:05-0700",     // engine format without milliseconds
	time.RFC3339,                   // standard RFC3339
	time.RFC3339Nano,               // RFC3339 with nanoseconds
}

// ParseEngineTime parses a timestamp in any of the formats the engine emits
func ParseEngineTime(s string) (time.Time, error) {
	var err error
	for _, format := range engineTimeFormats {
		var parsed time.Time
		parsed, err = time.Parse(format, s)
		if err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, err
}
