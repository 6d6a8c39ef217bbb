package types

import (
	"time"

	"github.com/google/uuid"
)

// DLQRecord wraps one event that the pipeline gave up on for one
// destination. Records are appended to day-partitioned JSONL files;
// writing the record is the acknowledgement of giving up, after which the
// offset may advance past the event.
type DLQRecord struct {
	DLQID          uuid.UUID     `json:"dlqId"`
	Event          *Event        `json:"originalEvent"`
	Destination    Destination   `json:"destination"`
	ErrorCategory  ErrorCategory `json:"errorCategory"`
	ErrorMessage   string        `json:"errorMessage"`
	RetryCount     int           `json:"retryCount"`
	FirstFailureAt time.Time     `json:"firstFailureAt"`
	DLQWrittenAt   time.Time     `json:"dlqWrittenAt"`
}

// NewDLQRecord stamps a fresh record for an event that exhausted retries
// or failed terminally.
func NewDLQRecord(ev *Event, dest Destination, err error, retries int, firstFailure time.Time) *DLQRecord {
	return &DLQRecord{
		DLQID:          uuid.New(),
		Event:          ev,
		Destination:    dest,
		ErrorCategory:  CategoryOf(err),
		ErrorMessage:   err.Error(),
		RetryCount:     retries,
		FirstFailureAt: firstFailure.UTC(),
		DLQWrittenAt:   time.Now().UTC(),
	}
}
