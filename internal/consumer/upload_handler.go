package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/adherence/internal/domain"
)

// UploadCompleted is the payload published by the upload pipeline when a
// participant's data upload finishes validation. StartedOn and FinishedOn
// carry the client's progress stamps for the instance, so a finished upload
// flows through the same merge and event loop-back as a direct submission.
type UploadCompleted struct {
	AppID        string `json:"app_id"`
	StudyID      string `json:"study_id"`
	UserID       string `json:"user_id"`
	InstanceGUID string `json:"instance_guid"`
	// EventTimestamp identifies which series of the instance the upload
	// belongs to.
	EventTimestamp time.Time  `json:"event_timestamp"`
	UploadID       string     `json:"upload_id"`
	StartedOn      *time.Time `json:"started_on,omitempty"`
	FinishedOn     *time.Time `json:"finished_on,omitempty"`
}

// AdherenceWriter is the slice of the adherence service the upload handler needs.
type AdherenceWriter interface {
	UpsertRecords(ctx context.Context, appID, studyID, userID string, records []domain.AdherenceRecord) ([]domain.AdherenceRecord, error)
}

// UploadHandler folds upload completions into the adherence ledger: the
// upload id and any progress stamps are merged into the record for the
// instance the upload targeted, which lets an upload finish an instance.
type UploadHandler struct {
	adherence AdherenceWriter
}

// NewUploadHandler constructs an UploadHandler.
func NewUploadHandler(adherence AdherenceWriter) *UploadHandler {
	return &UploadHandler{adherence: adherence}
}

// Handle applies one upload completion. Unknown event types are skipped so
// the handler can share a topic with other producers.
func (h *UploadHandler) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != "upload.completed" {
		return nil
	}

	var event UploadCompleted
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return fmt.Errorf("decode upload.completed: %w", err)
	}
	if event.UploadID == "" || event.InstanceGUID == "" {
		return fmt.Errorf("upload.completed missing upload_id or instance_guid")
	}

	record := domain.AdherenceRecord{
		InstanceGUID:   event.InstanceGUID,
		EventTimestamp: event.EventTimestamp,
		StartedOn:      event.StartedOn,
		FinishedOn:     event.FinishedOn,
		UploadIDs:      []string{event.UploadID},
	}
	_, err := h.adherence.UpsertRecords(ctx, event.AppID, event.StudyID, event.UserID, []domain.AdherenceRecord{record})
	return err
}
