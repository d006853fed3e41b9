package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const TypeProcessImage = "image:process"

// ProcessImagePayload is the dispatch message for one image job.
type ProcessImagePayload struct {
	JobID       int64     `json:"job_id"`
	BatchID     string    `json:"batch_id"`
	InputURL    string    `json:"input_url"`
	RequestedAt time.Time `json:"requested_at"`
}

func (p ProcessImagePayload) Marshal() ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal process payload: %w", err)
	}
	return body, nil
}

func UnmarshalProcessImagePayload(body []byte) (ProcessImagePayload, error) {
	var payload ProcessImagePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return ProcessImagePayload{}, fmt.Errorf("unmarshal process payload: %w", err)
	}
	if payload.JobID <= 0 {
		return ProcessImagePayload{}, fmt.Errorf("unmarshal process payload: missing job_id")
	}
	return payload, nil
}

func NewProcessImageTask(payload ProcessImagePayload) (*asynq.Task, error) {
	body, err := payload.Marshal()
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeProcessImage, body), nil
}

func ParseProcessImagePayload(task *asynq.Task) (ProcessImagePayload, error) {
	return UnmarshalProcessImagePayload(task.Payload())
}
