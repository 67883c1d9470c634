package scheduler

import (
	"encoding/json"

	"rivvi_backend/internal/webhook"

	"github.com/hibiken/asynq"
)

const TaskDispatchRun = "runs.dispatch"

const TaskPersistCallEvent = "calls.persist_event"

type DispatchRunPayload struct {
	RunID string `json:"runId"`
}

func NewDispatchRunTask(payload DispatchRunPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDispatchRun, data), nil
}

func ParseDispatchRunPayload(task *asynq.Task) (DispatchRunPayload, error) {
	var payload DispatchRunPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return DispatchRunPayload{}, err
	}
	return payload, nil
}

func NewPersistCallEventTask(msg webhook.BatchMessage) (*asynq.Task, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPersistCallEvent, data), nil
}

func ParsePersistCallEventPayload(task *asynq.Task) (webhook.BatchMessage, error) {
	return decodeBatchMessage(task.Payload())
}

func decodeBatchMessage(data []byte) (webhook.BatchMessage, error) {
	var msg webhook.BatchMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return webhook.BatchMessage{}, err
	}
	return msg, nil
}
