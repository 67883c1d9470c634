package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"rivvi_backend/internal/webhook"
	"rivvi_backend/platform/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

type fakeDispatcher struct {
	runs []uuid.UUID
	err  error
}

func (f *fakeDispatcher) Run(_ context.Context, runID uuid.UUID) error {
	f.runs = append(f.runs, runID)
	return f.err
}

type fakeConsumer struct {
	messages []webhook.BatchMessage
}

func (f *fakeConsumer) Handle(_ context.Context, msg webhook.BatchMessage) error {
	f.messages = append(f.messages, msg)
	return nil
}

type testSchedulerConfig struct {
	redisURL string
	queue    string
	dlq      string
}

func (c testSchedulerConfig) GetRedisURL() string                 { return c.redisURL }
func (c testSchedulerConfig) GetRedisTLSInsecure() bool           { return false }
func (c testSchedulerConfig) GetAsynqQueueName() string           { return c.queue }
func (c testSchedulerConfig) GetAsynqDeadLetterQueueName() string { return c.dlq }
func (c testSchedulerConfig) GetAsynqConcurrency() int            { return 1 }

func newTestWorker(d RunDispatcher, c CallEventConsumer) *Worker {
	return &Worker{dispatcher: d, consumer: c, log: logger.New("development")}
}

func sampleMessage() webhook.BatchMessage {
	return webhook.BatchMessage{
		Event: webhook.Event{
			ID:        "call_123",
			Type:      webhook.EventCallAnalyzed,
			Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			Direction: webhook.DirectionOutbound,
			Metadata:  webhook.Metadata{OrgID: uuid.NewString(), RunID: uuid.NewString()},
		},
		StorageReference: "call-events/call_123.json",
		RetryCount:       2,
	}
}

func TestDispatchTaskReachesDispatcher(t *testing.T) {
	runID := uuid.New()
	task, err := NewDispatchRunTask(DispatchRunPayload{RunID: runID.String()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.Type() != TaskDispatchRun {
		t.Fatalf("unexpected task type %q", task.Type())
	}

	dispatcher := &fakeDispatcher{}
	if err := newTestWorker(dispatcher, &fakeConsumer{}).handleDispatchRun(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dispatcher.runs) != 1 || dispatcher.runs[0] != runID {
		t.Fatalf("expected dispatch pass for %s, got %v", runID, dispatcher.runs)
	}
}

func TestDispatchTaskPropagatesDispatcherError(t *testing.T) {
	task, _ := NewDispatchRunTask(DispatchRunPayload{RunID: uuid.NewString()})
	boom := errors.New("boom")

	err := newTestWorker(&fakeDispatcher{err: boom}, &fakeConsumer{}).handleDispatchRun(context.Background(), task)
	if !errors.Is(err, boom) {
		t.Fatalf("expected dispatcher error, got %v", err)
	}
}

func TestMalformedTasksSkipRetry(t *testing.T) {
	worker := newTestWorker(&fakeDispatcher{}, &fakeConsumer{})
	ctx := context.Background()

	if err := worker.handleDispatchRun(ctx, asynq.NewTask(TaskDispatchRun, []byte("{"))); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for bad payload, got %v", err)
	}

	badID, _ := NewDispatchRunTask(DispatchRunPayload{RunID: "not-a-uuid"})
	if err := worker.handleDispatchRun(ctx, badID); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for bad run id, got %v", err)
	}

	if err := worker.handlePersistCallEvent(ctx, asynq.NewTask(TaskPersistCallEvent, []byte("nope"))); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for bad call event, got %v", err)
	}
}

func TestPersistTaskCarriesRetryCount(t *testing.T) {
	msg := sampleMessage()
	task, err := NewPersistCallEventTask(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	consumer := &fakeConsumer{}
	if err := newTestWorker(&fakeDispatcher{}, consumer).handlePersistCallEvent(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(consumer.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(consumer.messages))
	}
	got := consumer.messages[0]
	if got.Event.ID != msg.Event.ID || got.RetryCount != 2 || got.StorageReference != msg.StorageReference {
		t.Fatalf("unexpected message %+v", got)
	}
}

func TestDecodeDeadLettersSkipsForeignTasks(t *testing.T) {
	msg := sampleMessage()
	msg.FailureReason = "write failed"
	task, _ := NewPersistCallEventTask(msg)
	dispatch, _ := NewDispatchRunTask(DispatchRunPayload{RunID: uuid.NewString()})

	infos := []*asynq.TaskInfo{
		{Type: task.Type(), Payload: task.Payload()},
		{Type: dispatch.Type(), Payload: dispatch.Payload()},
		{Type: TaskPersistCallEvent, Payload: []byte("garbage")},
	}

	out := decodeDeadLetters(infos)
	if len(out) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(out))
	}
	if out[0].FailureReason != "write failed" || out[0].Event.ID != "call_123" {
		t.Fatalf("unexpected dead letter %+v", out[0])
	}
}

func TestQueueNamesFallBackToDefaults(t *testing.T) {
	cfg := testSchedulerConfig{}
	if queueName(cfg) != "default" || deadLetterQueueName(cfg) != "call-events-dead" {
		t.Fatalf("unexpected defaults %q %q", queueName(cfg), deadLetterQueueName(cfg))
	}

	cfg = testSchedulerConfig{queue: "calls", dlq: "calls-dead"}
	if queueName(cfg) != "calls" || deadLetterQueueName(cfg) != "calls-dead" {
		t.Fatalf("unexpected names %q %q", queueName(cfg), deadLetterQueueName(cfg))
	}
}

func TestRedisClientOptFromURL(t *testing.T) {
	opt, err := redisClientOpt(testSchedulerConfig{redisURL: "redis://:pw@localhost:6380/3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opt.Addr != "localhost:6380" || opt.Password != "pw" || opt.DB != 3 {
		t.Fatalf("unexpected options %+v", opt)
	}

	if _, err := redisClientOpt(testSchedulerConfig{}); err == nil {
		t.Fatal("expected error without a redis url")
	}
}

func TestScheduleDispatchKeepsOnePassPerRun(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewClient(testSchedulerConfig{redisURL: "redis://" + mr.Addr(), queue: "dispatch"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	runID, otherRun := uuid.New(), uuid.New()
	for _, id := range []uuid.UUID{runID, runID, otherRun} {
		if err := client.ScheduleDispatch(ctx, id); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	infos, err := client.inspector.ListPendingTasks("dispatch")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected one pending pass per run, got %d", len(infos))
	}
	for _, info := range infos {
		if info.ID != dispatchTaskID(runID) && info.ID != dispatchTaskID(otherRun) {
			t.Fatalf("unexpected task id %q", info.ID)
		}
	}
}
