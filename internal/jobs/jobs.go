package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bartleby/internal/mail"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// TypeNotify is the task type carrying a submission notification
const TypeNotify = "submission:notify"

// Sender delivers a message synchronously
type Sender interface {
	Send(ctx context.Context, m mail.Message) error
}

type JobServer struct {
	server *asynq.Server
	client *asynq.Client
	sender Sender
	log    *zap.Logger
}

func NewJobServer(redisAddr string, sender Sender, log *zap.Logger) (*JobServer, *asynq.Client) {
	redisOpt := asynq.RedisClientOpt{Addr: redisAddr}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
		},
	)

	client := asynq.NewClient(redisOpt)

	return &JobServer{
		server: server,
		client: client,
		sender: sender,
		log:    log,
	}, client
}

// Mux returns the task handlers served by the job server
func (js *JobServer) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeNotify, js.handleNotify)
	return mux
}

func (js *JobServer) Start() error {
	return js.server.Start(js.Mux())
}

func (js *JobServer) Stop() {
	js.server.Shutdown()
	js.client.Close()
}

// Job handlers

func (js *JobServer) handleNotify(ctx context.Context, t *asynq.Task) error {
	m, err := ParseNotifyTask(t)
	if err != nil {
		// a payload that does not decode will never succeed
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	if err := js.sender.Send(ctx, m); err != nil {
		js.log.Warn("Notification delivery failed", zap.String("subject", m.Subject), zap.Error(err))
		return err
	}
	js.log.Info("Notification delivered", zap.String("subject", m.Subject), zap.Int("recipients", len(m.To)))
	return nil
}

// NewNotifyTask wraps a message in a task
func NewNotifyTask(m mail.Message) (*asynq.Task, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode notification: %w", err)
	}
	return asynq.NewTask(TypeNotify, payload, asynq.MaxRetry(8), asynq.Timeout(time.Minute)), nil
}

// ParseNotifyTask extracts the message from a notify task
func ParseNotifyTask(t *asynq.Task) (mail.Message, error) {
	var m mail.Message
	if err := json.Unmarshal(t.Payload(), &m); err != nil {
		return m, fmt.Errorf("failed to decode notification: %w", err)
	}
	return m, nil
}

// Enqueuer is the part of asynq.Client used for scheduling
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueMailer hands notifications to the job queue, which retries failed
// deliveries in the background
type QueueMailer struct {
	client Enqueuer
	log    *zap.Logger
}

func NewQueueMailer(client Enqueuer, log *zap.Logger) *QueueMailer {
	return &QueueMailer{client: client, log: log}
}

func (q *QueueMailer) Send(ctx context.Context, m mail.Message) error {
	task, err := NewNotifyTask(m)
	if err != nil {
		return err
	}
	info, err := q.client.EnqueueContext(ctx, task)
	if err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	q.log.Debug("Notification queued", zap.String("task_id", info.ID), zap.String("queue", info.Queue))
	return nil
}
