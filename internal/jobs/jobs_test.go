package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bartleby/internal/mail"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "t1", Queue: "default"}, nil
}

type fakeSender struct {
	sent []mail.Message
	err  error
}

func (f *fakeSender) Send(ctx context.Context, m mail.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m)
	return nil
}

var message = mail.Message{
	From:    "noreply@example.com",
	To:      []string{"ops@example.com"},
	Subject: "[example.com] Form Submission: Contact",
	Body:    "Name: Ada",
}

func TestQueueMailer_Send(t *testing.T) {
	enq := &fakeEnqueuer{}
	q := NewQueueMailer(enq, zap.NewNop())

	require.NoError(t, q.Send(context.Background(), message))
	require.Len(t, enq.tasks, 1)
	assert.Equal(t, TypeNotify, enq.tasks[0].Type())

	got, err := ParseNotifyTask(enq.tasks[0])
	require.NoError(t, err)
	assert.Equal(t, message, got)
}

func TestQueueMailer_EnqueueError(t *testing.T) {
	q := NewQueueMailer(&fakeEnqueuer{err: errors.New("redis down")}, zap.NewNop())
	assert.ErrorContains(t, q.Send(context.Background(), message), "redis down")
}

func TestHandleNotify(t *testing.T) {
	sender := &fakeSender{}
	js := &JobServer{sender: sender, log: zap.NewNop()}

	task, err := NewNotifyTask(message)
	require.NoError(t, err)
	require.NoError(t, js.handleNotify(context.Background(), task))
	assert.Equal(t, []mail.Message{message}, sender.sent)

	sender.err = errors.New("relay down")
	assert.Error(t, js.handleNotify(context.Background(), task))

	err = js.handleNotify(context.Background(), asynq.NewTask(TypeNotify, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
