package repo

import (
	"context"
	"time"

	"phab-go/internal/conduit"
)

// Client is the slice of the conduit client the repository needs.
type Client interface {
	GetTask(ctx context.Context, id string) (*conduit.Task, error)
	GetTasks(ctx context.Context, ids []string) (map[string]*conduit.Task, error)
}

type Repo struct {
	client     Client
	retryDelay time.Duration
}

func New(client Client) *Repo {
	return &Repo{client: client, retryDelay: 500 * time.Millisecond}
}

// WithRetryDelay overrides the fixed delay before the single transport retry.
func (r *Repo) WithRetryDelay(d time.Duration) *Repo {
	r.retryDelay = d
	return r
}

// FetchRoot resolves one task by id, surfacing the client's error kinds.
func (r *Repo) FetchRoot(ctx context.Context, id string) (*conduit.Task, error) {
	var out *conduit.Task
	err := r.withRetry(ctx, func() error {
		t, err := r.client.GetTask(ctx, id)
		out = t
		return err
	})
	return out, err
}

// FetchChildren resolves task.ChildIDs into full tasks, batched into one
// round trip when there is more than one child. The returned order matches
// the order the ids appeared on the parent; ids the service no longer knows
// are absent from the result.
func (r *Repo) FetchChildren(ctx context.Context, task *conduit.Task) ([]*conduit.Task, error) {
	if task == nil || len(task.ChildIDs) == 0 {
		return nil, nil
	}

	if len(task.ChildIDs) == 1 {
		var t *conduit.Task
		err := r.withRetry(ctx, func() error {
			got, err := r.client.GetTask(ctx, task.ChildIDs[0])
			t = got
			return err
		})
		if conduit.IsKind(err, conduit.KindNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []*conduit.Task{t}, nil
	}

	var byID map[string]*conduit.Task
	err := r.withRetry(ctx, func() error {
		got, err := r.client.GetTasks(ctx, task.ChildIDs)
		byID = got
		return err
	})
	if err != nil {
		return nil, err
	}

	// 按父任务声明的顺序重排，批量返回顺序不可信
	out := make([]*conduit.Task, 0, len(task.ChildIDs))
	for _, id := range task.ChildIDs {
		if t, ok := byID[conduit.CleanID(id)]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// withRetry runs fn, retrying exactly once after a fixed delay when the
// failure is transport-level. Other kinds propagate immediately.
func (r *Repo) withRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if !conduit.IsKind(err, conduit.KindTransport) {
		return err
	}
	select {
	case <-time.After(r.retryDelay):
	case <-ctx.Done():
		return err
	}
	return fn()
}
