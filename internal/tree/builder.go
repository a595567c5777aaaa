package tree

import (
	"context"
	"fmt"
	"sync"

	"phab-go/internal/conduit"
	"phab-go/pkg/mq"
)

// Policy decides what a failed child resolution does to the build.
type Policy string

const (
	// BestEffort records the failure as an error node and keeps going.
	BestEffort Policy = "best_effort"
	// Strict aborts the whole build on the first failure.
	Strict Policy = "strict"
)

// Repository is the data source the builder drives.
type Repository interface {
	FetchRoot(ctx context.Context, id string) (*conduit.Task, error)
	FetchChildren(ctx context.Context, task *conduit.Task) ([]*conduit.Task, error)
}

type Builder struct {
	repo        Repository
	policy      Policy
	concurrency int
	pub         mq.Publisher
}

type Option func(*Builder)

func WithPolicy(p Policy) Option { return func(b *Builder) { b.policy = p } }

// WithConcurrency bounds how many child fetches may be in flight at once.
// Values <= 1 keep the sequential depth-first order of the base algorithm.
func WithConcurrency(n int) Option { return func(b *Builder) { b.concurrency = n } }

func WithPublisher(p mq.Publisher) Option { return func(b *Builder) { b.pub = p } }

func NewBuilder(repo Repository, opts ...Option) *Builder {
	b := &Builder{repo: repo, policy: BestEffort, concurrency: 1, pub: mq.Noop{}}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// build holds the per-Build shared state: the visited set and the fetch
// semaphore, both shared across concurrent branches.
type build struct {
	*Builder
	mu      sync.Mutex
	visited map[string]struct{}
	sem     chan struct{}
}

// Build assembles the full descendant tree of rootID. A root fetch failure
// aborts with the same error kind regardless of policy; no partial tree is
// ever returned.
func (b *Builder) Build(ctx context.Context, rootID string) (*Tree, error) {
	id := conduit.CleanID(rootID)
	root, err := b.repo.FetchRoot(ctx, id)
	if err != nil {
		return nil, err
	}
	_ = b.pub.Publish(mq.TopicResolved, []byte(root.ID))

	st := &build{
		Builder: b,
		visited: map[string]struct{}{root.ID: {}},
		sem:     make(chan struct{}, max(b.concurrency, 1)),
	}
	node := &Node{ID: root.ID, Kind: KindTask, Task: root}
	if err := st.expand(ctx, node); err != nil {
		return nil, err
	}
	return &Tree{Root: node, visited: st.visited}, nil
}

// expand resolves parent's children and recurses. The returned error is
// non-nil only under the strict policy.
func (st *build) expand(ctx context.Context, parent *Node) error {
	if len(parent.Task.ChildIDs) == 0 {
		return nil
	}

	st.sem <- struct{}{}
	tasks, err := st.repo.FetchChildren(ctx, parent.Task)
	<-st.sem
	if err != nil {
		if st.policy == Strict {
			return err
		}
		// 整批子任务列举失败：每个孩子都挂错误节点，树照常返回
		for _, raw := range parent.Task.ChildIDs {
			parent.Children = append(parent.Children, st.errorNode(conduit.CleanID(raw), parent.Depth+1, err))
		}
		return nil
	}

	byID := make(map[string]*conduit.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	// 在锁内按父任务声明顺序决定每个孩子：展开 / 环标记 / NotFound。
	// 并发分支共享 visited，决策必须串行化。
	st.mu.Lock()
	slots := make([]*Node, 0, len(parent.Task.ChildIDs))
	expandable := make([]*Node, 0, len(parent.Task.ChildIDs))
	for _, raw := range parent.Task.ChildIDs {
		id := conduit.CleanID(raw)
		if _, seen := st.visited[id]; seen {
			node := &Node{ID: id, Kind: KindCycle, Depth: parent.Depth + 1}
			slots = append(slots, node)
			_ = st.pub.Publish(mq.TopicCycle, []byte(id))
			continue
		}
		t, ok := byID[id]
		if !ok {
			nf := fmt.Errorf("child %s of %s: %w", id, parent.ID,
				&conduit.Error{Kind: conduit.KindNotFound, Op: "maniphest.search"})
			if st.policy == Strict {
				st.mu.Unlock()
				return nf
			}
			slots = append(slots, st.errorNode(id, parent.Depth+1, nf))
			continue
		}
		st.visited[id] = struct{}{}
		node := &Node{ID: id, Kind: KindTask, Depth: parent.Depth + 1, Task: t}
		slots = append(slots, node)
		expandable = append(expandable, node)
		_ = st.pub.Publish(mq.TopicResolved, []byte(id))
	}
	st.mu.Unlock()
	parent.Children = slots

	if st.concurrency <= 1 || len(expandable) <= 1 {
		for _, node := range expandable {
			if err := st.expand(ctx, node); err != nil {
				return err
			}
		}
		return nil
	}

	// 兄弟节点并发展开；slots 顺序已定，完成次序不影响最终顺序
	var wg sync.WaitGroup
	errs := make([]error, len(expandable))
	for i, node := range expandable {
		wg.Add(1)
		go func(i int, node *Node) {
			defer wg.Done()
			errs[i] = st.expand(ctx, node)
		}(i, node)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (st *build) errorNode(id string, depth int, err error) *Node {
	_ = st.pub.Publish(mq.TopicError, []byte(id))
	return &Node{
		ID:      id,
		Kind:    KindError,
		Depth:   depth,
		ErrKind: conduit.KindOf(err),
		ErrMsg:  err.Error(),
	}
}
