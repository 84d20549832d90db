package ack

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/drayq/drayq/internal/backend"
	"github.com/drayq/drayq/internal/envelope"
	errs "github.com/drayq/drayq/internal/errors"
	"github.com/drayq/drayq/internal/transport"
	"github.com/drayq/drayq/internal/utils"
)

type op struct {
	kind    string
	tag     string
	requeue bool
	queue   string
	body    []byte
	opts    transport.PublishOptions
}

type fakeConn struct {
	mu     sync.Mutex
	ops    []op
	pubErr error
}

func (f *fakeConn) Ack(_ context.Context, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ops = append(f.ops, op{kind: "ack", tag: tag})
	return nil
}

func (f *fakeConn) Reject(_ context.Context, tag string, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ops = append(f.ops, op{kind: "reject", tag: tag, requeue: requeue})
	return nil
}

func (f *fakeConn) Publish(_ context.Context, queue string, body []byte, opts transport.PublishOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pubErr != nil {
		return f.pubErr
	}
	f.ops = append(f.ops, op{kind: "publish", queue: queue, body: body, opts: opts})
	return nil
}

type fakeStore struct {
	mu      sync.Mutex
	entries map[string]*backend.Entry
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[string]*backend.Entry)}
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) Put(_ context.Context, e *backend.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.entries[e.TaskID] = e
	return nil
}

func (f *fakeStore) Get(_ context.Context, taskID string) (*backend.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[taskID]
	if !ok {
		return nil, errs.NewErrNotFound("result")
	}
	return e, nil
}

func testEnv(retryCount, maxRetries int) *envelope.Envelope {
	return &envelope.Envelope{
		ID:         "task-1",
		Type:       "imports.mysql",
		Queue:      "imports",
		Priority:   3,
		EnqueuedAt: time.Now().Add(-time.Minute),
		RetryCount: retryCount,
		MaxRetries: maxRetries,
	}
}

func newTestManager(conn *fakeConn, store *fakeStore) *Manager {
	return NewManager(&Options{
		Retry: utils.Backoff{Base: time.Second, Cap: time.Minute},
	}, conn, store)
}

func TestSettleSuccess(t *testing.T) {
	conn := &fakeConn{}
	store := newFakeStore()
	m := newTestManager(conn, store)

	env := testEnv(0, 3)
	if err := m.Settle(context.Background(), env, "imports:1", Success("done")); err != nil {
		t.Fatal(err)
	}

	if len(conn.ops) != 1 || conn.ops[0].kind != "ack" || conn.ops[0].tag != "imports:1" {
		t.Fatalf("expected single ack, got %+v", conn.ops)
	}

	entry, err := store.Get(context.Background(), "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if entry.State != backend.StateSuccess {
		t.Fatalf("expected success state, got %q", entry.State)
	}
	if entry.Result != "done" {
		t.Fatalf("expected result payload, got %v", entry.Result)
	}
}

func TestSettleRetryRepublishesWithIncrement(t *testing.T) {
	conn := &fakeConn{}
	store := newFakeStore()
	m := newTestManager(conn, store)

	env := testEnv(1, 3)
	before := time.Now()

	if err := m.Settle(context.Background(), env, "imports:1", Retry("connection reset", 0)); err != nil {
		t.Fatal(err)
	}

	if len(conn.ops) != 2 {
		t.Fatalf("expected publish then reject, got %+v", conn.ops)
	}
	if conn.ops[0].kind != "publish" {
		t.Fatal("publish must come before reject so a crash duplicates instead of losing")
	}
	if conn.ops[1].kind != "reject" || conn.ops[1].requeue {
		t.Fatalf("expected reject without requeue, got %+v", conn.ops[1])
	}

	if conn.ops[0].queue != "imports" {
		t.Fatalf("retry must go back to its queue, got %q", conn.ops[0].queue)
	}

	next, err := envelope.Decode(conn.ops[0].body)
	if err != nil {
		t.Fatal(err)
	}
	if next.RetryCount != 2 {
		t.Fatalf("expected retry count 2, got %d", next.RetryCount)
	}
	if next.ID != env.ID {
		t.Fatalf("retry must keep the task id, got %q", next.ID)
	}

	// Backoff for retry count 1 is base*2 = 2s.
	wantEta := before.Add(2 * time.Second)
	if next.NotBefore.Before(wantEta.Add(-time.Second)) || next.NotBefore.After(wantEta.Add(time.Second)) {
		t.Fatalf("unexpected retry eta %v, want about %v", next.NotBefore, wantEta)
	}
	if !conn.ops[0].opts.NotBefore.Equal(next.NotBefore) {
		t.Fatal("publish options must carry the retry eta")
	}

	entry, err := store.Get(context.Background(), "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if entry.State != backend.StateRetry || entry.RetryCount != 2 {
		t.Fatalf("unexpected retry entry: %+v", entry)
	}
}

func TestSettleRetryExplicitDelay(t *testing.T) {
	conn := &fakeConn{}
	store := newFakeStore()
	m := newTestManager(conn, store)

	env := testEnv(0, 3)
	before := time.Now()

	if err := m.Settle(context.Background(), env, "imports:1", Retry("rate limited", 90*time.Second)); err != nil {
		t.Fatal(err)
	}

	next, err := envelope.Decode(conn.ops[0].body)
	if err != nil {
		t.Fatal(err)
	}

	wantEta := before.Add(90 * time.Second)
	if next.NotBefore.Before(wantEta.Add(-time.Second)) || next.NotBefore.After(wantEta.Add(time.Second)) {
		t.Fatalf("explicit delay ignored: eta %v, want about %v", next.NotBefore, wantEta)
	}
}

func TestSettleRetryExhaustedDeadLetters(t *testing.T) {
	conn := &fakeConn{}
	store := newFakeStore()
	m := newTestManager(conn, store)

	// Retry count 2 of max 2: budget spent, one more failure dead-letters.
	env := testEnv(2, 2)
	if err := m.Settle(context.Background(), env, "imports:1", Retry("still failing", 0)); err != nil {
		t.Fatal(err)
	}

	if len(conn.ops) != 2 {
		t.Fatalf("expected publish then reject, got %+v", conn.ops)
	}
	if conn.ops[0].kind != "publish" || conn.ops[0].queue != "imports.dlq" {
		t.Fatalf("expected dead-letter publish to imports.dlq, got %+v", conn.ops[0])
	}
	if conn.ops[1].kind != "reject" || conn.ops[1].requeue {
		t.Fatalf("expected reject without requeue, got %+v", conn.ops[1])
	}

	dl, err := envelope.DecodeDeadLetter(conn.ops[0].body)
	if err != nil {
		t.Fatal(err)
	}
	if dl.Envelope == nil || dl.Envelope.ID != "task-1" {
		t.Fatalf("dead letter must carry the envelope, got %+v", dl)
	}
	if !strings.Contains(dl.Reason, "retries exhausted") {
		t.Fatalf("unexpected reason %q", dl.Reason)
	}

	entry, err := store.Get(context.Background(), "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if entry.State != backend.StateFailure {
		t.Fatalf("expected failure state, got %q", entry.State)
	}
}

func TestSettleFatalDeadLetters(t *testing.T) {
	conn := &fakeConn{}
	store := newFakeStore()
	m := newTestManager(conn, store)

	// Plenty of retry budget left; fatal must dead-letter anyway.
	env := testEnv(0, 5)
	if err := m.Settle(context.Background(), env, "imports:1", Fatal("unknown task type")); err != nil {
		t.Fatal(err)
	}

	if conn.ops[0].kind != "publish" || conn.ops[0].queue != "imports.dlq" {
		t.Fatalf("expected dead-letter publish, got %+v", conn.ops[0])
	}
}

func TestDeadLetterQueueOverride(t *testing.T) {
	conn := &fakeConn{}
	store := newFakeStore()
	m := NewManager(&Options{
		Retry:           utils.Backoff{Base: time.Second},
		DeadLetterQueue: "graveyard",
	}, conn, store)

	if got := m.DeadLetterQueue("imports"); got != "graveyard" {
		t.Fatalf("expected override, got %q", got)
	}

	env := testEnv(0, 0)
	if err := m.Settle(context.Background(), env, "imports:1", Retry("boom", 0)); err != nil {
		t.Fatal(err)
	}
	if conn.ops[0].queue != "graveyard" {
		t.Fatalf("expected dead letter on graveyard, got %q", conn.ops[0].queue)
	}
}

func TestRetryPublishFailureKeepsLease(t *testing.T) {
	conn := &fakeConn{pubErr: errs.NewErrTransient("broker down", nil)}
	store := newFakeStore()
	m := newTestManager(conn, store)

	env := testEnv(0, 3)
	err := m.Settle(context.Background(), env, "imports:1", Retry("boom", 0))
	if err == nil {
		t.Fatal("expected settle error when publish fails")
	}

	// No reject must have happened: the lease keeps the original alive.
	for _, o := range conn.ops {
		if o.kind == "reject" || o.kind == "ack" {
			t.Fatalf("delivery settled despite publish failure: %+v", o)
		}
	}
}

func TestPoison(t *testing.T) {
	conn := &fakeConn{}
	store := newFakeStore()
	m := newTestManager(conn, store)

	d := transport.Delivery{Tag: "imports:9", Queue: "imports", Body: []byte("not json")}
	if err := m.Poison(context.Background(), d, "invalid json"); err != nil {
		t.Fatal(err)
	}

	if len(conn.ops) != 2 {
		t.Fatalf("expected publish then reject, got %+v", conn.ops)
	}
	dl, err := envelope.DecodeDeadLetter(conn.ops[0].body)
	if err != nil {
		t.Fatal(err)
	}
	if dl.Envelope != nil {
		t.Fatal("poison record must not carry a decoded envelope")
	}
	if string(dl.Raw) != "not json" {
		t.Fatalf("expected raw body preserved, got %q", dl.Raw)
	}
	if conn.ops[1].kind != "reject" || conn.ops[1].requeue {
		t.Fatalf("poison must reject without requeue, got %+v", conn.ops[1])
	}
}

func TestRequeueKeepsRetryCount(t *testing.T) {
	conn := &fakeConn{}
	store := newFakeStore()
	m := newTestManager(conn, store)

	env := testEnv(1, 3)
	if err := m.Requeue(context.Background(), env, "imports:1"); err != nil {
		t.Fatal(err)
	}

	if len(conn.ops) != 1 || conn.ops[0].kind != "reject" || !conn.ops[0].requeue {
		t.Fatalf("expected reject with requeue, got %+v", conn.ops)
	}

	entry, err := store.Get(context.Background(), "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if entry.State != backend.StateQueued || entry.RetryCount != 1 {
		t.Fatalf("unexpected entry after requeue: %+v", entry)
	}
}

func TestStoreFailureDoesNotChangeSettle(t *testing.T) {
	conn := &fakeConn{}
	m := NewManager(&Options{
		Retry: utils.Backoff{Base: time.Second},
	}, conn, failingStore{})

	env := testEnv(0, 3)
	if err := m.Settle(context.Background(), env, "imports:1", Success(nil)); err != nil {
		t.Fatalf("store failure must not fail the settle: %v", err)
	}
	if len(conn.ops) != 1 || conn.ops[0].kind != "ack" {
		t.Fatalf("expected ack despite store failure, got %+v", conn.ops)
	}
}

type failingStore struct{}

func (failingStore) Close() error { return nil }

func (failingStore) Put(context.Context, *backend.Entry) error {
	return errors.New("backend unavailable")
}

func (failingStore) Get(context.Context, string) (*backend.Entry, error) {
	return nil, errors.New("backend unavailable")
}
