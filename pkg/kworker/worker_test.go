package kworker

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kmsg"
)

const testTopic = "kworker-test"

func newCluster(t *testing.T, nbrokers int) *kfake.Cluster {
	t.Helper()
	c, err := kfake.NewCluster(
		kfake.NumBrokers(nbrokers),
		kfake.SeedTopics(1, testTopic),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	return c
}

// newTestWorker returns a worker for c with its own consumer group and
// refresh tickers that never fire during a test unless opts say otherwise.
func newTestWorker(t *testing.T, c *kfake.Cluster, opts ...Opt) *Worker {
	t.Helper()
	base := []Opt{
		SeedBrokers(c.ListenAddrs()...),
		ConsumerGroup("kworker-" + uuid.NewString()),
		MetadataUpdateInterval(time.Hour),
		ConsumerGroupUpdateInterval(time.Hour),
		SessionTimeout(10 * time.Second),
	}
	w, err := NewWorker(append(base, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(w.Close)
	return w
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func correlationID(t *testing.T, w *Worker) int32 {
	t.Helper()
	id, err := w.CorrelationID(testContext(t))
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func produceN(t *testing.T, w *Worker, n int) {
	t.Helper()
	msgs := make([]Message, n)
	for i := range msgs {
		msgs[i].Value = []byte("msg-" + strconv.Itoa(i))
	}
	resp, err := w.Produce(testContext(t), ProduceRequest{
		Topic:    testTopic,
		Messages: msgs,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := resp.Err(); err != nil {
		t.Fatal(err)
	}
}

func TestNewWorkerLoadsMetadata(t *testing.T) {
	c := newCluster(t, 3)
	w := newTestWorker(t, c)

	meta, err := w.Metadata(testContext(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(meta.Brokers) != 3 {
		t.Errorf("got %d brokers, want 3", len(meta.Brokers))
	}
	if _, ok := meta.Leader(testTopic, 0); !ok {
		t.Errorf("no leader for %s[0]", testTopic)
	}
	if _, ok := meta.Leader(testTopic, 1); ok {
		t.Errorf("unexpected leader for nonexistent %s[1]", testTopic)
	}
	if id := correlationID(t, w); id != 1 {
		t.Errorf("got correlation ID %d after the initial metadata load, want 1", id)
	}
}

func TestNewWorkerErrors(t *testing.T) {
	if _, err := NewWorker(ConsumerGroup("")); !errors.Is(err, ErrInvalidConsumerGroup) {
		t.Errorf("got err %v, want %v", err, ErrInvalidConsumerGroup)
	}

	// Nothing listens on the discard port.
	_, err := NewWorker(
		SeedBrokers("127.0.0.1:9"),
		MetadataRetries(2, time.Millisecond),
	)
	if !errors.Is(err, ErrConnDead) {
		t.Errorf("got err %v, want %v", err, ErrConnDead)
	}
	var exhausted *errMetadataExhausted
	if !errors.As(err, &exhausted) || exhausted.attempts != 2 {
		t.Errorf("got err %v, want exhaustion after 2 attempts", err)
	}
}

func TestCorrelationIDPerRequest(t *testing.T) {
	c := newCluster(t, 1)
	w := newTestWorker(t, c)
	ctx := testContext(t)

	for _, step := range []struct {
		name string
		fn   func() error
		want int32
	}{
		{"fetch", func() error {
			_, err := w.Fetch(ctx, FetchRequest{Topic: testTopic})
			return err
		}, 1},
		{"produce", func() error {
			_, err := w.Produce(ctx, ProduceRequest{Topic: testTopic, Messages: []Message{{Value: []byte("v")}}})
			return err
		}, 1},
		{"first offset commit looks up the coordinator", func() error {
			_, err := w.OffsetCommit(ctx, OffsetCommitRequest{Topic: testTopic, Offset: 1})
			return err
		}, 2},
		{"offset fetch uses the cached coordinator", func() error {
			_, err := w.OffsetFetch(ctx, OffsetFetchRequest{Topic: testTopic})
			return err
		}, 1},
		{"unknown partition refreshes metadata once", func() error {
			resp, err := w.Fetch(ctx, FetchRequest{Topic: "missing"})
			if err == nil && resp.ErrorCode != kerr.UnknownTopicOrPartition.Code {
				return resp.Err()
			}
			return err
		}, 1},
	} {
		before := correlationID(t, w)
		if err := step.fn(); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if got := correlationID(t, w) - before; got != step.want {
			t.Errorf("%s: correlation ID advanced by %d, want %d", step.name, got, step.want)
		}
	}
}

func TestConsumerGroupDisabled(t *testing.T) {
	c := newCluster(t, 1)
	var groupReqs atomic.Int32
	c.Control(func(req kmsg.Request) (kmsg.Response, error, bool) {
		c.KeepControl()
		switch kmsg.Key(req.Key()) {
		case kmsg.JoinGroup, kmsg.SyncGroup, kmsg.Heartbeat, kmsg.LeaveGroup:
			groupReqs.Add(1)
		}
		return nil, nil, false
	})

	w := newTestWorker(t, c, DisableConsumerGroup())
	if w.ConsumerGroupEnabled() {
		t.Error("consumer group enabled, want disabled")
	}
	if g := w.ConsumerGroup(); g != "" {
		t.Errorf("got group %q, want none", g)
	}

	ctx := testContext(t)
	before := correlationID(t, w)
	for name, fn := range map[string]func() error{
		"join": func() error {
			_, err := w.JoinGroup(ctx, JoinGroupRequest{Topics: []string{testTopic}})
			return err
		},
		"sync": func() error {
			_, err := w.SyncGroup(ctx, SyncGroupRequest{Generation: 1, MemberID: "m"})
			return err
		},
		"heartbeat": func() error {
			_, err := w.Heartbeat(ctx, HeartbeatRequest{Generation: 1, MemberID: "m"})
			return err
		},
		"leave": func() error {
			_, err := w.LeaveGroup(ctx, LeaveGroupRequest{MemberID: "m"})
			return err
		},
		"group metadata": func() error {
			_, err := w.ConsumerGroupMetadata(ctx)
			return err
		},
		"offset commit": func() error {
			_, err := w.OffsetCommit(ctx, OffsetCommitRequest{Topic: testTopic})
			return err
		},
		"auto commit fetch": func() error {
			_, err := w.Fetch(ctx, FetchRequest{Topic: testTopic, AutoCommit: true})
			return err
		},
	} {
		if err := fn(); !errors.Is(err, ErrConsumerGroupDisabled) {
			t.Errorf("%s: got err %v, want %v", name, err, ErrConsumerGroupDisabled)
		}
	}
	if after := correlationID(t, w); after != before {
		t.Errorf("correlation ID moved from %d to %d, want no requests", before, after)
	}
	if n := groupReqs.Load(); n != 0 {
		t.Errorf("cluster saw %d group requests, want 0", n)
	}
}

func TestCoordinatorCached(t *testing.T) {
	c := newCluster(t, 3)
	w := newTestWorker(t, c)
	ctx := testContext(t)

	before := correlationID(t, w)
	first, err := w.ConsumerGroupMetadata(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Err(); err != nil {
		t.Fatal(err)
	}
	if got := correlationID(t, w) - before; got != 1 {
		t.Fatalf("first lookup used %d requests, want 1", got)
	}

	before = correlationID(t, w)
	second, err := w.ConsumerGroupMetadata(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("cached coordinator changed (-first +second):\n%s", diff)
	}
	if got := correlationID(t, w) - before; got != 0 {
		t.Errorf("cached lookup used %d requests, want 0", got)
	}

	meta, _ := w.Metadata(ctx)
	var known bool
	for _, b := range meta.Brokers {
		known = known || (b.NodeID == first.CoordinatorID && b.Host == first.CoordinatorHost && b.Port == first.CoordinatorPort)
	}
	if !known {
		t.Errorf("coordinator %+v is not in broker list %+v", first, meta.Brokers)
	}
}

func TestCoordinatorRetriesExhausted(t *testing.T) {
	c := newCluster(t, 3)
	var finds atomic.Int32
	c.ControlKey(int16(kmsg.FindCoordinator), func(req kmsg.Request) (kmsg.Response, error, bool) {
		c.KeepControl()
		finds.Add(1)
		resp := req.ResponseKind().(*kmsg.FindCoordinatorResponse)
		resp.ErrorCode = kerr.CoordinatorNotAvailable.Code
		resp.NodeID = -1
		return resp, nil, true
	})

	w := newTestWorker(t, c, CoordinatorRetries(3, 10*time.Millisecond))
	ctx := testContext(t)

	before := correlationID(t, w)
	meta, err := w.ConsumerGroupMetadata(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(meta.Err(), kerr.CoordinatorNotAvailable) {
		t.Errorf("got coordinator err %v, want %v", meta.Err(), kerr.CoordinatorNotAvailable)
	}
	if got := correlationID(t, w) - before; got != 3 {
		t.Errorf("exhausted lookup used %d requests, want 3", got)
	}
	if n := finds.Load(); n != 3 {
		t.Errorf("cluster saw %d FindCoordinator requests, want 3", n)
	}

	// Offset requests fall back to the first broker after exhausting.
	before = correlationID(t, w)
	if _, err := w.OffsetFetch(ctx, OffsetFetchRequest{Topic: testTopic}); err != nil {
		t.Fatal(err)
	}
	if got := correlationID(t, w) - before; got != 4 {
		t.Errorf("offset fetch used %d requests, want 3 lookups and 1 fetch", got)
	}

	// Group membership requests never fall back.
	_, err = w.JoinGroup(ctx, JoinGroupRequest{Topics: []string{testTopic}})
	if !errors.Is(err, ErrNoCoordinator) || !errors.Is(err, kerr.CoordinatorNotAvailable) {
		t.Errorf("got join err %v, want %v wrapping %v", err, ErrNoCoordinator, kerr.CoordinatorNotAvailable)
	}
}

func TestConsumerGroupTick(t *testing.T) {
	stale := ConsumerGroupMetadata{
		CoordinatorID:   99,
		CoordinatorHost: "stale.invalid",
		CoordinatorPort: 1,
	}

	for _, test := range []struct {
		name      string
		opts      []Opt
		wantStale bool
	}{
		{"enabled", nil, false},
		{"disabled", []Opt{DisableConsumerGroup()}, true},
	} {
		t.Run(test.name, func(t *testing.T) {
			c := newCluster(t, 1)
			opts := append(test.opts, ConsumerGroupUpdateInterval(100*time.Millisecond))
			w := newTestWorker(t, c, opts...)
			ctx := testContext(t)

			if err := w.do(ctx, func(s *workerState) { s.groupMeta = stale }); err != nil {
				t.Fatal(err)
			}
			time.Sleep(350 * time.Millisecond)

			var got ConsumerGroupMetadata
			if err := w.do(ctx, func(s *workerState) { got = s.groupMeta }); err != nil {
				t.Fatal(err)
			}
			if isStale := got == stale; isStale != test.wantStale {
				t.Errorf("got group metadata %+v, want stale? %v", got, test.wantStale)
			}
			if !test.wantStale && got.ErrorCode != 0 {
				t.Errorf("refreshed coordinator has error %v", got.Err())
			}
		})
	}
}

func TestMetadataTick(t *testing.T) {
	c := newCluster(t, 1)
	var metas atomic.Int32
	c.ControlKey(int16(kmsg.Metadata), func(kmsg.Request) (kmsg.Response, error, bool) {
		c.KeepControl()
		metas.Add(1)
		return nil, nil, false
	})
	newTestWorker(t, c, MetadataUpdateInterval(50*time.Millisecond))

	time.Sleep(300 * time.Millisecond)
	// One load at startup and at least a few ticks; ticks never overlap.
	if n := metas.Load(); n < 3 {
		t.Errorf("cluster saw %d metadata requests, want at least 3", n)
	}
}

func TestMetadataTickFailureKeepsDirectory(t *testing.T) {
	c := newCluster(t, 1)
	var failing atomic.Bool
	var failed atomic.Int32
	c.ControlKey(int16(kmsg.Metadata), func(kmsg.Request) (kmsg.Response, error, bool) {
		c.KeepControl()
		if !failing.Load() {
			return nil, nil, false
		}
		failed.Add(1)
		return nil, errors.New("metadata unavailable"), true
	})
	w := newTestWorker(t, c, MetadataUpdateInterval(50*time.Millisecond))

	failing.Store(true)
	time.Sleep(200 * time.Millisecond)
	if failed.Load() == 0 {
		t.Fatal("no metadata tick reached the cluster")
	}

	// The worker still knows the partition leader and keeps serving.
	produceN(t, w, 1)
	latest, err := w.LatestOffset(testContext(t), testTopic, 0)
	if err != nil {
		t.Fatal(err)
	}
	if latest.Err() != nil || latest.Offset != 1 {
		t.Errorf("got latest offset %d err %v, want 1", latest.Offset, latest.Err())
	}
}

func TestWorkerClose(t *testing.T) {
	c := newCluster(t, 1)
	w := newTestWorker(t, c)
	w.Close()
	w.Close()

	if _, err := w.Fetch(context.Background(), FetchRequest{Topic: testTopic}); !errors.Is(err, ErrWorkerClosed) {
		t.Errorf("got err %v, want %v", err, ErrWorkerClosed)
	}
}

func TestWorkerContextCancel(t *testing.T) {
	c := newCluster(t, 1)
	w := newTestWorker(t, c)

	started, release := make(chan struct{}), make(chan struct{})
	go w.do(context.Background(), func(*workerState) {
		close(started)
		<-release
	})
	defer close(release)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := w.CorrelationID(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got err %v, want %v", err, context.DeadlineExceeded)
	}
}

type countingHook struct {
	connects, disconnects, writes, reads, refreshes atomic.Int32
}

func (h *countingHook) OnBrokerConnect(BrokerMetadata, time.Duration, net.Conn, error) {
	h.connects.Add(1)
}
func (h *countingHook) OnBrokerDisconnect(BrokerMetadata, net.Conn) { h.disconnects.Add(1) }
func (h *countingHook) OnBrokerWrite(BrokerMetadata, int16, int, time.Duration, error) {
	h.writes.Add(1)
}
func (h *countingHook) OnBrokerRead(BrokerMetadata, int16, int, time.Duration, error) {
	h.reads.Add(1)
}
func (h *countingHook) OnMetadataRefresh(time.Duration, int, error) { h.refreshes.Add(1) }

func TestHooks(t *testing.T) {
	c := newCluster(t, 1)
	h := new(countingHook)
	w := newTestWorker(t, c, WithHooks(h))

	produceN(t, w, 1)
	w.Close()

	if n := h.connects.Load(); n != 1 {
		t.Errorf("got %d connects, want 1", n)
	}
	if n := h.disconnects.Load(); n != 1 {
		t.Errorf("got %d disconnects, want 1", n)
	}
	if n := h.writes.Load(); n != 2 {
		t.Errorf("got %d writes, want 2", n)
	}
	if n := h.reads.Load(); n != 2 {
		t.Errorf("got %d reads, want 2", n)
	}
	if n := h.refreshes.Load(); n != 1 {
		t.Errorf("got %d metadata refreshes, want 1", n)
	}
}

func TestUpdateBrokersReplacesSnapshot(t *testing.T) {
	cfg := defaultCfg()
	s := &workerState{cfg: &cfg}

	var pipes []net.Conn
	newLive := func(meta BrokerMetadata) *broker {
		b := newBroker(&cfg, meta)
		local, remote := net.Pipe()
		pipes = append(pipes, remote)
		b.cxn = &brokerCxn{b: b, conn: local}
		return b
	}
	defer func() {
		for _, p := range pipes {
			p.Close()
		}
	}()

	a := newLive(BrokerMetadata{NodeID: 1, Host: "a", Port: 9092})
	b := newLive(BrokerMetadata{NodeID: 2, Host: "b", Port: 9092})
	old := &Metadata{Brokers: []BrokerMetadata{a.meta, b.meta}}
	s.brokers = []*broker{a, b}
	s.meta = old
	s.metaIdx = 1

	next := &Metadata{Brokers: []BrokerMetadata{
		{NodeID: 2, Host: "b", Port: 9092},
		{NodeID: 3, Host: "c", Port: 9092},
	}}
	s.updateBrokers(next)

	if s.meta != next {
		t.Error("metadata snapshot not replaced")
	}
	if diff := cmp.Diff([]BrokerMetadata{{1, "a", 9092}, {2, "b", 9092}}, old.Brokers); diff != "" {
		t.Errorf("previous snapshot was modified (-want +got):\n%s", diff)
	}
	if len(s.brokers) != 2 || s.brokers[0] != b || s.brokers[1].meta.NodeID != 3 {
		t.Fatalf("unexpected broker set %+v", s.brokers)
	}
	if a.cxn != nil {
		t.Error("dropped broker kept its connection")
	}
	if b.cxn == nil {
		t.Error("surviving broker lost its connection")
	}
	if s.brokers[1].cxn != nil {
		t.Error("new broker dialed eagerly")
	}
}
