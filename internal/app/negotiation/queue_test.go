package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/dkeye/Callkit/internal/domain"
	"github.com/dkeye/Callkit/internal/testutils"
	"go.viam.com/test"
)

func cand(i int) domain.Candidate {
	return domain.Candidate{Candidate: fmt.Sprintf("candidate:%d 1 udp 2122260223 10.0.0.1 %d typ host", i, 40000+i)}
}

func TestCandidateQueue(t *testing.T) {
	q := newCandidateQueue(3)
	for i := range 3 {
		test.That(t, q.Push(cand(i)), test.ShouldBeNil)
	}
	test.That(t, errors.Is(q.Push(cand(3)), ErrQueueFull), test.ShouldBeTrue)
	test.That(t, q.Len(), test.ShouldEqual, 3)

	drained := q.Drain()
	test.That(t, drained, test.ShouldResemble, []domain.Candidate{cand(0), cand(1), cand(2)})
	test.That(t, q.Len(), test.ShouldEqual, 0)
	test.That(t, q.Drain(), test.ShouldBeEmpty)

	test.That(t, newCandidateQueue(0).limit, test.ShouldEqual, DefaultCandidateBuffer)
}

func TestOutboxPublishesInOrder(t *testing.T) {
	o := newOutbox()
	ctx, cancel := context.WithCancel(context.Background())

	var (
		mu  sync.Mutex
		got []domain.Candidate
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.run(ctx, func(_ context.Context, c domain.Candidate) error {
			mu.Lock()
			got = append(got, c)
			mu.Unlock()
			return nil
		}, func(error) { t.Error("unexpected publish error") })
	}()

	for i := range 20 {
		test.That(t, o.push(cand(i)), test.ShouldBeTrue)
	}
	testutils.WaitFor(t, "20 published candidates", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 20
	})
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	for i, c := range got {
		test.That(t, c, test.ShouldResemble, cand(i))
	}
	o.stop()
	test.That(t, o.push(cand(99)), test.ShouldBeFalse)
}

func TestOutboxReportsFirstErrorOnce(t *testing.T) {
	o := newOutbox()
	boom := errors.New("store down")
	var reported []error
	o.push(cand(0))
	o.push(cand(1))
	o.run(context.Background(), func(context.Context, domain.Candidate) error {
		return boom
	}, func(err error) { reported = append(reported, err) })
	test.That(t, reported, test.ShouldResemble, []error{boom})
}

func TestSubscriptionsReleaseOnce(t *testing.T) {
	var b subscriptions
	calls := map[string]int{}
	test.That(t, b.add(func() { calls["a"]++ }), test.ShouldBeTrue)
	test.That(t, b.add(func() { calls["b"]++ }), test.ShouldBeTrue)
	test.That(t, b.len(), test.ShouldEqual, 2)

	b.release()
	b.release()
	test.That(t, calls, test.ShouldResemble, map[string]int{"a": 1, "b": 1})
	test.That(t, b.len(), test.ShouldEqual, 0)

	test.That(t, b.add(func() { calls["late"]++ }), test.ShouldBeFalse)
	test.That(t, calls["late"], test.ShouldEqual, 1)
}

func TestPhaseString(t *testing.T) {
	test.That(t, PhaseAwaitingRemote.String(), test.ShouldEqual, "awaiting_remote")
	test.That(t, PhaseConnected.remoteSet(), test.ShouldBeTrue)
	test.That(t, PhaseAwaitingRemote.remoteSet(), test.ShouldBeFalse)
	test.That(t, Phase(42).String(), test.ShouldEqual, "unknown")
}
