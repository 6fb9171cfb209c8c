package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	. "github.com/onsi/gomega"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestDistributedLock_MutualExclusion(t *testing.T) {
	g := NewWithT(t)
	_, client := newClient(t)
	ctx := context.Background()

	a := NewJobLock(client, "retention", time.Minute)
	b := NewJobLock(client, "retention", time.Minute)
	g.Expect(a.Key()).To(Equal("pointsbilling:job:lock:retention"))

	ok, err := a.TryLock(ctx)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(ok).To(BeTrue())

	ok, err = b.TryLock(ctx)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(ok).To(BeFalse())

	// 别人的锁不能被释放
	g.Expect(b.Unlock(ctx)).To(MatchError(ErrNotHeld))

	g.Expect(a.Unlock(ctx)).To(Succeed())
	ok, err = b.TryLock(ctx)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(ok).To(BeTrue())
}

func TestDistributedLock_Expiry(t *testing.T) {
	g := NewWithT(t)
	mr, client := newClient(t)
	ctx := context.Background()

	a := NewJobLock(client, "reconcile", time.Second)
	g.Expect(a.Lock(ctx, 10*time.Millisecond, 3)).To(Succeed())
	g.Expect(a.Extend(ctx)).To(Succeed())

	mr.FastForward(2 * time.Second)

	g.Expect(a.Extend(ctx)).To(MatchError(ErrNotHeld))
	b := NewJobLock(client, "reconcile", time.Second)
	g.Expect(b.Lock(ctx, 10*time.Millisecond, 3)).To(Succeed())
}

func TestDistributedLock_LockGivesUp(t *testing.T) {
	g := NewWithT(t)
	_, client := newClient(t)
	ctx := context.Background()

	holder := NewJobLock(client, "expiry", time.Minute)
	g.Expect(holder.Lock(ctx, time.Millisecond, 1)).To(Succeed())

	waiter := NewJobLock(client, "expiry", time.Minute)
	g.Expect(waiter.Lock(ctx, time.Millisecond, 3)).To(MatchError(ErrLockFailed))
}

func TestRunExclusive(t *testing.T) {
	g := NewWithT(t)
	_, client := newClient(t)
	ctx := context.Background()

	holder := NewJobLock(client, "purge", time.Minute)
	calls := 0
	ran, err := RunExclusive(ctx, holder, func(ctx context.Context) error {
		calls++
		other := NewJobLock(client, "purge", time.Minute)
		innerRan, innerErr := RunExclusive(ctx, other, func(context.Context) error {
			calls++
			return nil
		})
		g.Expect(innerErr).ToNot(HaveOccurred())
		g.Expect(innerRan).To(BeFalse())
		return nil
	})
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(ran).To(BeTrue())
	g.Expect(calls).To(Equal(1))

	// 执行失败也要释放锁
	boom := errors.New("boom")
	ran, err = RunExclusive(ctx, NewJobLock(client, "purge", time.Minute), func(context.Context) error {
		return boom
	})
	g.Expect(ran).To(BeTrue())
	g.Expect(err).To(MatchError(boom))

	ok, err := NewJobLock(client, "purge", time.Minute).TryLock(ctx)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(ok).To(BeTrue())
}
