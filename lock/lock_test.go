package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/akenzy-vlu/wallex/wallet"
)

// fakeRedis emulates SET NX and the token-checked release script over an
// in-memory map.
type fakeRedis struct {
	mu       sync.Mutex
	values   map[string]string
	setNXErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: make(map[string]string)}
}

func (f *fakeRedis) holds(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.values[key]
	return ok
}

func (f *fakeRedis) steal(key, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = token
}

func (f *fakeRedis) drop(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, key)
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setNXErr != nil {
		return redis.NewBoolResult(false, f.setNXErr)
	}
	if _, exists := f.values[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = fmt.Sprint(value)
	return redis.NewBoolResult(true, nil)
}

// Eval emulates the token-checked release script.
func (f *fakeRedis) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := keys[0]
	token := fmt.Sprint(args[0])
	if f.values[key] == token {
		delete(f.values, key)
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func (f *fakeRedis) Ping(_ context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func TestAcquireAndContention(t *testing.T) {
	client := newFakeRedis()
	svc := NewService(client, zerolog.Nop())
	ctx := context.Background()

	token, err := svc.Acquire(ctx, "lock:wallet:w1", time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if token == "" {
		t.Fatal("Expected a token on first acquire")
	}

	second, err := svc.Acquire(ctx, "lock:wallet:w1", time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if second != "" {
		t.Error("Expected empty token on contended acquire")
	}
}

func TestReleaseIsTokenChecked(t *testing.T) {
	client := newFakeRedis()
	svc := NewService(client, zerolog.Nop())
	ctx := context.Background()

	token, err := svc.Acquire(ctx, "lock:wallet:w1", time.Second)
	if err != nil || token == "" {
		t.Fatalf("Acquire failed: token=%q err=%v", token, err)
	}

	released, err := svc.Release(ctx, "lock:wallet:w1", "wrong-token")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released {
		t.Error("Expected release with wrong token to be refused")
	}
	if !client.holds("lock:wallet:w1") {
		t.Error("Expected lock to survive a wrong-token release")
	}

	released, err = svc.Release(ctx, "lock:wallet:w1", token)
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if !released {
		t.Error("Expected release with holder token to succeed")
	}
	if client.holds("lock:wallet:w1") {
		t.Error("Expected lock to be gone after release")
	}
}

func TestReleaseAfterTakeover(t *testing.T) {
	client := newFakeRedis()
	svc := NewService(client, zerolog.Nop())
	ctx := context.Background()

	token, _ := svc.Acquire(ctx, "lock:wallet:w1", time.Second)
	// Simulate TTL expiry plus reacquisition by another process.
	client.steal("lock:wallet:w1", "other-holder")

	released, err := svc.Release(ctx, "lock:wallet:w1", token)
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released {
		t.Error("Expected release to be refused after takeover")
	}
	if !client.holds("lock:wallet:w1") {
		t.Error("Expected the new holder's lock to survive")
	}
}

func TestWithLockRunsBodyAndReleases(t *testing.T) {
	client := newFakeRedis()
	svc := NewService(client, zerolog.Nop())

	ranWhileHeld := false
	err := svc.WithLock(context.Background(), "lock:wallet:w1", time.Second, 3, func(context.Context) error {
		ranWhileHeld = client.holds("lock:wallet:w1")
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock failed: %v", err)
	}
	if !ranWhileHeld {
		t.Error("Expected body to run while lock is held")
	}
	if client.holds("lock:wallet:w1") {
		t.Error("Expected lock to be released after body")
	}
}

func TestWithLockBodyErrorStillReleases(t *testing.T) {
	client := newFakeRedis()
	svc := NewService(client, zerolog.Nop())
	bodyErr := errors.New("domain failure")

	err := svc.WithLock(context.Background(), "lock:wallet:w1", time.Second, 3, func(context.Context) error {
		return bodyErr
	})
	if !errors.Is(err, bodyErr) {
		t.Errorf("Expected body error to propagate, got %v", err)
	}
	if client.holds("lock:wallet:w1") {
		t.Error("Expected lock to be released after failing body")
	}
}

func TestWithLockRetriesUntilHolderLeaves(t *testing.T) {
	client := newFakeRedis()
	client.steal("lock:wallet:w1", "other-holder")

	svc := NewService(client, zerolog.Nop())
	var sleeps []time.Duration
	svc.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		if len(sleeps) == 3 {
			client.drop("lock:wallet:w1")
		}
		return nil
	}

	ran := false
	err := svc.WithLock(context.Background(), "lock:wallet:w1", time.Second, 10, func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock failed: %v", err)
	}
	if !ran {
		t.Error("Expected body to run once the holder left")
	}
	if len(sleeps) != 3 {
		t.Errorf("Expected 3 backoff sleeps, got %d", len(sleeps))
	}
}

func TestWithLockTimeout(t *testing.T) {
	client := newFakeRedis()
	client.steal("lock:wallet:w1", "other-holder")

	svc := NewService(client, zerolog.Nop())
	sleeps := 0
	svc.sleep = func(context.Context, time.Duration) error {
		sleeps++
		return nil
	}

	err := svc.WithLock(context.Background(), "lock:wallet:w1", time.Second, 4, func(context.Context) error {
		t.Fatal("body must not run")
		return nil
	})
	if !errors.Is(err, wallet.ErrLockAcquisitionTimeout) {
		t.Errorf("Expected ErrLockAcquisitionTimeout, got %v", err)
	}
	if sleeps != 5 {
		t.Errorf("Expected 5 sleeps for maxRetries=4, got %d", sleeps)
	}
}

func TestWithLockAcquireErrorAborts(t *testing.T) {
	client := newFakeRedis()
	client.setNXErr = errors.New("connection refused")
	svc := NewService(client, zerolog.Nop())

	err := svc.WithLock(context.Background(), "lock:wallet:w1", time.Second, 3, func(context.Context) error {
		return nil
	})
	if err == nil || errors.Is(err, wallet.ErrLockAcquisitionTimeout) {
		t.Errorf("Expected transport error, got %v", err)
	}
}

func TestWithLockCancelDuringBackoff(t *testing.T) {
	client := newFakeRedis()
	client.steal("lock:wallet:w1", "other-holder")
	svc := NewService(client, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := svc.WithLock(ctx, "lock:wallet:w1", time.Second, 3, func(context.Context) error {
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestAcquireDelayBounds(t *testing.T) {
	for attempt := 0; attempt < 30; attempt++ {
		d := acquireDelay(attempt)
		if d < initialBackoff {
			t.Fatalf("attempt %d: delay %v below initial backoff", attempt, d)
		}
		// Cap plus maximum jitter of half the cap.
		if d >= maxBackoff+maxBackoff/2+time.Millisecond {
			t.Fatalf("attempt %d: delay %v above cap with jitter", attempt, d)
		}
	}

	// First attempt stays within [50ms, 75ms).
	for i := 0; i < 100; i++ {
		d := acquireDelay(0)
		if d < 50*time.Millisecond || d >= 75*time.Millisecond {
			t.Fatalf("attempt 0 delay %v outside [50ms, 75ms)", d)
		}
	}
}

func TestKey(t *testing.T) {
	if got := Key("w1"); got != "lock:wallet:w1" {
		t.Errorf("Expected lock:wallet:w1, got %s", got)
	}
}
