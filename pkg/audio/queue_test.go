package audio_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MoPaMo/anki-gemini-live/pkg/audio"
)

func TestQueue_FIFO(t *testing.T) {
	t.Parallel()
	for _, n := range []int{0, 1, 5} {
		t.Run(fmt.Sprintf("%d items", n), func(t *testing.T) {
			t.Parallel()
			q := audio.NewQueue[int](0)
			for i := range n {
				if err := q.Push(i); err != nil {
					t.Fatalf("Push(%d): %v", i, err)
				}
			}
			if q.Len() != n {
				t.Fatalf("Len() = %d, want %d", q.Len(), n)
			}
			for want := range n {
				got, err := q.Pop(context.Background(), time.Second)
				if err != nil {
					t.Fatalf("Pop: %v", err)
				}
				if got != want {
					t.Errorf("Pop() = %d, want %d", got, want)
				}
			}
			if _, err := q.Pop(context.Background(), 10*time.Millisecond); !errors.Is(err, audio.ErrQueueEmpty) {
				t.Errorf("Pop past the end = %v, want ErrQueueEmpty", err)
			}
			if _, ok := q.TryPop(); ok {
				t.Error("TryPop() on a drained queue returned an item")
			}
		})
	}
}

func TestQueue_BoundedRejectsWhenFull(t *testing.T) {
	t.Parallel()
	q := audio.NewQueue[int](2)
	_ = q.Push(1)
	_ = q.Push(2)
	if err := q.Push(3); !errors.Is(err, audio.ErrQueueFull) {
		t.Fatalf("Push on full queue = %v, want ErrQueueFull", err)
	}
	if v, _ := q.TryPop(); v != 1 {
		t.Errorf("TryPop() = %d, want 1", v)
	}
	if err := q.Push(3); err != nil {
		t.Errorf("Push after pop = %v, want nil", err)
	}
}

func TestQueue_PopTimeout(t *testing.T) {
	t.Parallel()
	q := audio.NewQueue[int](0)
	start := time.Now()
	_, err := q.Pop(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, audio.ErrQueueEmpty) {
		t.Fatalf("Pop() = %v, want ErrQueueEmpty", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Pop returned after %v, want >= 20ms", elapsed)
	}
}

func TestQueue_PopContext(t *testing.T) {
	t.Parallel()
	q := audio.NewQueue[int](0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Pop(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("Pop() = %v, want context.Canceled", err)
	}

	// Queued items win over a cancelled context.
	_ = q.Push(7)
	if v, err := q.Pop(ctx, time.Second); err != nil || v != 7 {
		t.Errorf("Pop() = %d, %v, want 7, nil", v, err)
	}
}

func TestQueue_PopWakesOnPush(t *testing.T) {
	t.Parallel()
	q := audio.NewQueue[string](0)
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = q.Push("hello")
	}()
	got, err := q.Pop(context.Background(), 2*time.Second)
	if err != nil || got != "hello" {
		t.Errorf("Pop() = %q, %v, want hello, nil", got, err)
	}
}

func TestQueue_CloseDrains(t *testing.T) {
	t.Parallel()
	q := audio.NewQueue[int](0)
	_ = q.Push(1)
	_ = q.Push(2)
	q.Close()
	q.Close()

	if !q.Closed() {
		t.Fatal("Closed() = false")
	}
	if err := q.Push(3); !errors.Is(err, audio.ErrQueueClosed) {
		t.Errorf("Push after Close = %v, want ErrQueueClosed", err)
	}
	for want := 1; want <= 2; want++ {
		got, err := q.Pop(context.Background(), time.Second)
		if err != nil || got != want {
			t.Errorf("Pop() = %d, %v, want %d, nil", got, err, want)
		}
	}
	if _, err := q.Pop(context.Background(), time.Second); !errors.Is(err, audio.ErrQueueClosed) {
		t.Errorf("Pop on drained closed queue = %v, want ErrQueueClosed", err)
	}
}

func TestQueue_CloseWakesWaiter(t *testing.T) {
	t.Parallel()
	q := audio.NewQueue[int](0)
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Pop(context.Background(), 5*time.Second)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, audio.ErrQueueClosed) {
			t.Errorf("Pop() = %v, want ErrQueueClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake on Close")
	}
}

func TestQueue_Discard(t *testing.T) {
	t.Parallel()
	q := audio.NewQueue[int](0)
	for i := range 3 {
		_ = q.Push(i)
	}
	if n := q.Discard(); n != 3 {
		t.Errorf("Discard() = %d, want 3", n)
	}
	if _, ok := q.TryPop(); ok {
		t.Error("TryPop after Discard returned an item")
	}
}

func TestQueue_ReadyToken(t *testing.T) {
	t.Parallel()
	q := audio.NewQueue[int](0)
	_ = q.Push(1)
	_ = q.Push(2)

	select {
	case <-q.Ready():
	default:
		t.Fatal("no ready token after push")
	}
	select {
	case <-q.Ready():
		t.Fatal("more than one token buffered")
	default:
	}

	var got []int
	for {
		v, ok := q.TryPop()
		if !ok {
			break
		}
		got = append(got, v)
	}
	if len(got) != 2 {
		t.Errorf("drained %v, want 2 items", got)
	}
}

func TestQueue_ConcurrentProducerConsumer(t *testing.T) {
	t.Parallel()
	const n = 1000
	q := audio.NewQueue[int](0)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range n {
			_ = q.Push(i)
		}
		q.Close()
	}()

	next := 0
	for {
		v, err := q.Pop(context.Background(), time.Second)
		if errors.Is(err, audio.ErrQueueClosed) {
			break
		}
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if v != next {
			t.Fatalf("Pop() = %d, want %d", v, next)
		}
		next++
	}
	wg.Wait()
	if next != n {
		t.Errorf("received %d items, want %d", next, n)
	}
}
