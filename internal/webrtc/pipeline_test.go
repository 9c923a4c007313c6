package webrtc

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"voicecircle/native/internal/domain"
)

func TestAttempt_ReleasesInReverseOrder(t *testing.T) {
	a := newAttempt(context.Background(), 1)
	var order []string
	for _, name := range []string{"sink", "peer", "mic"} {
		name := name
		if err := a.hold(name, func() error { order = append(order, name); return nil }); err != nil {
			t.Fatalf("hold %s: %v", name, err)
		}
	}

	if err := a.release(errors.New("done")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.release(errors.New("again")); err != nil {
		t.Fatalf("second release should be a no-op, got %v", err)
	}

	if want := []string{"mic", "peer", "sink"}; !reflect.DeepEqual(order, want) {
		t.Errorf("expected %v, got %v", want, order)
	}
	if a.ctx.Err() == nil {
		t.Error("release should cancel the attempt context")
	}
	if a.releaseReason().Error() != "done" {
		t.Errorf("expected first reason kept, got %v", a.releaseReason())
	}
}

func TestAttempt_HoldAfterReleaseClosesImmediately(t *testing.T) {
	a := newAttempt(context.Background(), 1)
	_ = a.release(domain.ErrConnectAborted)

	closed := false
	err := a.hold("late", func() error { closed = true; return nil })

	if !errors.Is(err, domain.ErrConnectAborted) {
		t.Fatalf("expected ErrConnectAborted, got %v", err)
	}
	if !closed {
		t.Error("late resource should be closed right away")
	}
}

func TestAttempt_ReleaseJoinsErrors(t *testing.T) {
	a := newAttempt(context.Background(), 1)
	boom := errors.New("boom")
	_ = a.hold("one", func() error { return boom })
	_ = a.hold("two", func() error { return nil })

	if err := a.release(nil); !errors.Is(err, boom) {
		t.Errorf("expected joined release error, got %v", err)
	}
}

func TestAttempt_GuardRefusesAfterRelease(t *testing.T) {
	a := newAttempt(context.Background(), 1)
	_ = a.release(domain.ErrConnectAborted)

	ran := false
	if a.guard(func() { ran = true }) || ran {
		t.Error("guard must not run after release")
	}
}

func TestAttempt_GuardOrdersAttachBeforeDetach(t *testing.T) {
	a := newAttempt(context.Background(), 1)
	var mu sync.Mutex
	var order []string
	note := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	_ = a.hold("sink", func() error { note("detach"); return nil })

	attaching := make(chan struct{})
	done := make(chan bool)
	go func() {
		done <- a.guard(func() {
			close(attaching)
			time.Sleep(50 * time.Millisecond)
			note("attach")
		})
	}()

	<-attaching
	_ = a.release(domain.ErrConnectAborted)

	if !<-done {
		t.Fatal("guard started before release should run")
	}
	mu.Lock()
	defer mu.Unlock()
	if want := []string{"attach", "detach"}; !reflect.DeepEqual(order, want) {
		t.Errorf("expected %v, got %v", want, order)
	}
}

func TestRunSteps_StopsAtFirstFailure(t *testing.T) {
	a := newAttempt(context.Background(), 1)
	boom := errors.New("boom")
	var ran []string
	steps := []step{
		{name: "one", run: func(*attempt) error { ran = append(ran, "one"); return nil }},
		{name: "two", run: func(*attempt) error { ran = append(ran, "two"); return boom }},
		{name: "three", run: func(*attempt) error { ran = append(ran, "three"); return nil }},
	}

	if err := runSteps(a, steps); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if want := []string{"one", "two"}; !reflect.DeepEqual(ran, want) {
		t.Errorf("expected %v, got %v", want, ran)
	}
}
