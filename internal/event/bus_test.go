package event

import (
	"context"
	"errors"
	"testing"
)

func TestBus_OrderAndMutation(t *testing.T) {
	bus := NewBus(nil)
	var order []string

	bus.Subscribe(TypeServerSwitch, "first", func(ctx context.Context, ev Event) error {
		order = append(order, "first")
		ev.(*ServerSwitch).Target = "lobby-2:19132"
		return nil
	})
	bus.Subscribe(TypeServerSwitch, "second", func(ctx context.Context, ev Event) error {
		order = append(order, "second")
		if got := ev.(*ServerSwitch).Target; got != "lobby-2:19132" {
			t.Errorf("Expected second handler to see redirect, got %q", got)
		}
		return errors.New("ignored")
	})
	bus.Subscribe(TypeLogin, "other", func(ctx context.Context, ev Event) error {
		order = append(order, "other")
		return nil
	})

	out := bus.Publish(context.Background(), &ServerSwitch{Target: "lobby-1:19132"}).(*ServerSwitch)
	if out.Target != "lobby-2:19132" {
		t.Errorf("Expected redirected target, got %q", out.Target)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("Expected [first second], got %v", order)
	}
}

func TestBus_Cancel(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe(TypeLogin, "ban", func(ctx context.Context, ev Event) error {
		ev.(Cancellable).Cancel("You are banned")
		return nil
	})

	ev := bus.Publish(context.Background(), &Login{Username: "Steve"}).(*Login)
	if !ev.Cancelled() {
		t.Fatal("Expected login to be cancelled")
	}
	if ev.Reason() != "You are banned" {
		t.Errorf("Expected reason %q, got %q", "You are banned", ev.Reason())
	}
}

func TestBus_PanicAndUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	called := false
	bus.Subscribe(TypeLogin, "panics", func(ctx context.Context, ev Event) error {
		panic("boom")
	})
	bus.Subscribe(TypeLogin, "after", func(ctx context.Context, ev Event) error {
		called = true
		return nil
	})

	bus.Publish(context.Background(), &Login{})
	if !called {
		t.Error("Expected handler after a panicking one to run")
	}

	bus.Unsubscribe(TypeLogin, "panics")
	if n := bus.HandlerCount(TypeLogin); n != 1 {
		t.Errorf("Expected 1 handler, got %d", n)
	}
}
