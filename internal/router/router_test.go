package router

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRouter_RoundRobin(t *testing.T) {
	r := NewRouter()
	r.UpdateGroup(&Group{Name: "lobby", Strategy: StrategyRoundRobin, Endpoints: []string{"a:1", "b:1", "c:1"}})

	var got []string
	for i := 0; i < 4; i++ {
		addr, err := r.Route(context.Background(), "lobby", "")
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, addr)
	}
	if diff := cmp.Diff([]string{"a:1", "b:1", "c:1", "a:1"}, got); diff != "" {
		t.Errorf("round robin order mismatch (-want +got):\n%s", diff)
	}
}

func TestRouter_ConsistentHashIsStable(t *testing.T) {
	r := NewRouter()
	r.UpdateGroup(&Group{Name: "survival", Strategy: StrategyConsistentHash, Endpoints: []string{"a:1", "b:1", "c:1"}})

	first, err := r.Route(context.Background(), "survival", "player-uuid")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		addr, _ := r.Route(context.Background(), "survival", "player-uuid")
		if addr != first {
			t.Fatalf("Expected %s for the same key, got %s", first, addr)
		}
	}
}

func TestRouter_Errors(t *testing.T) {
	r := NewRouter()
	if _, err := r.Route(context.Background(), "missing", ""); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("Expected ErrGroupNotFound, got %v", err)
	}

	r.UpdateGroup(&Group{Name: "empty"})
	if _, err := r.Route(context.Background(), "empty", ""); !errors.Is(err, ErrNoEndpoints) {
		t.Errorf("Expected ErrNoEndpoints, got %v", err)
	}

	r.UpdateGroup(&Group{Name: "odd", Strategy: "random", Endpoints: []string{"a:1"}})
	if _, err := r.Route(context.Background(), "odd", ""); err == nil {
		t.Error("Expected an error for an unknown strategy")
	}
}

func TestRouter_ReplaceGroups(t *testing.T) {
	r := NewRouter()
	r.UpdateGroup(&Group{Name: "old", Endpoints: []string{"a:1"}})
	r.ReplaceGroups(map[string]*Group{
		"lobby": {Endpoints: []string{"l:1"}},
		"skip":  nil,
	})

	if _, ok := r.GetGroup("old"); ok {
		t.Error("Expected old group to be dropped")
	}
	g, ok := r.GetGroup("lobby")
	if !ok || g.Name != "lobby" {
		t.Errorf("Expected lobby group named from its key, got %+v", g)
	}
	if n := len(r.GetAllGroups()); n != 1 {
		t.Errorf("Expected 1 group, got %d", n)
	}
}
