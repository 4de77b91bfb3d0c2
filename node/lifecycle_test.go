package node

import (
	"errors"
	"slices"
	"testing"
)

type recorder struct {
	calls []string
}

func (r *recorder) service(name string, startErr error) Service {
	return &funcService{
		name: name,
		start: func() error {
			r.calls = append(r.calls, "start "+name)
			return startErr
		},
		stop: func() error {
			r.calls = append(r.calls, "stop "+name)
			return nil
		},
	}
}

func TestLifecycleOrder(t *testing.T) {
	var rec recorder
	lm := NewLifecycleManager()
	for _, s := range []struct {
		name     string
		priority int
	}{{"http", 2}, {"ledger", 0}, {"ingest", 1}} {
		if err := lm.Register(rec.service(s.name, nil), s.priority); err != nil {
			t.Fatal(err)
		}
	}
	if err := lm.Register(rec.service("http", nil), 5); err == nil {
		t.Fatal("duplicate service name accepted")
	}
	if err := lm.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if lm.GetState("ingest") != StateRunning {
		t.Fatalf("ingest state: %v", lm.GetState("ingest"))
	}
	if err := lm.StopAll(); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	want := []string{"start ledger", "start ingest", "start http", "stop http", "stop ingest", "stop ledger"}
	if !slices.Equal(rec.calls, want) {
		t.Fatalf("calls: %v, want %v", rec.calls, want)
	}
	for name, state := range lm.States() {
		if state != StateStopped {
			t.Fatalf("%s: %v after StopAll", name, state)
		}
	}
}

func TestLifecycleStartFailureRollsBack(t *testing.T) {
	var rec recorder
	boom := errors.New("boom")
	lm := NewLifecycleManager()
	lm.Register(rec.service("ledger", nil), 0)
	lm.Register(rec.service("ingest", boom), 1)
	lm.Register(rec.service("http", nil), 2)

	err := lm.StartAll()
	if !errors.Is(err, boom) {
		t.Fatalf("StartAll: got %v, want %v", err, boom)
	}
	want := []string{"start ledger", "start ingest", "stop ledger"}
	if !slices.Equal(rec.calls, want) {
		t.Fatalf("calls: %v, want %v", rec.calls, want)
	}
	if lm.GetState("ingest") != StateFailed || lm.GetState("http") != StateCreated || lm.GetState("ledger") != StateStopped {
		t.Fatalf("states: %v", lm.States())
	}
	if lm.GetState("missing") != StateFailed {
		t.Fatal("unknown service should report failed")
	}
}
