package audit

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestRecorder_RetriesOnce(t *testing.T) {
	sink := &MemorySink{FailNext: true}
	r := NewRecorder(sink, zerolog.Nop())

	actor := uuid.New()
	r.Record(context.Background(), &Entry{Action: "crisis.signal_raised", ActorID: &actor})

	entries := sink.Entries()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1 after retry", len(entries))
	}
	if entries[0].Action != "crisis.signal_raised" {
		t.Fatalf("action = %q", entries[0].Action)
	}
	if entries[0].ID == uuid.Nil {
		t.Fatal("entry id not assigned")
	}
}

func TestRecorder_NeverPropagatesFailure(t *testing.T) {
	sink := &failTwiceSink{}
	r := NewRecorder(sink, zerolog.Nop())

	// Must not panic or block; the failure is logged and dropped.
	r.Record(context.Background(), &Entry{Action: "crisis.resolved"})
	if sink.calls != 2 {
		t.Fatalf("append calls = %d, want 2 (original plus one retry)", sink.calls)
	}
}

type failTwiceSink struct {
	calls int
}

func (s *failTwiceSink) Append(context.Context, *Entry) error {
	s.calls++
	return context.DeadlineExceeded
}

func TestMemorySink_Records(t *testing.T) {
	sink := &MemorySink{}
	if err := sink.Append(context.Background(), &Entry{Action: "a"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(sink.Entries()) != 1 {
		t.Fatal("entry not recorded")
	}
}
