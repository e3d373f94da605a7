package callstore

import (
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestHistoryFiltersAndOrders(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	caller := "+15551234567"
	now := time.Now()

	// 7 terminal calls from the caller inside the window, one outside,
	// one from a different number, one still active.
	for i := 0; i < 7; i++ {
		rec := testRecord(fmt.Sprintf("h%d", i), "", StateCompleted)
		rec.From = caller
		rec.StartedAt = now.Add(-time.Duration(i+1) * 24 * time.Hour)
		rec.Transcript = []TranscriptEntry{
			{Timestamp: rec.StartedAt, Speaker: SpeakerUser, Text: fmt.Sprintf("call %d", i), IsFinal: true},
		}
		if err := s.Append(rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	old := testRecord("old", "", StateCompleted)
	old.From = caller
	old.StartedAt = now.Add(-40 * 24 * time.Hour)
	s.Append(old)

	other := testRecord("other", "", StateCompleted)
	other.From = "+15559998888"
	other.StartedAt = now.Add(-time.Hour)
	s.Append(other)

	live := testRecord("live", "", StateActive)
	live.From = caller
	live.StartedAt = now.Add(-time.Minute)
	s.Append(live)

	got := s.History(HistoryQuery{
		From:         caller,
		Lookback:     30 * 24 * time.Hour,
		MaxSessions:  5,
		ExcerptBytes: 512,
	})

	if len(got) != 5 {
		t.Fatalf("History returned %d entries, want 5", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].StartedAt.After(got[i-1].StartedAt) {
			t.Errorf("entries not most-recent-first at index %d", i)
		}
	}
	if got[0].CallID != "h0" {
		t.Errorf("most recent entry = %s, want h0", got[0].CallID)
	}
}

func TestTranscriptExcerptMessageBoundary(t *testing.T) {
	transcript := []TranscriptEntry{
		{Speaker: SpeakerUser, Text: "first message that is fairly long", IsFinal: true},
		{Speaker: SpeakerBot, Text: "second reply", IsFinal: true},
		{Speaker: SpeakerUser, Text: "third", IsFinal: true},
	}

	// Budget fits only the last two messages.
	excerpt := transcriptExcerpt(transcript, 40)
	if strings.Contains(excerpt, "first message") {
		t.Errorf("excerpt exceeded budget: %q", excerpt)
	}
	if !strings.HasSuffix(excerpt, "Caller: third") {
		t.Errorf("excerpt should end with the most recent message, got %q", excerpt)
	}
	// Lines are whole messages, never cut mid-utterance.
	for _, line := range strings.Split(excerpt, "\n") {
		if line != "Agent: second reply" && line != "Caller: third" {
			t.Errorf("unexpected excerpt line %q", line)
		}
	}
	if len(excerpt) > 40 {
		t.Errorf("excerpt length %d exceeds budget 40", len(excerpt))
	}
}

func TestTranscriptExcerptEmpty(t *testing.T) {
	if got := transcriptExcerpt(nil, 100); got != "" {
		t.Errorf("excerpt of empty transcript = %q, want empty", got)
	}
	if got := transcriptExcerpt([]TranscriptEntry{{Speaker: SpeakerUser, Text: "hi"}}, 0); got != "" {
		t.Errorf("excerpt with zero budget = %q, want empty", got)
	}
}

func TestHistoryNoMatches(t *testing.T) {
	s, err := Open(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	got := s.History(HistoryQuery{From: "+15550000000", Lookback: time.Hour, MaxSessions: 5, ExcerptBytes: 100})
	if len(got) != 0 {
		t.Errorf("History = %d entries, want 0", len(got))
	}
}
