package callstore

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// HistoryQuery selects prior calls for prompt context.
type HistoryQuery struct {
	From         string        // caller number, E.164
	Lookback     time.Duration // how far back to search
	MaxSessions  int           // maximum calls returned
	ExcerptBytes int           // per-call transcript excerpt budget
}

// HistoryEntry is one prior call, summarized for inclusion in an agent
// prompt.
type HistoryEntry struct {
	CallID    string
	StartedAt time.Time
	EndReason string
	Excerpt   string
}

// History returns up to MaxSessions prior terminal calls from the given
// number within the lookback window, most recent first. Each entry carries
// a transcript excerpt truncated at a message boundary to the byte budget.
func (s *Store) History(q HistoryQuery) []HistoryEntry {
	cutoff := time.Now().Add(-q.Lookback)

	s.mu.Lock()
	var matches []*CallRecord
	for _, rec := range s.latest {
		if rec.From != q.From || !rec.State.Terminal() {
			continue
		}
		if rec.StartedAt.Before(cutoff) {
			continue
		}
		matches = append(matches, rec)
	}
	s.mu.Unlock()

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].StartedAt.After(matches[j].StartedAt)
	})
	if q.MaxSessions > 0 && len(matches) > q.MaxSessions {
		matches = matches[:q.MaxSessions]
	}

	out := make([]HistoryEntry, 0, len(matches))
	for _, rec := range matches {
		out = append(out, HistoryEntry{
			CallID:    rec.CallID,
			StartedAt: rec.StartedAt,
			EndReason: rec.EndReason,
			Excerpt:   transcriptExcerpt(rec.Transcript, q.ExcerptBytes),
		})
	}
	return out
}

// transcriptExcerpt renders the most recent transcript messages that fit
// the byte budget, in chronological order. Truncation happens only at
// message boundaries so a line is never cut mid-utterance.
func transcriptExcerpt(transcript []TranscriptEntry, budget int) string {
	if budget <= 0 || len(transcript) == 0 {
		return ""
	}

	var lines []string
	used := 0
	for i := len(transcript) - 1; i >= 0; i-- {
		e := transcript[i]
		speaker := "Caller"
		if e.Speaker == SpeakerBot {
			speaker = "Agent"
		}
		line := fmt.Sprintf("%s: %s", speaker, e.Text)
		cost := len(line)
		if len(lines) > 0 {
			cost++ // newline
		}
		if used+cost > budget {
			break
		}
		used += cost
		lines = append(lines, line)
	}

	// Restore chronological order.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n")
}
