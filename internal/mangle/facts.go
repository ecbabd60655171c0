package mangle

import (
	"time"

	"hoverreply/internal/dom"
	"hoverreply/internal/extract"
	"hoverreply/internal/generate"
)

func at(t time.Time) int64 { return t.UnixMilli() }

// AttachedFact records that affordances were attached to h.
func AttachedFact(h dom.Handle, t time.Time) Fact {
	return Fact{Predicate: "message_attached", Args: []interface{}{string(h), at(t)}, Timestamp: t}
}

// ExtractedFact records a successful extraction.
func ExtractedFact(msg extract.ChatMessage) Fact {
	t := msg.ObservedAt
	if t.IsZero() {
		t = time.Now()
	}
	return Fact{
		Predicate: "message_extracted",
		Args:      []interface{}{string(msg.Source), msg.ID, msg.Author, msg.IsBotOrWebhook, at(t)},
		Timestamp: t,
	}
}

// LockedFact records a lock.
func LockedFact(h dom.Handle, t time.Time) Fact {
	return Fact{Predicate: "message_locked", Args: []interface{}{string(h), at(t)}, Timestamp: t}
}

// UnlockedFact records an unlock and why it happened.
func UnlockedFact(h dom.Handle, reason string, t time.Time) Fact {
	return Fact{Predicate: "message_unlocked", Args: []interface{}{string(h), reason, at(t)}, Timestamp: t}
}

// AttemptFact records one relay attempt.
func AttemptFact(a generate.Attempt, t time.Time) Fact {
	return Fact{
		Predicate: "relay_attempt",
		Args:      []interface{}{a.MessageID, a.Index, a.Outcome, at(t)},
		Timestamp: t,
	}
}

// BatchFact records a finished reply batch.
func BatchFact(b generate.ReplyBatch) Fact {
	t := b.CreatedAt
	if t.IsZero() {
		t = time.Now()
	}
	return Fact{
		Predicate: "reply_batch",
		Args:      []interface{}{b.MessageID, string(b.Target), len(b.Replies), string(b.Source), b.Displayed, at(t)},
		Timestamp: t,
	}
}
