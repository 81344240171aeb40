// Package compactor shrinks a phase history that has outgrown its ceilings
// by replacing the middle of the conversation with a summary.
package compactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/jwebster45206/phase-engine/internal/logger"
	"github.com/jwebster45206/phase-engine/internal/metrics"
	"github.com/jwebster45206/phase-engine/internal/services"
	"github.com/jwebster45206/phase-engine/pkg/chat"
	"github.com/jwebster45206/phase-engine/pkg/history"
	"github.com/jwebster45206/phase-engine/pkg/memory"
	"github.com/jwebster45206/phase-engine/pkg/phase"
	"github.com/jwebster45206/phase-engine/pkg/prompts"
)

// Record describes one compaction. From and To are 1-based positions of
// the elided range in the history as it was before compaction.
type Record struct {
	Key       memory.ArchiveKey
	From      int
	To        int
	Elided    []chat.Turn
	Summary   string
	Truncated bool // no summary was produced
}

type Compactor struct {
	llm     services.LLMService
	store   *history.Store
	memory  memory.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a compactor. mem may be nil, in which case the elided turns
// are not archived.
func New(llm services.LLMService, store *history.Store, mem memory.Store, m *metrics.Metrics, logger *slog.Logger) *Compactor {
	return &Compactor{llm: llm, store: store, memory: mem, metrics: m, logger: logger}
}

// MaybeCompact compacts the stored history when it exceeds the ceilings.
// It returns a nil record when nothing was done.
func (c *Compactor) MaybeCompact(ctx context.Context, sessionID string, p phase.Phase) (*Record, error) {
	h, err := c.store.Snapshot(ctx, sessionID, p)
	if err != nil {
		return nil, err
	}
	if !c.store.NeedsCompaction(h) {
		return nil, nil
	}
	_, rec, err := c.Compact(ctx, sessionID, p, h)
	return rec, err
}

// Compact rewrites h as [instructions, summary, ...recent turns] and
// stores the result. An empty middle is a no-op and returns a nil record.
// A failed or empty summary degrades to dropping the middle.
func (c *Compactor) Compact(ctx context.Context, sessionID string, p phase.Phase, h history.History) (history.History, *Record, error) {
	log := logger.WithSession(c.logger, sessionID, string(p))
	limits := c.store.Limits()
	summaryChars := limits.MaxChars / 4
	reserve := summaryChars + utf8.RuneCountInString(prompts.SummaryTurnPrefix)

	start, tailStart := partition(h.Turns, limits, reserve)
	if tailStart <= start {
		return h, nil, nil
	}
	middle := chat.CloneTurns(h.Turns[start:tailStart])

	rec := &Record{
		Key:    memory.NewArchiveKey(sessionID, p, h.Compactions+1, start+1, tailStart),
		From:   start + 1,
		To:     tailStart,
		Elided: middle,
	}

	summary, err := c.summarise(ctx, middle, summaryChars)
	if err != nil {
		log.Warn("Summary failed, truncating history", "error", err)
	}
	rec.Summary = summary
	rec.Truncated = summary == ""

	out := make([]chat.Turn, 0, start+1+len(h.Turns)-tailStart)
	out = append(out, chat.CloneTurns(h.Turns[:start])...)
	if summary != "" {
		out = append(out, prompts.SummaryTurn(summary))
	}
	out = append(out, chat.CloneTurns(h.Turns[tailStart:])...)
	next := history.History{Turns: history.Repair(out), Compactions: h.Compactions + 1}

	// The char ceiling is best effort: a single kept turn may exceed it on
	// its own. Structure and the turn ceiling are not.
	if err := history.Validate(next, limits); err != nil {
		if !errors.Is(err, history.ErrLimitExceeded) || next.Len() > limits.MaxTurns {
			return h, nil, fmt.Errorf("compacted history is invalid: %w", err)
		}
		log.Warn("Compacted history still exceeds char ceiling",
			"chars", next.Chars(),
			"max_chars", limits.MaxChars)
	}

	c.archive(ctx, log, sessionID, p, rec)

	if err := c.store.Rewrite(ctx, sessionID, p, next); err != nil {
		return h, nil, fmt.Errorf("failed to rewrite history: %w", err)
	}
	c.metrics.Compacted(string(p), !rec.Truncated)
	log.Info("Compacted phase history",
		"archive_key", rec.Key.String(),
		"elided", len(middle),
		"turns", next.Len(),
		"chars", next.Chars(),
		"truncated", rec.Truncated)
	return next, rec, nil
}

// partition returns the start of the middle (after the leading system
// turn) and the start of the kept tail. reserve is the room held back for
// the summary turn.
//
// The tail is not always the last KeepRecent turns verbatim: tool results
// at its head whose assistant turn does not fit are dropped by Repair.
func partition(turns []chat.Turn, limits history.Limits, reserve int) (start, tailStart int) {
	if len(turns) > 0 && turns[0].Role == chat.RoleSystem {
		start = 1
	}
	tailStart = max(start, len(turns)-limits.KeepRecent)

	// The tail must leave room for the head and the summary.
	headChars := history.Chars(turns[:start])
	for tailStart < len(turns)-1 && headChars+reserve+history.Chars(turns[tailStart:]) > limits.MaxChars {
		tailStart++
	}

	// Tool results leading the tail keep their assistant turn when it
	// still fits; otherwise Repair drops them.
	if tailStart < len(turns) && turns[tailStart].Role == chat.RoleTool {
		j := tailStart
		for j > start && turns[j].Role == chat.RoleTool {
			j--
		}
		fitsTurns := start+1+len(turns)-j <= limits.MaxTurns
		fitsChars := headChars+reserve+history.Chars(turns[j:]) <= limits.MaxChars
		if turns[j].Role == chat.RoleAssistant && j >= start && fitsTurns && fitsChars {
			tailStart = j
		}
	}
	return start, tailStart
}

// summarise asks the engine for a summary of the middle turns. The request
// carries no tools and goes to the background model.
func (c *Compactor) summarise(ctx context.Context, middle []chat.Turn, maxChars int) (string, error) {
	resp, err := c.llm.Complete(ctx, services.CompletionRequest{
		Turns:      prompts.SummaryRequest(chat.Transcript(middle), maxChars),
		Background: true,
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(resp.Text)
	if summary == "" {
		return "", fmt.Errorf("empty summary")
	}
	if r := []rune(summary); len(r) > maxChars {
		summary = strings.TrimSpace(string(r[:maxChars]))
	}
	return summary, nil
}

// archive stores the elided turns and the summary. Failures are logged and
// do not stop compaction.
func (c *Compactor) archive(ctx context.Context, log *slog.Logger, sessionID string, p phase.Phase, rec *Record) {
	if c.memory == nil {
		return
	}
	if err := c.memory.Archive(ctx, rec.Key, rec.Elided); err != nil {
		log.Error("Failed to archive elided turns", "archive_key", rec.Key.String(), "error", err)
	}
	if rec.Summary == "" {
		return
	}
	fact := memory.Fact{
		Key:       rec.Key.String(),
		Text:      rec.Summary,
		SessionID: sessionID,
		Phase:     p,
		Source:    "compaction",
	}
	if err := c.memory.Remember(ctx, fact); err != nil {
		log.Error("Failed to remember summary", "archive_key", rec.Key.String(), "error", err)
	}
}
