package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	apperrors "github.com/claudebox/claudebox/internal/common/errors"
	"github.com/claudebox/claudebox/internal/workspace"
)

// Record is one line of a session's history ledger.
type Record struct {
	TS      time.Time       `json:"ts"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Ledger kinds.
const (
	KindUser        = "user"
	KindAssistant   = "assistant"
	KindToolUse     = "tool_use"
	KindToolResult  = "tool_result"
	KindThinking    = "thinking"
	KindTokenBudget = "token_budget"
	KindError       = "error"
	KindComplete    = "complete"
	KindAborted     = "aborted"
)

// historyScanBuffer sizes the line scanner; assistant payloads with inlined
// file content can run long.
const historyScanBuffer = 10 * 1024 * 1024

// history is the append-only JSONL ledger of one session.
type history struct {
	ws        *workspace.Manager
	userID    int64
	sessionID string
}

func newHistory(ws *workspace.Manager, userID int64, sessionID string) *history {
	return &history{ws: ws, userID: userID, sessionID: sessionID}
}

func (h *history) dir() string {
	return filepath.Join(h.ws.SessionsDir(h.userID), h.sessionID)
}

func (h *history) path() string {
	return filepath.Join(h.dir(), "messages.jsonl")
}

// Append writes one record. Writers only ever append; a torn tail from a
// crash mid-write is tolerated by readers.
func (h *history) Append(rec Record) error {
	if rec.TS.IsZero() {
		rec.TS = time.Now().UTC()
	}
	if err := os.MkdirAll(h.dir(), 0o755); err != nil {
		return mapHistoryErr(err)
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode history record: %w", err)
	}
	f, err := os.OpenFile(h.path(), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return mapHistoryErr(err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return mapHistoryErr(err)
	}
	return mapHistoryErr(f.Close())
}

// ReadAll returns every intact record. A partial or corrupt last line is
// dropped silently; corruption anywhere else is skipped with the rest kept.
func (h *history) ReadAll() ([]Record, error) {
	h.migrateLegacy()

	f, err := os.Open(h.path())
	if err != nil {
		if os.IsNotExist(err) {
			return []Record{}, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), historyScanBuffer)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, bufio.ErrTooLong) {
		return nil, err
	}
	return records, nil
}

// Tail returns the last n records.
func (h *history) Tail(n int) ([]Record, error) {
	records, err := h.ReadAll()
	if err != nil {
		return nil, err
	}
	if n > 0 && len(records) > n {
		records = records[len(records)-n:]
	}
	return records, nil
}

// Page returns limit records starting at offset, plus the total count.
func (h *history) Page(limit, offset int) ([]Record, int, error) {
	records, err := h.ReadAll()
	if err != nil {
		return nil, 0, err
	}
	total := len(records)
	if offset >= total {
		return []Record{}, total, nil
	}
	records = records[offset:]
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, total, nil
}

// migrateLegacy moves a ledger from the old per-project layout
// (.claude/projects/<proj>/<id>.jsonl) to the fixed layout on first access.
func (h *history) migrateLegacy() {
	if _, err := os.Stat(h.path()); err == nil {
		return
	}
	pattern := filepath.Join(h.ws.ClaudeDir(h.userID), "projects", "*", h.sessionID+".jsonl")
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) == 0 {
		return
	}
	if err := os.MkdirAll(h.dir(), 0o755); err != nil {
		return
	}
	_ = os.Rename(matches[0], h.path())
}

func mapHistoryErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ENOSPC) {
		return apperrors.DiskFull(err)
	}
	return err
}
