package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nstogner/officeagent/pkg/domain"
)

const (
	TypeMessage    = "message"
	TypeCompaction = "compaction"
)

// Entry is one line of a transcript file.
type Entry struct {
	Type       string             `json:"type"`
	Message    *domain.Message    `json:"message,omitempty"`
	Compaction *domain.Compaction `json:"compaction,omitempty"`
}

// sessionFile is the in-memory view of one transcript file. Every write goes
// to disk (and is synced) before the cache is updated.
type sessionFile struct {
	mu         sync.RWMutex
	id         string
	fileHandle *os.File
	messages   []domain.Message
	compaction *domain.Compaction
	notify     func(string)
}

func openSessionFile(id, path string, notify func(string)) (*sessionFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	s := &sessionFile{id: id, fileHandle: f, notify: notify}
	if err := s.load(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to load entries: %w", err)
	}
	return s, nil
}

func (s *sessionFile) load() error {
	scanner := bufio.NewScanner(s.fileHandle)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		switch {
		case e.Type == TypeMessage && e.Message != nil:
			s.messages = append(s.messages, *e.Message)
		case e.Type == TypeCompaction && e.Compaction != nil:
			s.compaction = e.Compaction
		}
	}
	return scanner.Err()
}

func (s *sessionFile) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := s.fileHandle.Write(append(data, '\n')); err != nil {
		return err
	}
	return s.fileHandle.Sync()
}

func (s *sessionFile) appendMessage(m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	m.SessionID = s.id
	m.Seq = int64(len(s.messages)) + 1
	if n := len(s.messages); n > 0 {
		m.Seq = s.messages[n-1].Seq + 1
	}

	if err := s.writeLine(Entry{Type: TypeMessage, Message: m}); err != nil {
		m.Seq = 0
		return fmt.Errorf("writing message: %w", err)
	}
	s.messages = append(s.messages, *m)

	if s.notify != nil {
		s.notify(s.id)
	}
	return nil
}

func (s *sessionFile) appendCompaction(upToSeq int64, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := &domain.Compaction{
		SessionID: s.id,
		UpToSeq:   upToSeq,
		Summary:   summary,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.writeLine(Entry{Type: TypeCompaction, Compaction: c}); err != nil {
		return fmt.Errorf("writing compaction: %w", err)
	}
	if s.compaction == nil || c.UpToSeq >= s.compaction.UpToSeq {
		s.compaction = c
	}
	return nil
}

func (s *sessionFile) messagesCopy() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messages)
}

func (s *sessionFile) latestCompaction() *domain.Compaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.compaction == nil {
		return nil
	}
	c := *s.compaction
	return &c
}

func (s *sessionFile) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileHandle.Close()
}
