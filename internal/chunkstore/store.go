package chunkstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/duogate/duogate/internal/protocol"
)

const (
	chunkMapSize = 100
	stateMapSize = 100

	// DefaultFreshness is how long a condensed chunk stays reusable.
	DefaultFreshness = 30 * time.Minute
	// DefaultDiskTTL is how long persisted chunk files survive.
	DefaultDiskTTL = time.Hour
)

type stateEntry struct {
	State       State     `json:"state"`
	ContentHash string    `json:"content_hash"`
	Timestamp   time.Time `json:"timestamp"`
	Strategy    string    `json:"strategy,omitempty"`
	TokensSaved int       `json:"tokens_saved,omitempty"`
}

type contentEntry struct {
	ChunkID          string             `json:"chunk_id"`
	CondensedContent string             `json:"condensed_content"`
	CondensedAt      time.Time          `json:"condensed_at"`
	OriginalMessages []protocol.Message `json:"original_messages"`
	TokenCount       int                `json:"token_count"`
	StartIndex       int                `json:"start_index"`
	EndIndex         int                `json:"end_index"`
	IsVision         bool               `json:"is_vision"`
}

// Store caches condensed chunks in two bounded maps backed by JSON files on
// disk, so condensation work survives restarts and is shared across
// requests. A singleflight group guarantees at most one condensation runs
// per chunk ID.
type Store struct {
	dir       string
	freshness time.Duration
	diskTTL   time.Duration

	chunks *lru.Cache[string, *Chunk]
	states *lru.Cache[string, stateEntry]
	group  singleflight.Group

	cleanEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// NewStore opens (creating if needed) the chunk directory and starts the
// background TTL cleaner.
func NewStore(dir string, freshness, diskTTL time.Duration) (*Store, error) {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	if diskTTL <= 0 {
		diskTTL = DefaultDiskTTL
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("chunkstore: create %s: %w", dir, err)
	}
	chunks, err := lru.New[string, *Chunk](chunkMapSize)
	if err != nil {
		return nil, err
	}
	states, err := lru.New[string, stateEntry](stateMapSize)
	if err != nil {
		return nil, err
	}
	s := &Store{
		dir:        dir,
		freshness:  freshness,
		diskTTL:    diskTTL,
		chunks:     chunks,
		states:     states,
		cleanEvery: 5 * time.Minute,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	go s.cleanLoop()
	return s, nil
}

// Close stops the background cleaner.
func (s *Store) Close() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	<-s.doneCh
}

// Lookup returns the stored chunk for an ID and its current state. A
// condensed chunk older than the freshness horizon flips to Expired on
// access. Missing chunks report Unprocessed.
func (s *Store) Lookup(id string) (*Chunk, State) {
	entry, haveState := s.states.Get(id)
	chunk, haveChunk := s.chunks.Get(id)
	if !haveChunk {
		if loaded := s.loadFromDisk(id); loaded != nil {
			chunk = loaded
			haveChunk = true
			s.chunks.Add(id, loaded)
			if !haveState {
				entry = stateEntry{
					State:       StateCondensed,
					ContentHash: loaded.ContentHash,
					Timestamp:   loaded.CondensedAt,
					Strategy:    loaded.StrategyUsed,
					TokensSaved: loaded.TokensSaved,
				}
				haveState = true
				s.states.Add(id, entry)
			}
		}
	}
	if !haveState {
		if !haveChunk {
			return nil, StateUnprocessed
		}
		return chunk, StateUnprocessed
	}
	if entry.State == StateCondensed {
		reference := entry.Timestamp
		if reference.IsZero() && chunk != nil {
			reference = chunk.CondensedAt
		}
		if !reference.IsZero() && time.Since(reference) > s.freshness {
			entry.State = StateExpired
			s.states.Add(id, entry)
		}
	}
	return chunk, entry.State
}

// MarkModified records that the content behind an ID changed, invalidating
// any condensed result.
func (s *Store) MarkModified(id string) {
	entry, ok := s.states.Get(id)
	if !ok {
		entry = stateEntry{}
	}
	entry.State = StateModified
	entry.Timestamp = time.Now()
	s.states.Add(id, entry)
}

// CondenseFunc produces the condensed text for a chunk and reports the
// tokens saved and the strategy label used.
type CondenseFunc func(ctx context.Context, chunk *Chunk) (content string, strategy string, tokensSaved int, err error)

// CondenseOnce runs fn for the chunk unless a fresh condensed result is
// already stored. Concurrent calls for the same chunk ID share a single
// execution; all callers receive the same result. A failed run returns the
// chunk to Unprocessed.
func (s *Store) CondenseOnce(ctx context.Context, chunk *Chunk, fn CondenseFunc) (*Chunk, bool, error) {
	if stored, state := s.Lookup(chunk.ID); state == StateCondensed && stored != nil {
		return stored, true, nil
	}
	v, err, _ := s.group.Do(chunk.ID, func() (interface{}, error) {
		if stored, state := s.Lookup(chunk.ID); state == StateCondensed && stored != nil {
			return stored, nil
		}
		s.states.Add(chunk.ID, stateEntry{
			State:       StateCondensing,
			ContentHash: chunk.ContentHash,
			Timestamp:   time.Now(),
		})
		content, strategy, saved, err := fn(ctx, chunk)
		if err != nil {
			s.states.Add(chunk.ID, stateEntry{
				State:       StateUnprocessed,
				ContentHash: chunk.ContentHash,
				Timestamp:   time.Now(),
			})
			return nil, err
		}
		condensed := *chunk
		condensed.CondensedContent = content
		condensed.StrategyUsed = strategy
		condensed.TokensSaved = saved
		condensed.CondensedAt = time.Now()
		s.put(&condensed)
		return &condensed, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*Chunk), false, nil
}

func (s *Store) put(chunk *Chunk) {
	s.chunks.Add(chunk.ID, chunk)
	s.states.Add(chunk.ID, stateEntry{
		State:       StateCondensed,
		ContentHash: chunk.ContentHash,
		Timestamp:   chunk.CondensedAt,
		Strategy:    chunk.StrategyUsed,
		TokensSaved: chunk.TokensSaved,
	})
	s.writeToDisk(chunk)
}

func (s *Store) statePath(id string) string {
	return filepath.Join(s.dir, id+"_state.json")
}

func (s *Store) contentPath(id string) string {
	return filepath.Join(s.dir, id+"_content.json")
}

// writeToDisk persists both chunk files. Disk failures are logged and
// swallowed: the in-memory state stays authoritative for this process.
func (s *Store) writeToDisk(chunk *Chunk) {
	state := stateEntry{
		State:       StateCondensed,
		ContentHash: chunk.ContentHash,
		Timestamp:   chunk.CondensedAt,
		Strategy:    chunk.StrategyUsed,
		TokensSaved: chunk.TokensSaved,
	}
	if data, err := json.Marshal(state); err == nil {
		if err := os.WriteFile(s.statePath(chunk.ID), data, 0o644); err != nil {
			logrus.Warnf("chunkstore: write state %s: %v", chunk.ID, err)
		}
	}
	content := contentEntry{
		ChunkID:          chunk.ID,
		CondensedContent: chunk.CondensedContent,
		CondensedAt:      chunk.CondensedAt,
		OriginalMessages: chunk.Messages,
		TokenCount:       chunk.TokenCount,
		StartIndex:       chunk.StartIndex,
		EndIndex:         chunk.EndIndex,
		IsVision:         chunk.IsVision,
	}
	data, err := json.Marshal(content)
	if err != nil {
		logrus.Warnf("chunkstore: marshal content %s: %v", chunk.ID, err)
		return
	}
	if err := os.WriteFile(s.contentPath(chunk.ID), data, 0o644); err != nil {
		logrus.Warnf("chunkstore: write content %s: %v", chunk.ID, err)
	}
}

func (s *Store) loadFromDisk(id string) *Chunk {
	stateData, err := os.ReadFile(s.statePath(id))
	if err != nil {
		return nil
	}
	var state stateEntry
	if err := json.Unmarshal(stateData, &state); err != nil {
		logrus.Debugf("chunkstore: bad state file %s: %v", id, err)
		return nil
	}
	if state.State != StateCondensed {
		return nil
	}
	contentData, err := os.ReadFile(s.contentPath(id))
	if err != nil {
		return nil
	}
	var content contentEntry
	if err := json.Unmarshal(contentData, &content); err != nil {
		logrus.Debugf("chunkstore: bad content file %s: %v", id, err)
		return nil
	}
	return &Chunk{
		ID:               id,
		StartIndex:       content.StartIndex,
		EndIndex:         content.EndIndex,
		Messages:         content.OriginalMessages,
		TokenCount:       content.TokenCount,
		ContentHash:      state.ContentHash,
		IsVision:         content.IsVision,
		CondensedContent: content.CondensedContent,
		StrategyUsed:     state.Strategy,
		CondensedAt:      content.CondensedAt,
		TokensSaved:      state.TokensSaved,
	}
}

func (s *Store) cleanLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cleanEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.cleanOnce()
		}
	}
}

// cleanOnce removes chunk files whose modification time is past the disk
// TTL.
func (s *Store) cleanOnce() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		logrus.Warnf("chunkstore: scan %s: %v", s.dir, err)
		return
	}
	cutoff := time.Now().Add(-s.diskTTL)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, "_state.json") && !strings.HasSuffix(name, "_content.json") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err == nil {
			removed++
		}
	}
	if removed > 0 {
		logrus.Debugf("chunkstore: removed %d expired chunk files", removed)
	}
}
