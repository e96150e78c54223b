package chunkstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/duogate/duogate/internal/protocol"
)

// State is the lifecycle state of a chunk.
type State string

const (
	StateUnprocessed State = "unprocessed"
	StateCondensing  State = "condensing"
	StateCondensed   State = "condensed"
	StateModified    State = "modified"
	StateExpired     State = "expired"
)

// Chunk is a contiguous slice of a conversation, the unit of condensation
// caching. Two chunks with the same ID are content-equivalent.
type Chunk struct {
	ID          string
	StartIndex  int
	EndIndex    int
	Messages    []protocol.Message
	TokenCount  int
	ContentHash string
	IsVision    bool
	CreatedAt   time.Time

	CondensedContent string
	StrategyUsed     string
	CondensedAt      time.Time
	TokensSaved      int
}

// ContentHash digests the ordered (role, canonical content JSON, content
// kind) tuples of a message list.
func ContentHash(messages []protocol.Message) string {
	h := sha256.New()
	for i := range messages {
		h.Write([]byte(messages[i].Role))
		h.Write([]byte{0})
		data, err := json.Marshal(messages[i].Content)
		if err != nil {
			data = []byte(messages[i].Content.PlainText())
		}
		h.Write(data)
		h.Write([]byte{0})
		kind := "text"
		if !messages[i].Content.IsString() {
			kind = "parts"
		}
		h.Write([]byte(kind))
		h.Write([]byte{0xff})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ChunkID derives the deterministic chunk identity from content and
// modality.
func ChunkID(contentHash string, isVision bool) string {
	prefix := contentHash
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	return fmt.Sprintf("chunk_%s_%t", prefix, isVision)
}

func newChunk(messages []protocol.Message, start, end, tokens int, isVision bool) *Chunk {
	copied := make([]protocol.Message, len(messages))
	copy(copied, messages)
	hash := ContentHash(copied)
	return &Chunk{
		ID:          ChunkID(hash, isVision),
		StartIndex:  start,
		EndIndex:    end,
		Messages:    copied,
		TokenCount:  tokens,
		ContentHash: hash,
		IsVision:    isVision,
		CreatedAt:   time.Now(),
	}
}
