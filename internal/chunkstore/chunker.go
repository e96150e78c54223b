package chunkstore

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/duogate/duogate/internal/protocol"
	"github.com/duogate/duogate/internal/protocol/token"
)

const (
	// DefaultChunkSize is the message-count boundary of a chunk.
	DefaultChunkSize = 8
	// DefaultChunkMaxTokens is the token boundary of a chunk.
	DefaultChunkMaxTokens = 4000
	// DefaultChunkOverlap is how many trailing messages the next chunk
	// re-opens with.
	DefaultChunkOverlap = 2

	identifyCacheSize = 100
)

// Chunker splits conversations into overlapping chunks. Identification is
// deterministic: the same message list always yields the same chunk
// boundaries and IDs.
type Chunker struct {
	counter   *token.Counter
	size      int
	maxTokens int
	overlap   int
	cache     *lru.Cache[string, []*Chunk]
}

// NewChunker builds a chunker with the given boundaries. Zero or negative
// values fall back to the defaults; overlap is clamped below size so the
// walk always makes progress.
func NewChunker(counter *token.Counter, size, maxTokens, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if maxTokens <= 0 {
		maxTokens = DefaultChunkMaxTokens
	}
	if overlap < 0 {
		overlap = DefaultChunkOverlap
	}
	if overlap >= size {
		overlap = size - 1
	}
	cache, err := lru.New[string, []*Chunk](identifyCacheSize)
	if err != nil {
		logrus.Warnf("chunker: identify cache disabled: %v", err)
	}
	return &Chunker{
		counter:   counter,
		size:      size,
		maxTokens: maxTokens,
		overlap:   overlap,
		cache:     cache,
	}
}

// Identify walks the message list left to right and cuts a chunk whenever
// the message count reaches the size boundary or adding the next message
// would push past the token boundary. Consecutive chunks overlap by the
// configured number of messages.
func (c *Chunker) Identify(messages []protocol.Message, isVision bool) []*Chunk {
	if len(messages) == 0 {
		return nil
	}
	key := fmt.Sprintf("%s_%t", ContentHash(messages), isVision)
	if c.cache != nil {
		if cached, ok := c.cache.Get(key); ok {
			return cached
		}
	}

	var chunks []*Chunk
	i := 0
	for i < len(messages) {
		start := i
		tokens := 0
		for i < len(messages) {
			mt := c.counter.CountMessage(&messages[i])
			if i > start && tokens+mt > c.maxTokens {
				break
			}
			tokens += mt
			i++
			if i-start >= c.size {
				break
			}
		}
		chunks = append(chunks, newChunk(messages[start:i], start, i-1, tokens, isVision))
		if i >= len(messages) {
			break
		}
		back := c.overlap
		if back > i-start-1 {
			back = i - start - 1
		}
		i -= back
	}

	if c.cache != nil {
		c.cache.Add(key, chunks)
	}
	return chunks
}
