package condenser

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/duogate/duogate/internal/chunkstore"
	"github.com/duogate/duogate/internal/protocol"
)

type plannedChunk struct {
	chunk     *chunkstore.Chunk // carries the positions valid for this request
	content   string
	saved     int
	condensed bool
}

// condenseChunked walks the conversation chunk by chunk, reusing stored
// condensed content where it is fresh and condensing only chunks that
// changed or were never processed.
func (c *Condenser) condenseChunked(ctx context.Context, req Request, current int) Result {
	chunks := c.chunker.Identify(req.Messages, req.IsVision)
	res := Result{
		Strategy:       LabelChunkBased,
		OriginalTokens: current,
		ChunksTotal:    len(chunks),
	}
	if len(chunks) == 0 {
		res.Messages = req.Messages
		res.FinalTokens = current
		res.Reason = "no chunks identified"
		return res
	}

	globalShare := req.TargetTokens / len(chunks)
	plan := make([]plannedChunk, 0, len(chunks))
	cached := 0
	for _, chunk := range chunks {
		target := max(globalShare, chunk.TokenCount/2)

		if stored, state := c.store.Lookup(chunk.ID); state == chunkstore.StateCondensed && stored != nil {
			plan = append(plan, plannedChunk{
				chunk:     chunk,
				content:   stored.CondensedContent,
				saved:     stored.TokensSaved,
				condensed: true,
			})
			cached++
			continue
		}

		if chunk.TokenCount <= target || len(chunk.Messages) < c.minMessages {
			plan = append(plan, plannedChunk{chunk: chunk})
			continue
		}

		runCtx, cancel := context.WithTimeout(ctx, c.timeout)
		condensed, fromCache, err := c.store.CondenseOnce(runCtx, chunk,
			func(fctx context.Context, ch *chunkstore.Chunk) (string, string, int, error) {
				return c.condenseChunk(fctx, ch, target, req.IsVision)
			})
		cancel()
		if err != nil {
			logrus.Warnf("condenser: chunk %s condensation failed, keeping original: %v", chunk.ID, err)
			plan = append(plan, plannedChunk{chunk: chunk})
			continue
		}
		if fromCache {
			cached++
		}
		plan = append(plan, plannedChunk{
			chunk:     chunk,
			content:   condensed.CondensedContent,
			saved:     condensed.TokensSaved,
			condensed: true,
		})
	}

	out := reconstruct(plan, len(req.Messages))
	final := c.counter.CountMessages(out)

	res.ChunksFromCache = cached
	if cached == len(chunks) {
		res.Strategy = LabelChunkCached
	}
	if final > current {
		res.Messages = req.Messages
		res.FinalTokens = current
		res.Reason = "chunked result larger than original"
		return res
	}
	res.Messages = out
	res.FinalTokens = final
	if final < current {
		res.Success = true
		res.TokensSaved = current - final
	} else {
		res.Reason = "no chunk exceeded its target"
	}
	return res
}

// condenseChunk produces the condensed text for one chunk: an upstream
// summary when possible, a heuristic excerpt otherwise, both capped so the
// result is strictly smaller than the chunk it replaces.
func (c *Condenser) condenseChunk(ctx context.Context, chunk *chunkstore.Chunk, target int, isVision bool) (string, string, int, error) {
	content := ""
	label := string(StrategyConversationSummary)
	if c.summarizer != nil {
		text, err := c.summarizer.Summarize(ctx, segmentPrompt+transcript(chunk.Messages), isVision)
		switch {
		case err == nil:
			content = strings.TrimSpace(text)
		case ctx.Err() != nil:
			return "", "", 0, ctx.Err()
		default:
			logrus.Debugf("condenser: chunk %s summary failed, using excerpt: %v", chunk.ID, err)
		}
	}
	if content == "" {
		content = strings.TrimSpace(heuristicExcerpt(chunk.Messages))
		label = string(StrategySmartTruncation)
	}
	if c.counter.CountText(content) > target {
		runes := []rune(content)
		if keep := target * 3; keep > 0 && len(runes) > keep {
			content = string(runes[:keep]) + "…"
		}
	}
	saved := chunk.TokenCount - c.counter.CountText(content)
	if saved < 0 {
		saved = 0
	}
	return content, label, saved, nil
}

// reconstruct rebuilds the conversation from the chunk plan, emitting each
// original message at most once despite chunk overlap.
func reconstruct(plan []plannedChunk, total int) []protocol.Message {
	out := make([]protocol.Message, 0, total)
	last := -1
	for _, p := range plan {
		if p.condensed {
			out = append(out, chunkSummaryMessage(p))
			if p.chunk.EndIndex > last {
				last = p.chunk.EndIndex
			}
			continue
		}
		skip := 0
		if last >= p.chunk.StartIndex {
			skip = last + 1 - p.chunk.StartIndex
		}
		if skip < len(p.chunk.Messages) {
			out = append(out, p.chunk.Messages[skip:]...)
		}
		if p.chunk.EndIndex > last {
			last = p.chunk.EndIndex
		}
	}
	return out
}

func chunkSummaryMessage(p plannedChunk) protocol.Message {
	text := fmt.Sprintf("[Condensed context %s, messages %d-%d, saved %d tokens]\n%s",
		p.chunk.ID, p.chunk.StartIndex, p.chunk.EndIndex, p.saved, p.content)
	return protocol.Message{Role: protocol.RoleAssistant, Content: protocol.TextContent(text)}
}
