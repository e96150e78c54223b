package envdedup

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/duogate/duogate/internal/config"
	"github.com/duogate/duogate/internal/protocol"
	"github.com/duogate/duogate/internal/protocol/token"
)

var (
	blockRe    = regexp.MustCompile(`(?is)<environment_details>.*?</environment_details>`)
	openTagRe  = regexp.MustCompile(`(?i)^<environment_details>\s*`)
	closeTagRe = regexp.MustCompile(`(?i)\s*</environment_details>$`)
	timeLineRe = regexp.MustCompile(`(?i)current time[^\n]*?(\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}(?::\d{2})?)`)
)

// Similarity bound for the selective strategy's duplicate groups.
const selectiveSimilarity = 0.9

// Stats aggregates deduplication work across requests.
type Stats struct {
	Runs          int `json:"runs"`
	BlocksFound   int `json:"blocks_found"`
	BlocksRemoved int `json:"blocks_removed"`
	TokensSaved   int `json:"tokens_saved"`
}

// Result reports one deduplication pass. Messages aliases the input slice;
// content is edited in place.
type Result struct {
	Messages      []protocol.Message
	BlocksFound   int
	BlocksRemoved int
	BytesRemoved  int
	TokensSaved   int
}

// Deduper removes redundant <environment_details> blocks from user
// messages. Detection is regex-based; the retention choice depends on the
// configured strategy.
type Deduper struct {
	counter  *token.Counter
	strategy string
	maxAge   time.Duration
	now      func() time.Time

	mu    sync.Mutex
	stats Stats
}

// New builds a Deduper. Unknown strategy names fall back to keep_latest.
func New(counter *token.Counter, strategy string, maxAge time.Duration) *Deduper {
	switch strategy {
	case config.DedupKeepLatest, config.DedupKeepMostRelevant, config.DedupMerge, config.DedupSelective:
	default:
		if strategy != "" {
			logrus.Warnf("unknown env dedup strategy %q, using %s", strategy, config.DedupKeepLatest)
		}
		strategy = config.DedupKeepLatest
	}
	return &Deduper{
		counter:  counter,
		strategy: strategy,
		maxAge:   maxAge,
		now:      time.Now,
	}
}

// Stats returns a snapshot of accumulated counters.
func (d *Deduper) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// block is one detected environment block. partIndex is -1 for plain
// string content.
type block struct {
	msgIndex  int
	partIndex int
	start     int
	end       int
	content   string
	hash      string
	timestamp time.Time
}

// edit rewrites [start,end) of one text location; removal uses empty text.
type edit struct {
	msgIndex  int
	partIndex int
	start     int
	end       int
	text      string
}

// Deduplicate runs the configured strategy over the message list, editing
// content in place. With fewer than two detected blocks it is a no-op, so
// the operation is idempotent.
func (d *Deduper) Deduplicate(messages []protocol.Message) Result {
	blocks := d.detect(messages)
	result := Result{Messages: messages, BlocksFound: len(blocks)}
	if len(blocks) < 2 {
		d.record(result)
		return result
	}

	before := d.counter.CountMessages(messages)
	edits := d.plan(blocks)
	if len(edits) == 0 {
		d.record(result)
		return result
	}

	result.BytesRemoved = apply(messages, edits)
	for _, e := range edits {
		if e.text == "" {
			result.BlocksRemoved++
		}
	}
	after := d.counter.CountMessages(messages)
	if saved := before - after; saved > 0 {
		result.TokensSaved = saved
	}

	d.record(result)
	return result
}

func (d *Deduper) record(r Result) {
	d.mu.Lock()
	d.stats.Runs++
	d.stats.BlocksFound += r.BlocksFound
	d.stats.BlocksRemoved += r.BlocksRemoved
	d.stats.TokensSaved += r.TokensSaved
	d.mu.Unlock()
}

// detect finds blocks in user messages, resolving overlaps in favor of the
// earliest start, then the longer block.
func (d *Deduper) detect(messages []protocol.Message) []block {
	var blocks []block
	for i := range messages {
		if messages[i].Role != protocol.RoleUser {
			continue
		}
		content := &messages[i].Content
		if content.Text != nil {
			blocks = append(blocks, findBlocks(*content.Text, i, -1)...)
			continue
		}
		for p := range content.Parts {
			if content.Parts[p].Type == protocol.PartText {
				blocks = append(blocks, findBlocks(content.Parts[p].Text, i, p)...)
			}
		}
	}
	return resolveOverlaps(blocks)
}

func findBlocks(text string, msgIndex, partIndex int) []block {
	var blocks []block
	for _, loc := range blockRe.FindAllStringIndex(text, -1) {
		content := text[loc[0]:loc[1]]
		blocks = append(blocks, block{
			msgIndex:  msgIndex,
			partIndex: partIndex,
			start:     loc[0],
			end:       loc[1],
			content:   content,
			hash:      normalizedHash(content),
			timestamp: extractTimestamp(content),
		})
	}
	return blocks
}

func resolveOverlaps(blocks []block) []block {
	sort.SliceStable(blocks, func(i, j int) bool {
		a, b := blocks[i], blocks[j]
		if a.msgIndex != b.msgIndex {
			return a.msgIndex < b.msgIndex
		}
		if a.partIndex != b.partIndex {
			return a.partIndex < b.partIndex
		}
		if a.start != b.start {
			return a.start < b.start
		}
		return a.end-a.start > b.end-b.start
	})
	out := blocks[:0]
	for _, b := range blocks {
		if len(out) > 0 {
			last := out[len(out)-1]
			if last.msgIndex == b.msgIndex && last.partIndex == b.partIndex && b.start < last.end {
				continue
			}
		}
		out = append(out, b)
	}
	return out
}

// plan decides which blocks go and which stays, returning the edits to
// execute. Blocks older than the max-age horizon are removed outright when
// at least one fresher block exists.
func (d *Deduper) plan(blocks []block) []edit {
	var stale, fresh []block
	if d.maxAge > 0 {
		horizon := d.now().Add(-d.maxAge)
		for _, b := range blocks {
			if !b.timestamp.IsZero() && b.timestamp.Before(horizon) {
				stale = append(stale, b)
			} else {
				fresh = append(fresh, b)
			}
		}
	} else {
		fresh = blocks
	}
	if len(fresh) == 0 {
		// Everything is stale; treat the set as-is rather than drop all
		// context.
		fresh = stale
		stale = nil
	}

	var edits []edit
	for _, b := range stale {
		edits = append(edits, removal(b))
	}

	switch d.strategy {
	case config.DedupKeepMostRelevant:
		edits = append(edits, keepOne(fresh, d.mostRelevantIndex(fresh))...)
	case config.DedupMerge:
		edits = append(edits, mergeBlocks(fresh)...)
	case config.DedupSelective:
		edits = append(edits, selective(fresh)...)
	default: // keep_latest
		edits = append(edits, keepOne(fresh, latestIndex(fresh))...)
	}
	return edits
}

func removal(b block) edit {
	return edit{msgIndex: b.msgIndex, partIndex: b.partIndex, start: b.start, end: b.end}
}

// latestIndex picks the block with the highest (message index, timestamp,
// offset) ordering.
func latestIndex(blocks []block) int {
	best := 0
	for i := 1; i < len(blocks); i++ {
		if laterThan(blocks[i], blocks[best]) {
			best = i
		}
	}
	return best
}

func laterThan(a, b block) bool {
	if a.msgIndex != b.msgIndex {
		return a.msgIndex > b.msgIndex
	}
	if !a.timestamp.Equal(b.timestamp) {
		return a.timestamp.After(b.timestamp)
	}
	return a.start > b.start
}

func keepOne(blocks []block, keep int) []edit {
	if len(blocks) < 2 {
		return nil
	}
	edits := make([]edit, 0, len(blocks)-1)
	for i, b := range blocks {
		if i != keep {
			edits = append(edits, removal(b))
		}
	}
	return edits
}

// mostRelevantIndex scores each block by recency, length, and structure.
func (d *Deduper) mostRelevantIndex(blocks []block) int {
	best, bestScore := 0, -1.0
	for i, b := range blocks {
		recency := 1.0
		if len(blocks) > 1 {
			recency = float64(i) / float64(len(blocks)-1)
		}
		lengthNorm := float64(len(b.content)) / 500.0
		if lengthNorm > 1.0 {
			lengthNorm = 1.0
		}
		score := 0.4*recency + 0.3*lengthNorm + 0.3*structureScore(b.content)
		if score >= bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

func structureScore(s string) float64 {
	score := 0.0
	if strings.Contains(s, ":") {
		score += 0.2
	}
	if strings.Contains(s, "\n") {
		score += 0.2
	}
	if strings.ContainsAny(s, `/\`) {
		score += 0.2
	}
	if strings.Contains(s, "http://") || strings.Contains(s, "https://") {
		score += 0.2
	}
	if strings.ContainsAny(s, "{[") {
		score += 0.2
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// mergeBlocks keeps the newest block as base and folds in lines the older
// blocks carry that the merged text lacks.
func mergeBlocks(blocks []block) []edit {
	if len(blocks) < 2 {
		return nil
	}
	keep := latestIndex(blocks)
	base := blocks[keep]

	merged := inner(base.content)
	have := lineSet(merged)
	others := make([]block, 0, len(blocks)-1)
	for i, b := range blocks {
		if i != keep {
			others = append(others, b)
		}
	}
	sort.SliceStable(others, func(i, j int) bool { return laterThan(others[i], others[j]) })

	var additions []string
	for _, b := range others {
		for _, line := range strings.Split(inner(b.content), "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			if _, ok := have[trimmed]; !ok {
				have[trimmed] = struct{}{}
				additions = append(additions, line)
			}
		}
	}

	edits := make([]edit, 0, len(blocks))
	for _, b := range others {
		edits = append(edits, removal(b))
	}
	if len(additions) > 0 {
		mergedContent := "<environment_details>\n" + merged + "\n" + strings.Join(additions, "\n") + "\n</environment_details>"
		edits = append(edits, edit{
			msgIndex:  base.msgIndex,
			partIndex: base.partIndex,
			start:     base.start,
			end:       base.end,
			text:      mergedContent,
		})
	}
	return edits
}

func inner(content string) string {
	content = openTagRe.ReplaceAllString(content, "")
	content = closeTagRe.ReplaceAllString(content, "")
	return strings.TrimSpace(content)
}

func lineSet(s string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			set[t] = struct{}{}
		}
	}
	return set
}

// selective groups near-identical blocks and keeps the newest per group.
func selective(blocks []block) []edit {
	var groups [][]int
	for i := range blocks {
		placed := false
		for g := range groups {
			rep := blocks[groups[g][0]]
			if wordJaccard(blocks[i].content, rep.content) >= selectiveSimilarity {
				groups[g] = append(groups[g], i)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, []int{i})
		}
	}

	var edits []edit
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		keep := group[0]
		for _, idx := range group[1:] {
			if laterThan(blocks[idx], blocks[keep]) {
				keep = idx
			}
		}
		for _, idx := range group {
			if idx != keep {
				edits = append(edits, removal(blocks[idx]))
			}
		}
	}
	return edits
}

func wordJaccard(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 && len(wb) == 0 {
		return 1.0
	}
	inter := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	if union == 0 {
		return 1.0
	}
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = struct{}{}
	}
	return set
}

// apply executes edits grouped per text location in descending start order
// so earlier offsets stay valid. Parts reduced to whitespace are dropped.
func apply(messages []protocol.Message, edits []edit) int {
	type location struct{ msg, part int }
	grouped := map[location][]edit{}
	for _, e := range edits {
		loc := location{e.msgIndex, e.partIndex}
		grouped[loc] = append(grouped[loc], e)
	}

	bytesRemoved := 0
	dropParts := map[int]map[int]bool{}
	for loc, locEdits := range grouped {
		sort.Slice(locEdits, func(i, j int) bool { return locEdits[i].start > locEdits[j].start })

		msg := &messages[loc.msg]
		var text string
		if loc.part < 0 {
			text = *msg.Content.Text
		} else {
			text = msg.Content.Parts[loc.part].Text
		}
		for _, e := range locEdits {
			bytesRemoved += (e.end - e.start) - len(e.text)
			text = text[:e.start] + e.text + text[e.end:]
		}
		if loc.part < 0 {
			msg.Content.Text = &text
		} else {
			msg.Content.Parts[loc.part].Text = text
			if strings.TrimSpace(text) == "" {
				if dropParts[loc.msg] == nil {
					dropParts[loc.msg] = map[int]bool{}
				}
				dropParts[loc.msg][loc.part] = true
			}
		}
	}

	for msgIdx, parts := range dropParts {
		msg := &messages[msgIdx]
		kept := msg.Content.Parts[:0]
		for p := range msg.Content.Parts {
			if !parts[p] {
				kept = append(kept, msg.Content.Parts[p])
			}
		}
		msg.Content.Parts = kept
	}
	return bytesRemoved
}

func normalizedHash(content string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func extractTimestamp(content string) time.Time {
	m := timeLineRe.FindStringSubmatch(content)
	if m == nil {
		return time.Time{}
	}
	for _, layout := range []string{
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04",
	} {
		if ts, err := time.Parse(layout, m[1]); err == nil {
			return ts
		}
	}
	return time.Time{}
}
