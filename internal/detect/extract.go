package detect

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
)

// FencedBlock is one triple-backtick block lifted from a thought.
type FencedBlock struct {
	// Lang is the info string after the opening fence, possibly empty.
	Lang string
	// Body is the block content without the fence lines.
	Body string
}

// inlineCodePattern matches single-backtick code spans outside fences.
var inlineCodePattern = regexp.MustCompile("`([^`\\n]+)`")

var (
	blockCommentPattern  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	htmlCommentPattern   = regexp.MustCompile(`(?s)<!--.*?-->`)
	lineCommentPattern   = regexp.MustCompile(`(?m)(//|#)[^\n]*`)
	whitespaceRunPattern = regexp.MustCompile(`\s+`)
	punctSpacePattern    = regexp.MustCompile(`\s*([{}();,])\s*`)
)

// FencedBlocks returns every fenced block in the thought, in order.
// An unterminated fence swallows the rest of the text.
func FencedBlocks(text string) []FencedBlock {
	blocks, _ := splitFences(text)
	return blocks
}

// splitFences separates fenced blocks from the surrounding prose.
func splitFences(text string) ([]FencedBlock, string) {
	var blocks []FencedBlock
	var prose []string

	lines := strings.Split(text, "\n")
	for i := 0; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(trimmed, "```") {
			prose = append(prose, lines[i])
			continue
		}

		lang := strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
		var body []string
		j := i + 1
		for ; j < len(lines); j++ {
			if strings.HasPrefix(strings.TrimSpace(lines[j]), "```") {
				break
			}
			body = append(body, lines[j])
		}
		blocks = append(blocks, FencedBlock{Lang: lang, Body: strings.Join(body, "\n")})
		i = j
	}

	return blocks, strings.Join(prose, "\n")
}

// ExtractCode pulls all fenced block bodies and inline code spans out of
// a thought. Inline spans are only scanned in text outside fences so a
// backtick inside a block is not double counted.
func ExtractCode(thought string) string {
	blocks, prose := splitFences(thought)

	var parts []string
	for _, block := range blocks {
		parts = append(parts, block.Body)
	}
	for _, match := range inlineCodePattern.FindAllStringSubmatch(prose, -1) {
		parts = append(parts, match[1])
	}
	return strings.Join(parts, "\n")
}

// NormalizeCode reduces code to a form where formatting and comment
// changes disappear but identifier and control-flow changes remain.
// The function is idempotent.
func NormalizeCode(code string) string {
	s := strings.ReplaceAll(code, "`", "")
	s = blockCommentPattern.ReplaceAllString(s, " ")
	s = htmlCommentPattern.ReplaceAllString(s, " ")
	s = lineCommentPattern.ReplaceAllString(s, "")
	s = whitespaceRunPattern.ReplaceAllString(s, " ")
	s = punctSpacePattern.ReplaceAllString(s, "$1")
	return strings.TrimSpace(s)
}

// NormalizedCode extracts and normalizes the code carried by a thought.
func NormalizedCode(thought string) string {
	return NormalizeCode(ExtractCode(thought))
}

// CodeHash returns the hex sha-256 of the thought's normalized code.
func CodeHash(thought string) string {
	sum := sha256.Sum256([]byte(NormalizedCode(thought)))
	return hex.EncodeToString(sum[:])
}

// CacheKey combines the code hash with the thought number. Two thoughts
// carrying the same code at different positions audit separately.
func CacheKey(thought string, thoughtNumber int) string {
	return CodeHash(thought) + ":" + strconv.Itoa(thoughtNumber)
}
