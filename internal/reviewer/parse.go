package reviewer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/review"
)

// ErrBadReply reports an empty or unparseable reviewer reply.
var ErrBadReply = errors.New("unparseable reviewer reply")

// jsonlRecord is the subset of the reviewer's streaming schema the parser
// reads. Different reviewer versions put the answer text under different
// keys, so all three are probed.
type jsonlRecord struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Text    string          `json:"text"`
	Content string          `json:"content"`
	Item    json.RawMessage `json:"item"`
}

type jsonlItem struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Message string `json:"message"`
}

// ParseReply extracts a Review from raw reviewer output. Two shapes are
// accepted: a single JSON object, or a JSONL stream whose final answer is
// the last record of type "agent_message", either bare or wrapped in an
// "item.completed" envelope. Anything else is ErrBadReply.
func ParseReply(raw []byte) (review.Review, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return review.Review{}, fmt.Errorf("%w: empty reply", ErrBadReply)
	}

	if trimmed[0] == '{' && json.Valid(trimmed) {
		var probe struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(trimmed, &probe)
		if probe.Type == "" {
			return parseReviewJSON(trimmed)
		}
		// A single typed record is a one-line stream; fall through.
	}

	answer := ""
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec jsonlRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue // interleaved non-JSON noise is tolerated
		}

		switch rec.Type {
		case "agent_message":
			if text := firstNonEmpty(rec.Message, rec.Text, rec.Content); text != "" {
				answer = text
			}
		case "item.completed":
			if len(rec.Item) == 0 {
				continue
			}
			var item jsonlItem
			if err := json.Unmarshal(rec.Item, &item); err != nil || item.Type != "agent_message" {
				continue
			}
			if text := firstNonEmpty(item.Text, item.Message); text != "" {
				answer = text
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return review.Review{}, fmt.Errorf("%w: %v", ErrBadReply, err)
	}
	if answer == "" {
		return review.Review{}, fmt.Errorf("%w: no agent_message record found", ErrBadReply)
	}

	return parseReviewJSON([]byte(stripFence(answer)))
}

// parseReviewJSON decodes and validates one review document. Presence of
// overall and verdict is checked through pointer probes before the real
// unmarshal, since a zero score is indistinguishable from a missing one
// afterwards.
func parseReviewJSON(data []byte) (review.Review, error) {
	var probe struct {
		Overall *int    `json:"overall"`
		Verdict *string `json:"verdict"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return review.Review{}, fmt.Errorf("%w: %v", ErrBadReply, err)
	}
	if probe.Overall == nil {
		return review.Review{}, fmt.Errorf("%w: missing overall score", ErrBadReply)
	}
	if probe.Verdict == nil {
		return review.Review{}, fmt.Errorf("%w: missing verdict", ErrBadReply)
	}

	var rev review.Review
	if err := json.Unmarshal(data, &rev); err != nil {
		return review.Review{}, fmt.Errorf("%w: %v", ErrBadReply, err)
	}

	verdict, err := review.ParseVerdict(*probe.Verdict)
	if err != nil {
		return review.Review{}, fmt.Errorf("%w: %v", ErrBadReply, err)
	}
	rev.Verdict = verdict

	if err := rev.Validate(); err != nil {
		return review.Review{}, fmt.Errorf("%w: %v", ErrBadReply, err)
	}
	return rev, nil
}

// stripFence unwraps an answer the reviewer wrapped in a markdown code
// fence. Unfenced text passes through untouched.
func stripFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	i := strings.IndexByte(t, '\n')
	if i < 0 {
		return t
	}
	t = strings.TrimSpace(t[i+1:])
	t = strings.TrimSuffix(t, "```")
	return strings.TrimSpace(t)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
