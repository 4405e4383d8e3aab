package reviewer

import (
	"strings"
	"unicode/utf8"
)

// bytesPerToken approximates the reviewer tokenizer for prompt clamping.
const bytesPerToken = 4

const contextTruncationNote = "\n… (context truncated to fit the token limit)"

// BuildPrompt assembles the reviewer prompt: fixed header, task, packed
// context, candidate, rubric, output contract. The context is the only
// elastic section; when the whole prompt would exceed the token limit it
// loses bytes from its tail until the prompt fits.
func (c *Client) BuildPrompt(req AuditRequest) string {
	judges := strings.Join(req.Judges, ", ")
	if judges == "" {
		judges = "internal"
	}

	head := c.header +
		"\n\n## TASK\n\n" + req.Task +
		"\n\nJudges: " + judges +
		"\n\n## CONTEXT\n\n"
	tail := "\n\n## CANDIDATE\n\n" + req.Candidate +
		"\n\n" + c.rubric +
		"\n\nWeighted dimension catalogue:\n" + strings.Join(c.catalogue, "\n") +
		"\n\n" + c.contract

	packed := req.Context
	if packed == "" {
		packed = "(no context packed)"
	}

	budget := c.tokenLimit*bytesPerToken - len(head) - len(tail)
	if len(packed) > budget {
		keep := budget - len(contextTruncationNote)
		if keep < 0 {
			keep = 0
		}
		for keep > 0 && !utf8.RuneStart(packed[keep]) {
			keep--
		}
		packed = packed[:keep] + contextTruncationNote
	}

	return head + packed + tail
}
