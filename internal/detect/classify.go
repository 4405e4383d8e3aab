// Package detect decides whether a thought carries auditable code and
// normalizes the embedded code for fingerprinting. Classification is a
// pure function of the thought text; the same input always classifies
// the same way.
package detect

import (
	"regexp"
	"strings"
)

// ganConfigFencePattern matches the opening fence of a block explicitly
// tagged gan-config.
var ganConfigFencePattern = regexp.MustCompile("(?im)^\\s*```gan-config\\s*$")

// fenceLanguagePattern matches the opening fence of a block tagged with
// a recognized programming or markup language.
var fenceLanguagePattern = regexp.MustCompile("(?im)^\\s*```(?:javascript|typescript|python|java|cpp|c\\+\\+|csharp|c#|go|rust|php|ruby|swift|kotlin|scala|sql|html|css|json|yaml|xml|bash|shell|sh)\\s*$")

// bareFenceKeywordPattern matches any opening fence whose next line reads
// like a declaration, catching untagged blocks that still contain code.
var bareFenceKeywordPattern = regexp.MustCompile("(?m)^\\s*```[^\\n]*\\n[^\\n]*\\b(?:function|class|def|public|private|const|let|var|import|export)\\b")

// diffLinePatterns match unified-diff output pasted into a thought.
var diffLinePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^[+-]`),                            // added/removed lines
	regexp.MustCompile(`(?m)^@@.*@@`),                          // hunk headers
	regexp.MustCompile(`(?m)^diff --git`),                      // git header
	regexp.MustCompile(`(?m)^index [0-9a-fA-F]+\.\.[0-9a-fA-F]+`), // blob index line
}

// declarationKeywordPattern and controlFlowKeywordPattern each match
// words common in code. Both must hit before bare prose counts as code;
// either set alone appears in ordinary English far too often.
var declarationKeywordPattern = regexp.MustCompile(`\b(?:function|class|interface|type|const|let|var|def|public|private|protected|static|async|await|return|import|export|from|require)\b`)

var controlFlowKeywordPattern = regexp.MustCompile(`\b(?:if|else|for|while|switch|case|try|catch|finally|throw|new|this|super|extends|implements)\b`)

// signaturePattern matches a function-definition-like shape: an
// identifier, an argument list, then an assignment or opening brace.
var signaturePattern = regexp.MustCompile(`\b\w+\s*\([^)]*\)\s*[={]`)

// ShouldAudit reports whether the thought contains auditable code.
// It returns true on the first matching signal.
func ShouldAudit(thought string) bool {
	if HasGanConfig(thought) {
		return true
	}
	if fenceLanguagePattern.MatchString(thought) || bareFenceKeywordPattern.MatchString(thought) {
		return true
	}
	for _, pattern := range diffLinePatterns {
		if pattern.MatchString(thought) {
			return true
		}
	}
	if declarationKeywordPattern.MatchString(thought) && controlFlowKeywordPattern.MatchString(thought) {
		return true
	}
	return signaturePattern.MatchString(thought)
}

// HasGanConfig reports whether the thought carries an inline audit
// configuration block: either a fence tagged gan-config, or a json
// fence whose body mentions gan-config.
func HasGanConfig(thought string) bool {
	if ganConfigFencePattern.MatchString(thought) {
		return true
	}
	for _, block := range FencedBlocks(thought) {
		if strings.EqualFold(block.Lang, "json") && strings.Contains(block.Body, "gan-config") {
			return true
		}
	}
	return false
}

// GanConfigBody returns the body of the first gan-config tagged fence,
// or false when the thought has none. Only explicitly tagged blocks are
// treated as configuration; json blocks that merely mention gan-config
// trigger auditing but are not parsed.
func GanConfigBody(thought string) (string, bool) {
	for _, block := range FencedBlocks(thought) {
		if strings.EqualFold(block.Lang, "gan-config") {
			return block.Body, true
		}
	}
	return "", false
}
