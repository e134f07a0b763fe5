// Package envelope parses and validates the tag-block stdin envelope agents
// use to open a request:
//
//	<cueme_prompt>
//	...
//	</cueme_prompt>
//	<cueme_payload>
//	{...}
//	</cueme_payload>
//
// Tags must sit alone on their own lines, only whitespace may appear outside
// the blocks, and the payload block is optional.
package envelope

import (
	"strings"
)

const (
	promptOpen   = "<cueme_prompt>"
	promptClose  = "</cueme_prompt>"
	payloadOpen  = "<cueme_payload>"
	payloadClose = "</cueme_payload>"
)

// ParseError is a user-facing envelope rejection. The message is printed
// verbatim to the agent, so it spells out the expected shape.
type ParseError struct {
	Message string
}

func (e *ParseError) Error() string { return e.Message }

func parseErrorf(msg string) error { return &ParseError{Message: msg} }

// Envelope is a parsed stdin envelope. Payload is the raw JSON object text,
// or empty when the payload block was absent or null.
type Envelope struct {
	Prompt  string
	Payload string
}

// Options controls parsing. Pause input forbids a payload block because the
// pause confirmation card is fixed.
type Options struct {
	AllowPayload bool
}

// Parse reads a tag-block envelope from raw stdin text.
func Parse(raw string, opts Options) (*Envelope, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		msg := "error: stdin cannot be empty. You MUST provide input using tag-block envelope:\n" +
			promptOpen + "\n...\n" + promptClose + "\n"
		if opts.AllowPayload {
			msg += payloadOpen + "\n...\n" + payloadClose + "\n"
		}
		msg += "This is critical for proper interaction flow.\n"
		return nil, parseErrorf(msg)
	}

	// The old JSON stdin format is rejected outright so agents migrate.
	if strings.HasPrefix(trimmed, "{") {
		return nil, parseErrorf("error: legacy JSON envelope is not supported. Use " +
			promptOpen + "..." + promptClose + " and optional " + payloadOpen + "..." + payloadClose + "\n")
	}

	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	lines := strings.Split(normalized, "\n")

	pOpen := findTagLine(lines, promptOpen)
	pClose := findTagLine(lines, promptClose)
	if pOpen < 0 || pClose < 0 || pClose <= pOpen {
		return nil, parseErrorf("error: missing " + promptOpen + " block\n")
	}

	if hasContent(lines[:pOpen]) {
		return nil, parseErrorf("error: only whitespace is allowed outside blocks\n")
	}

	prompt := strings.Join(lines[pOpen+1:pClose], "\n")
	if strings.TrimSpace(prompt) == "" {
		return nil, parseErrorf("error: " + promptOpen + " content must be non-empty\n")
	}

	remaining := lines[pClose+1:]
	rOpen := findTagLine(remaining, payloadOpen)
	rClose := findTagLine(remaining, payloadClose)

	if rOpen < 0 && rClose < 0 {
		if hasContent(remaining) {
			return nil, parseErrorf("error: only whitespace is allowed outside blocks\n")
		}
		return &Envelope{Prompt: prompt}, nil
	}

	if !opts.AllowPayload {
		return nil, parseErrorf("error: " + payloadOpen + " is not supported for pause\n")
	}
	if rOpen < 0 || rClose < 0 || rClose <= rOpen {
		return nil, parseErrorf("error: invalid " + payloadOpen + " block\n")
	}
	if hasContent(remaining[:rOpen]) || hasContent(remaining[rClose+1:]) {
		return nil, parseErrorf("error: only whitespace is allowed outside blocks\n")
	}

	payloadRaw := strings.TrimSpace(strings.Join(remaining[rOpen+1:rClose], "\n"))
	if payloadRaw == "" || payloadRaw == "null" {
		return &Envelope{Prompt: prompt}, nil
	}
	if err := ValidatePayload(payloadRaw); err != nil {
		return nil, err
	}
	return &Envelope{Prompt: prompt, Payload: payloadRaw}, nil
}

func findTagLine(lines []string, tag string) int {
	for i, l := range lines {
		if strings.TrimSpace(l) == tag {
			return i
		}
	}
	return -1
}

func hasContent(lines []string) bool {
	return strings.TrimSpace(strings.Join(lines, "\n")) != ""
}
