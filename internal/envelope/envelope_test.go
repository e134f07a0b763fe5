package envelope_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/basket/go-cue/internal/envelope"
)

func mustParse(t *testing.T, raw string, opts envelope.Options) *envelope.Envelope {
	t.Helper()
	env, err := envelope.Parse(raw, opts)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return env
}

func wantParseError(t *testing.T, raw string, opts envelope.Options, contains string) {
	t.Helper()
	_, err := envelope.Parse(raw, opts)
	if err == nil {
		t.Fatalf("expected rejection for %q", raw)
	}
	var perr *envelope.ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("error type = %T, want *ParseError", err)
	}
	if !strings.Contains(perr.Message, contains) {
		t.Fatalf("message %q does not mention %q", perr.Message, contains)
	}
}

func TestParse_PromptOnly(t *testing.T) {
	env := mustParse(t, "<cueme_prompt>\nWhat should I do next?\n</cueme_prompt>\n",
		envelope.Options{AllowPayload: true})
	if env.Prompt != "What should I do next?" {
		t.Fatalf("prompt = %q", env.Prompt)
	}
	if env.Payload != "" {
		t.Fatalf("payload = %q, want empty", env.Payload)
	}
}

func TestParse_PromptWithPayload(t *testing.T) {
	raw := "<cueme_prompt>\nProceed?\n</cueme_prompt>\n" +
		"<cueme_payload>\n{\"type\":\"confirm\",\"text\":\"Proceed?\"}\n</cueme_payload>\n"
	env := mustParse(t, raw, envelope.Options{AllowPayload: true})
	if env.Prompt != "Proceed?" {
		t.Fatalf("prompt = %q", env.Prompt)
	}
	if !strings.Contains(env.Payload, `"confirm"`) {
		t.Fatalf("payload = %q", env.Payload)
	}
}

func TestParse_MultilinePromptKeepsInnerLines(t *testing.T) {
	env := mustParse(t, "<cueme_prompt>\nline one\n\nline three\n</cueme_prompt>",
		envelope.Options{AllowPayload: true})
	if env.Prompt != "line one\n\nline three" {
		t.Fatalf("prompt = %q", env.Prompt)
	}
}

func TestParse_CRLFInputNormalized(t *testing.T) {
	env := mustParse(t, "<cueme_prompt>\r\nhello\r\n</cueme_prompt>\r\n",
		envelope.Options{AllowPayload: true})
	if env.Prompt != "hello" {
		t.Fatalf("prompt = %q", env.Prompt)
	}
}

func TestParse_EmptyStdinRejected(t *testing.T) {
	wantParseError(t, "   \n", envelope.Options{AllowPayload: true}, "stdin cannot be empty")
}

func TestParse_LegacyJSONRejected(t *testing.T) {
	wantParseError(t, `{"prompt":"hi"}`, envelope.Options{AllowPayload: true},
		"legacy JSON envelope is not supported")
}

func TestParse_ContentOutsideBlocksRejected(t *testing.T) {
	wantParseError(t, "stray text\n<cueme_prompt>\nhi\n</cueme_prompt>",
		envelope.Options{AllowPayload: true}, "only whitespace is allowed outside blocks")
	wantParseError(t, "<cueme_prompt>\nhi\n</cueme_prompt>\ntrailing junk",
		envelope.Options{AllowPayload: true}, "only whitespace is allowed outside blocks")
}

func TestParse_EmptyPromptRejected(t *testing.T) {
	wantParseError(t, "<cueme_prompt>\n   \n</cueme_prompt>",
		envelope.Options{AllowPayload: true}, "must be non-empty")
}

func TestParse_PayloadForbiddenForPause(t *testing.T) {
	raw := "<cueme_prompt>\nhold on\n</cueme_prompt>\n" +
		"<cueme_payload>\n{\"type\":\"confirm\",\"text\":\"x\"}\n</cueme_payload>"
	wantParseError(t, raw, envelope.Options{AllowPayload: false}, "not supported for pause")
}

func TestParse_NullPayloadMeansNoPayload(t *testing.T) {
	for _, body := range []string{"null", "", "  \n  "} {
		raw := "<cueme_prompt>\nhi\n</cueme_prompt>\n<cueme_payload>\n" + body + "\n</cueme_payload>"
		env := mustParse(t, raw, envelope.Options{AllowPayload: true})
		if env.Payload != "" {
			t.Fatalf("payload for body %q = %q, want empty", body, env.Payload)
		}
	}
}

func TestParse_InvalidPayloadRejected(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", "nonsense"},
		{"array", `["a"]`},
		{"unknown type", `{"type":"slider"}`},
		{"confirm missing text", `{"type":"confirm"}`},
		{"choice without options", `{"type":"choice"}`},
		{"choice empty options", `{"type":"choice","options":[]}`},
		{"form without fields", `{"type":"form"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := "<cueme_prompt>\nhi\n</cueme_prompt>\n<cueme_payload>\n" + tc.body + "\n</cueme_payload>"
			wantParseError(t, raw, envelope.Options{AllowPayload: true}, "<cueme_payload>")
		})
	}
}

func TestParse_ValidPayloadShapes(t *testing.T) {
	cases := []string{
		`{"type":"confirm","text":"Go?","confirm_label":"Yes","cancel_label":"No"}`,
		`{"type":"choice","options":["a","b"]}`,
		`{"type":"choice","allow_multiple":true,"options":[{"id":"x","label":"X"}]}`,
		`{"type":"form","fields":["name"]}`,
		`{"type":"form","fields":[{"id":"env","label":"Env","kind":"choice","options":["dev","prod"]}]}`,
	}
	for _, body := range cases {
		raw := "<cueme_prompt>\nhi\n</cueme_prompt>\n<cueme_payload>\n" + body + "\n</cueme_payload>"
		env := mustParse(t, raw, envelope.Options{AllowPayload: true})
		if env.Payload == "" {
			t.Fatalf("payload dropped for %s", body)
		}
	}
}

func TestValidateMessage(t *testing.T) {
	valid := []string{
		`{"text":"hello"}`,
		`{"text":"hi","images":[{"mime_type":"image/png","base64_data":"aGk="}]}`,
		`{"text":"@fox hi","mentions":[{"userId":"fox","start":0,"length":4}]}`,
		`{}`,
	}
	for _, m := range valid {
		if err := envelope.ValidateMessage(m); err != nil {
			t.Errorf("ValidateMessage(%s) = %v, want nil", m, err)
		}
	}

	invalid := []string{
		`not json`,
		`[]`,
		`{"images":[{"mime_type":"image/png"}]}`,
		`{"mentions":[{"userId":"fox","start":-1,"length":2}]}`,
		`{"mentions":[{"userId":"fox"}]}`,
	}
	for _, m := range invalid {
		if err := envelope.ValidateMessage(m); err == nil {
			t.Errorf("ValidateMessage(%s) accepted, want rejection", m)
		}
	}
}
