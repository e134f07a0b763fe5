package rendezvous

import (
	"fmt"
	"strings"
)

// Content is one text block handed back to the agent runtime as tool output.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// FileRef is an attachment reference surfaced to the agent as a path under
// the cue home directory.
type FileRef struct {
	Path     string `json:"file"`
	MimeType string `json:"mime_type"`
}

// ProtocolReminder is appended to every reply so the agent keeps the
// cue-before-finishing contract across turns.
const ProtocolReminder = "IMPORTANT (Human Agent Protocol): before completing any instruction or answering a question, you MUST call cue(prompt, agent_id, payload?) and let the user continue. Do not end your reply until cue has actually been called.\n\n" +
	"IMPORTANT (todo list check): before executing this instruction, check the current todo list and make sure its final entry is sending the likely follow-up response via cue. If it is missing, add it immediately."

func textContent(text string) Content {
	return Content{Type: "text", Text: text}
}

// buildReplyContents renders a non-empty human reply for the agent: the text,
// attachment paths to read, and the protocol reminder.
func buildReplyContents(text string, files []FileRef) []Content {
	var contents []Content

	var fileLines []string
	for _, f := range files {
		if f.Path == "" {
			continue
		}
		line := "- ~/.cue/" + strings.TrimLeft(f.Path, "/")
		if f.MimeType != "" {
			line += fmt.Sprintf(" (%s)", f.MimeType)
		}
		fileLines = append(fileLines, line)
	}

	trimmed := strings.TrimSpace(text)
	if trimmed != "" {
		contents = append(contents, textContent("The user wants to continue and provided the following instructions:\n\n"+trimmed))
	} else if len(fileLines) > 0 {
		contents = append(contents, textContent("The user wants to continue and attached files:"))
	}

	if len(fileLines) > 0 {
		contents = append(contents, textContent("\n\nAttachment paths are listed below (images and other files alike are plain paths). Read these files yourself before continuing:\n"+strings.Join(fileLines, "\n")))
	}

	contents = append(contents, textContent("\n\n"+ProtocolReminder))
	return contents
}

func cancelledContents(m mode) []Content {
	if m == modePause {
		return []Content{textContent("The user did not continue. Call pause(agent_id) to suspend and wait for resume.\n\n" + ProtocolReminder)}
	}
	return []Content{textContent("The user did not continue. Call pause(agent_id) to suspend and wait for resume.\n\n")}
}

func emptyContents(m mode) []Content {
	if m == modePause {
		return []Content{textContent("The user resumed the conversation.\n\n" + ProtocolReminder)}
	}
	return []Content{textContent("No user input received. Call pause(agent_id) to suspend and wait for resume.\n\n" + ProtocolReminder)}
}

func timeoutContents(m mode) []Content {
	if m == modePause {
		return []Content{textContent("Tool call was cancelled. Call pause(agent_id) to suspend and wait for resume.\n\n")}
	}
	return []Content{textContent("Timed out waiting for user response. You MUST NOT continue or add any extra output. Immediately call pause(agent_id) and stop output until resumed.\n\n")}
}
