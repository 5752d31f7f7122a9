package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Message is an append-only entry in a task's history.
type Message struct {
	Role      Role   `json:"role"`
	Parts     []Part `json:"parts"`
	ContextID string `json:"contextId"`
	TaskID    string `json:"taskId,omitempty"`
}

// UserText builds a user message with a single text part.
func UserText(contextID, text string) Message {
	return Message{Role: RoleUser, ContextID: contextID, Parts: []Part{TextPart(text)}}
}

// AgentText builds an agent message with a single text part.
func AgentText(contextID, text string) Message {
	return Message{Role: RoleAgent, ContextID: contextID, Parts: []Part{TextPart(text)}}
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Text != nil {
			sb.WriteString(*p.Text)
		}
	}
	return sb.String()
}

// FileRef describes file content carried in a part, either by URI or
// inline bytes.
type FileRef struct {
	URI   string `json:"uri,omitempty"`
	Bytes []byte `json:"bytes,omitempty"`
	Name  string `json:"name,omitempty"`
	MIME  string `json:"mime,omitempty"`
}

// Part is a tagged union: exactly one of Text, File or Data is set.
type Part struct {
	Text *string         `json:"text,omitempty"`
	File *FileRef        `json:"file,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// TextPart wraps a string in a text part.
func TextPart(s string) Part { return Part{Text: &s} }

// FilePart wraps a file reference in a file part.
func FilePart(f FileRef) Part { return Part{File: &f} }

// DataPart marshals v into a data part. Marshal failures degrade to a
// text part carrying the error, so history appends never fail.
func DataPart(v any) Part {
	raw, err := json.Marshal(v)
	if err != nil {
		return TextPart(fmt.Sprintf("unencodable data: %v", err))
	}
	return Part{Data: raw}
}
