package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ItemType tags an entry in a ChatContext.
type ItemType string

const (
	ItemMessage            ItemType = "message"
	ItemFunctionCall       ItemType = "function_call"
	ItemFunctionCallOutput ItemType = "function_call_output"
)

// PartType tags a message content part.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// Part is one element of a message body: text or an image reference.
type Part struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
}

// Item is a single chat-context entry. The Type field selects which of the
// remaining fields are meaningful: messages carry Role and Parts, function
// calls carry Name/Arguments/CallID, outputs carry Name/CallID/Output/IsError.
type Item struct {
	Type ItemType `json:"type"`

	Role  MessageRole `json:"role,omitempty"`
	Parts []Part      `json:"content,omitempty"`

	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	Output  string `json:"output,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// Text joins the text parts of a message item.
func (it Item) Text() string {
	if len(it.Parts) == 1 && it.Parts[0].Type == PartText {
		return it.Parts[0].Text
	}
	var b strings.Builder
	for _, p := range it.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ChatContext is an ordered conversation history. It has a single writer
// (the conversation flow task) and therefore carries no lock; concurrent
// readers must use Clone.
type ChatContext struct {
	items []Item
}

// NewChatContext creates an empty ChatContext.
func NewChatContext() *ChatContext {
	return &ChatContext{}
}

// Items returns the live item slice. Callers outside the owning task must
// not hold onto it across writes.
func (c *ChatContext) Items() []Item { return c.items }

// Len returns the number of items.
func (c *ChatContext) Len() int { return len(c.items) }

// AppendMessage appends a plain-text message.
func (c *ChatContext) AppendMessage(role MessageRole, text string) {
	c.items = append(c.items, Item{
		Type:  ItemMessage,
		Role:  role,
		Parts: []Part{{Type: PartText, Text: text}},
	})
}

// AppendMessageParts appends a message with explicit content parts.
func (c *ChatContext) AppendMessageParts(role MessageRole, parts []Part) {
	c.items = append(c.items, Item{Type: ItemMessage, Role: role, Parts: parts})
}

// AppendFunctionCall records a tool invocation requested by the model.
func (c *ChatContext) AppendFunctionCall(fc FunctionCall) {
	c.items = append(c.items, Item{
		Type:      ItemFunctionCall,
		Name:      fc.Name,
		Arguments: fc.Arguments,
		CallID:    fc.CallID,
	})
}

// AppendFunctionCallOutput records a tool result. The CallID must match an
// earlier function call in this context.
func (c *ChatContext) AppendFunctionCallOutput(out FunctionCallOutput) error {
	if !c.hasCall(out.CallID) {
		return fmt.Errorf("function call output %q has no matching call in context", out.CallID)
	}
	c.items = append(c.items, Item{
		Type:    ItemFunctionCallOutput,
		Name:    out.Name,
		CallID:  out.CallID,
		Output:  out.Output,
		IsError: out.IsError,
	})
	return nil
}

func (c *ChatContext) hasCall(callID string) bool {
	for _, it := range c.items {
		if it.Type == ItemFunctionCall && it.CallID == callID {
			return true
		}
	}
	return false
}

// Truncate drops older items so at most n remain, with two structural
// guarantees: a leading System message survives (at most one), and no
// function-call output is kept without its matching call.
func (c *ChatContext) Truncate(n int) {
	if n <= 0 {
		c.items = nil
		return
	}
	if len(c.items) <= n {
		return
	}

	var kept []Item
	if c.items[0].Type == ItemMessage && c.items[0].Role == RoleSystem {
		kept = append(kept, c.items[0])
		tail := n - 1
		if tail > len(c.items)-1 {
			tail = len(c.items) - 1
		}
		kept = append(kept, c.items[len(c.items)-tail:]...)
	} else {
		kept = append(kept, c.items[len(c.items)-n:]...)
	}

	calls := make(map[string]bool, len(kept))
	for _, it := range kept {
		if it.Type == ItemFunctionCall {
			calls[it.CallID] = true
		}
	}

	out := kept[:0]
	for _, it := range kept {
		if it.Type == ItemFunctionCallOutput && !calls[it.CallID] {
			continue
		}
		out = append(out, it)
	}
	c.items = out
}

// Messages flattens the message items, skipping calls and outputs. Used by
// turn detection and by providers that only accept plain messages.
func (c *ChatContext) Messages() []Message {
	out := make([]Message, 0, len(c.items))
	for _, it := range c.items {
		if it.Type != ItemMessage {
			continue
		}
		out = append(out, Message{Role: it.Role, Content: it.Text(), Name: it.Name})
	}
	return out
}

// Clone makes a deep copy safe for use on another goroutine.
func (c *ChatContext) Clone() *ChatContext {
	out := &ChatContext{items: make([]Item, len(c.items))}
	copy(out.items, c.items)
	for i := range out.items {
		if len(out.items[i].Parts) > 0 {
			parts := make([]Part, len(out.items[i].Parts))
			copy(parts, out.items[i].Parts)
			out.items[i].Parts = parts
		}
	}
	return out
}

type chatContextJSON struct {
	Items []Item `json:"items"`
}

// MarshalJSON encodes the context as {"items": [...]}, omitting unset fields.
func (c *ChatContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(chatContextJSON{Items: c.items})
}

// UnmarshalJSON restores a context written by MarshalJSON.
func (c *ChatContext) UnmarshalJSON(data []byte) error {
	var raw chatContextJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.items = raw.Items
	return nil
}

// Equal reports whether two contexts hold the same items.
func (c *ChatContext) Equal(other *ChatContext) bool {
	if len(c.items) != len(other.items) {
		return false
	}
	for i := range c.items {
		if !itemEqual(c.items[i], other.items[i]) {
			return false
		}
	}
	return true
}

func itemEqual(a, b Item) bool {
	if a.Type != b.Type || a.Role != b.Role || a.Name != b.Name ||
		a.Arguments != b.Arguments || a.CallID != b.CallID ||
		a.Output != b.Output || a.IsError != b.IsError ||
		len(a.Parts) != len(b.Parts) {
		return false
	}
	for i := range a.Parts {
		if a.Parts[i] != b.Parts[i] {
			return false
		}
	}
	return true
}
