package moderation

import (
	"encoding/json"
	"fmt"
)

// Request metadata captured once, at submission time. Input to spam scoring.
type MessageContext struct {
	UserIP    string `json:"user_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Referrer  string `json:"referrer,omitempty"`
	Permalink string `json:"permalink"`
}

type Message struct {
	CommentID uint           `json:"commentId"`
	ReviewURL string         `json:"reviewUrl"`
	Context   MessageContext `json:"context"`

	// number of automatic re-enqueues which led to this delivery
	Hops int `json:"hops,omitempty"`
}

// Copy of the message for the next automatic hop. Everything except the hop counter is unchanged.
func (m Message) Next() Message {
	m.Hops++
	return m
}

func ParseMessage(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parsing moderation message: %w", err)
	}
	if m.CommentID == 0 {
		return nil, fmt.Errorf("moderation message missing commentId")
	}
	return &m, nil
}
