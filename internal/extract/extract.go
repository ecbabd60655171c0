// Package extract derives a ChatMessage from a chat element snapshot.
//
// Chat markup is weakly structured and changes between client builds, so
// content is located by ordered strategy chains: each Strategy is a pure
// function of the node and the first one that yields usable text wins.
package extract

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"hoverreply/internal/dom"

	"github.com/google/uuid"
)

// ErrExtraction marks an internal fault while reading an element. Empty
// content is not an error.
var ErrExtraction = errors.New("extract: internal fault")

// UnknownAuthor is used when no author element is present.
const UnknownAuthor = "Unknown"

// ChatMessage is the canonical record of one chat message at read time.
// It is never persisted and goes stale as soon as the host page re-renders
// the source element.
type ChatMessage struct {
	ID             string     `json:"id"`
	Content        string     `json:"content"`
	Author         string     `json:"author"`
	IsBotOrWebhook bool       `json:"is_bot_or_webhook"`
	Source         dom.Handle `json:"source,omitempty"`
	ObservedAt     time.Time  `json:"observed_at"`
}

// Strategy yields candidate content for a node, or false when it does not
// apply.
type Strategy func(n *dom.Node) (string, bool)

// Selector builds a Strategy returning the textContent of the first
// descendant matching sel.
func Selector(sel string) Strategy {
	return func(n *dom.Node) (string, bool) {
		found, err := n.Query(sel)
		if err != nil || found == nil {
			return "", false
		}
		return strings.TrimSpace(found.Text()), true
	}
}

// OwnText yields the node's own textContent.
func OwnText(n *dom.Node) (string, bool) {
	return strings.TrimSpace(n.Text()), true
}

// PrimaryChain locates the content element, falling back to the node itself.
var PrimaryChain = []Strategy{
	Selector(`[class*="messageContent"]`),
	Selector(`[class*="markup"]`),
	Selector(`div[class*="message"]`),
	OwnText,
}

// AlternativeSelectors are tried when the primary pass leaves too little text.
var AlternativeSelectors = []string{
	`[class*="messageContent"]`,
	`[class*="markup"]`,
	`[class*="messageText"]`,
	`[class*="content"]`,
	`div[class*="message"] > div:not([class*="header"])`,
	`div[class*="message"] > div:not([class*="username"])`,
	`div[class*="message"] > div:not([class*="timestamp"])`,
}

// Extractor turns snapshots into ChatMessages.
type Extractor struct {
	primary     []Strategy
	alternative []Strategy
	now         func() time.Time
	newID       func() string
}

// New returns an Extractor using the default chains.
func New() *Extractor {
	alt := make([]Strategy, 0, len(AlternativeSelectors)+1)
	for _, sel := range AlternativeSelectors {
		alt = append(alt, cleaned(Selector(sel)))
	}
	alt = append(alt, LineScan)
	return &Extractor{
		primary:     PrimaryChain,
		alternative: alt,
		now:         time.Now,
		newID:       func() string { return "msg_" + uuid.NewString() },
	}
}

// ExtractHTML parses an element's outerHTML and extracts it.
func (e *Extractor) ExtractHTML(outerHTML string, h dom.Handle) (ChatMessage, error) {
	n, err := dom.Parse(outerHTML)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	return e.Extract(n, h)
}

// Extract reads one message. It never panics outward: a fault while walking
// the node is logged and reported as ErrExtraction.
func (e *Extractor) Extract(n *dom.Node, h dom.Handle) (msg ChatMessage, err error) {
	if n == nil {
		return ChatMessage{}, fmt.Errorf("%w: nil node", ErrExtraction)
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[extract] recovered while parsing %s: %v", h, r)
			msg, err = ChatMessage{}, fmt.Errorf("%w: %v", ErrExtraction, r)
		}
	}()

	content := Clean(firstOf(e.primary, n))
	if len([]rune(content)) < 2 {
		content = firstOf(e.alternative, n)
	}

	author := UnknownAuthor
	if a := firstOf([]Strategy{Selector(`[class*="username"]`), Selector(`[class*="author"]`)}, n); a != "" {
		author = a
	}

	if h == "" {
		h = n.Handle()
	}

	return ChatMessage{
		ID:             e.messageID(n),
		Content:        content,
		Author:         author,
		IsBotOrWebhook: isBotOrWebhook(n, author),
		Source:         h,
		ObservedAt:     e.now(),
	}, nil
}

func (e *Extractor) messageID(n *dom.Node) string {
	if id, ok := n.Attr("data-message-id"); ok && id != "" {
		return id
	}
	if id, ok := n.Attr("id"); ok && id != "" {
		return id
	}
	return e.newID()
}

// firstOf returns the text of the first strategy that applies.
func firstOf(chain []Strategy, n *dom.Node) string {
	for _, s := range chain {
		if text, ok := s(n); ok {
			return text
		}
	}
	return ""
}

// cleaned wraps a selector strategy so it only applies when the cleaned text
// is longer than one character.
func cleaned(s Strategy) Strategy {
	return func(n *dom.Node) (string, bool) {
		text, ok := s(n)
		if !ok {
			return "", false
		}
		text = Clean(text)
		if len([]rune(text)) > 1 {
			return text, true
		}
		return "", false
	}
}

func isBotOrWebhook(n *dom.Node, author string) bool {
	for _, sel := range []string{`[class*="botTag"]`, `[class*="webhook"]`} {
		if found, err := n.Query(sel); err == nil && found != nil {
			return true
		}
	}
	lower := strings.ToLower(author)
	if strings.Contains(lower, "bot") || strings.Contains(lower, "webhook") {
		return true
	}
	v, _ := n.Attr("data-author-type")
	return v == "webhook"
}

// DefaultSelfNames lists the assistant persona names whose messages are
// never answered.
var DefaultSelfNames = []string{"dobby"}

// IsBotMessage reports whether msg must not be answered: it came from a bot
// or webhook, or from the assistant itself.
func IsBotMessage(msg ChatMessage, selfNames ...string) bool {
	if msg.IsBotOrWebhook {
		return true
	}
	author := strings.ToLower(msg.Author)
	if strings.Contains(author, "bot") || strings.Contains(author, "webhook") {
		return true
	}
	for _, name := range selfNames {
		if name != "" && strings.Contains(author, strings.ToLower(name)) {
			return true
		}
	}
	return false
}
