package functiontest

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// SentMessage is one CreateMessage call recorded by StubClient.
type SentMessage struct {
	To   string
	From string
	Body string
	Sid  string
}

// StubClient is an in-memory twiliofn.MessageCreator that records the
// messages it accepts.
type StubClient struct {
	mu   sync.Mutex
	err  error
	sent []SentMessage
}

func NewStubClient() *StubClient {
	return &StubClient{}
}

// NewFailingClient returns a stub that rejects every message with err.
func NewFailingClient(err error) *StubClient {
	return &StubClient{err: err}
}

func (c *StubClient) CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return nil, c.err
	}

	msg := SentMessage{
		To:   deref(params.To),
		From: deref(params.From),
		Body: deref(params.Body),
		Sid:  newMessageSid(),
	}
	c.sent = append(c.sent, msg)

	return &openapi.ApiV2010Message{
		Sid:  &msg.Sid,
		To:   &msg.To,
		From: &msg.From,
		Body: &msg.Body,
	}, nil
}

// Sent returns the messages accepted so far.
func (c *StubClient) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentMessage(nil), c.sent...)
}

// newMessageSid returns an identifier shaped like a Twilio message SID:
// "SM" followed by 32 hex digits.
func newMessageSid() string {
	return "SM" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
