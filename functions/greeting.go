package functions

import (
	"context"

	"github.com/hotsock/twiliofn"
	"github.com/twilio/twilio-go/twiml"
)

// GreetingText is what VoiceGreeting says.
const GreetingText = "Hello World!"

// VoiceGreeting answers a call with a single <Say>. The event is ignored.
func VoiceGreeting(_ context.Context, _ *twiliofn.Context, _ map[string]any) (twiliofn.TwiML, error) {
	doc, err := twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{Message: GreetingText},
	})
	if err != nil {
		return "", err
	}
	return twiliofn.TwiML(doc), nil
}
