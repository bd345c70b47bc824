// Package functions holds the functions served by this repository.
package functions

import (
	"context"
	"errors"
	"fmt"

	"github.com/hotsock/twiliofn"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// OutboundMessageBody is the text of every message OutboundMessage sends.
const OutboundMessageBody = "Hello world!"

// OutboundEvent is the request accepted by OutboundMessage.
type OutboundEvent struct {
	To string `json:"to"`
}

var errNoSid = errors.New("twilio accepted the message without a sid")

// Receipt identifies a message accepted by Twilio.
type Receipt struct {
	Sid string `json:"sid"`
}

// OutboundMessage sends an SMS to event.To from OUTBOUND_PHONE_NUMBER. A
// rejected send is reported in the result, not as an error; the error
// return is reserved for a context that cannot send at all.
func OutboundMessage(ctx context.Context, fc *twiliofn.Context, event OutboundEvent) (twiliofn.Result[Receipt], error) {
	from := fc.OutboundPhoneNumber()
	if from == "" {
		return twiliofn.Result[Receipt]{}, twiliofn.ErrMissingOutboundNumber
	}

	client, err := fc.TwilioClient()
	if err != nil {
		return twiliofn.Result[Receipt]{}, fmt.Errorf("failed to get Twilio client: %w", err)
	}

	params := &openapi.CreateMessageParams{}
	params.SetTo(event.To)
	params.SetFrom(from)
	params.SetBody(OutboundMessageBody)

	msg, err := client.CreateMessage(params)
	if err != nil {
		fc.Logger().WarnContext(ctx, "message send failed", "to", event.To, "error", err)
		return twiliofn.Err[Receipt](err), nil
	}
	if msg == nil || msg.Sid == nil || *msg.Sid == "" {
		return twiliofn.Err[Receipt](errNoSid), nil
	}

	fc.Logger().DebugContext(ctx, "message created", "sid", *msg.Sid)
	return twiliofn.Ok(Receipt{Sid: *msg.Sid}), nil
}
