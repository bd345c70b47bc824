package twiliofn

import (
	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// MessageCreator is the slice of the Twilio REST API the functions use.
// *openapi.ApiService, the Api field of a twilio.RestClient, satisfies it.
type MessageCreator interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// ClientFactory lazily builds an authenticated Twilio client.
type ClientFactory func() (MessageCreator, error)

// RestClientFactory returns a factory for a twilio-go REST client that
// authenticates with an API key and secret on behalf of accountSID.
func RestClientFactory(apiKey, apiSecret, accountSID string) ClientFactory {
	return func() (MessageCreator, error) {
		client := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username:   apiKey,
			Password:   apiSecret,
			AccountSid: accountSID,
		})
		return client.Api, nil
	}
}

// StaticClient returns a factory that always hands out c.
func StaticClient(c MessageCreator) ClientFactory {
	return func() (MessageCreator, error) {
		return c, nil
	}
}
