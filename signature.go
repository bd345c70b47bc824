package twiliofn

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"maps"
	"net/url"
	"slices"
	"strings"

	"github.com/twilio/twilio-go/client"
)

// HeaderTwilioSignature carries Twilio's request signature.
const HeaderTwilioSignature = "X-Twilio-Signature"

// SignatureValidator checks the X-Twilio-Signature of webhook requests
// against the account auth token.
type SignatureValidator struct {
	authToken string
	validator client.RequestValidator
}

func NewSignatureValidator(authToken string) *SignatureValidator {
	return &SignatureValidator{
		authToken: authToken,
		validator: client.NewRequestValidator(authToken),
	}
}

// ValidateForm checks a GET or urlencoded POST request. rawURL is the public
// URL Twilio called, query string included.
func (v *SignatureValidator) ValidateForm(rawURL string, form url.Values, signature string) bool {
	if signature == "" {
		return false
	}

	params := make(map[string]string, len(form))
	for k, values := range form {
		switch len(values) {
		case 0:
		case 1:
			params[k] = values[0]
		default:
			// twilio-go signs one value per key.
			return hmac.Equal([]byte(v.sign(rawURL, form)), []byte(signature))
		}
	}

	return v.validator.Validate(rawURL, params, signature)
}

// ValidateJSON checks a request with a JSON body. Twilio covers the body
// with the bodySHA256 query parameter of the signed URL, so a URL without
// it never validates.
func (v *SignatureValidator) ValidateJSON(rawURL string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Query().Get("bodySHA256") == "" {
		return false
	}

	return v.validator.ValidateBody(rawURL, body, signature)
}

// sign computes the signature of a form with repeated keys: the URL followed
// by key+value for every key in order and every distinct value in order.
func (v *SignatureValidator) sign(rawURL string, form url.Values) string {
	var b strings.Builder
	b.WriteString(rawURL)
	for _, k := range slices.Sorted(maps.Keys(form)) {
		values := slices.Clone(form[k])
		slices.Sort(values)
		for _, value := range slices.Compact(values) {
			b.WriteString(k)
			b.WriteString(value)
		}
	}

	mac := hmac.New(sha1.New, []byte(v.authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
