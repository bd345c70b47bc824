// Package lambdahost serves twiliofn functions behind Amazon API Gateway
// with aws-lambda-go.
package lambdahost

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/hotsock/twiliofn"
)

// Handler is the signature lambda.Start accepts for API Gateway proxy
// integrations.
type Handler func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error)

// Wrap adapts fn to an API Gateway proxy handler. Function failures become
// JSON error bodies with a 4xx/5xx status; the returned error is always
// nil so API Gateway sees a well-formed response.
//
// With twiliofn.WithSignatureValidation, the signed URL is rebuilt from the
// Host and X-Forwarded-Proto headers, the request context path and the query
// parameters in key order.
func Wrap[E, R any](name string, cfg *twiliofn.Config, fn twiliofn.Func[E, R], opts ...twiliofn.Option) Handler {
	iv := twiliofn.NewInvoker(name, cfg, fn, opts...)
	validator := iv.SignatureValidator()

	return func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		parsed, err := parseRequest(req)
		if err != nil {
			return errorResponse(http.StatusBadRequest, &twiliofn.ErrorResponse{
				Type:    twiliofn.ErrorTypeUnmarshal,
				Message: fmt.Sprintf("failed to parse request: %v", err),
			}), nil
		}

		if validator != nil && !validSignature(validator, req, parsed) {
			return errorResponse(http.StatusForbidden, &twiliofn.ErrorResponse{
				Type:    twiliofn.ErrorTypeForbidden,
				Message: "invalid Twilio signature",
			}), nil
		}

		resp, err := iv.Invoke(ctx, requestID(ctx, req), parsed.params)
		if err != nil {
			var errResp *twiliofn.ErrorResponse
			if !errors.As(err, &errResp) {
				errResp = &twiliofn.ErrorResponse{Type: twiliofn.ErrorTypeHandlerError, Message: err.Error()}
			}
			return errorResponse(statusFor(errResp), errResp), nil
		}

		return proxyResponse(resp)
	}
}

func requestID(ctx context.Context, req events.APIGatewayProxyRequest) string {
	if lc, ok := lambdacontext.FromContext(ctx); ok && lc.AwsRequestID != "" {
		return lc.AwsRequestID
	}
	return req.RequestContext.RequestID
}

func statusFor(errResp *twiliofn.ErrorResponse) int {
	switch errResp.Type {
	case twiliofn.ErrorTypeUnmarshal:
		return http.StatusBadRequest
	case twiliofn.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case twiliofn.ErrorTypeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

type parsedRequest struct {
	params map[string]any
	// form holds the urlencoded body; rawJSON the body when it is JSON.
	form    url.Values
	rawJSON []byte
}

func parseRequest(req events.APIGatewayProxyRequest) (parsedRequest, error) {
	parsed := parsedRequest{params: map[string]any{}}
	for k, v := range req.QueryStringParameters {
		parsed.params[k] = v
	}
	for k, v := range req.MultiValueQueryStringParameters {
		if len(v) > 1 {
			parsed.params[k] = v
		}
	}

	body := req.Body
	if body == "" {
		return parsed, nil
	}
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return parsed, fmt.Errorf("invalid base64 body: %w", err)
		}
		body = string(decoded)
	}

	if isJSON(req.Headers) {
		fields := map[string]any{}
		if err := json.Unmarshal([]byte(body), &fields); err != nil {
			return parsed, fmt.Errorf("invalid JSON body: %w", err)
		}
		for k, v := range fields {
			parsed.params[k] = v
		}
		parsed.rawJSON = []byte(body)
		return parsed, nil
	}

	form, err := url.ParseQuery(body)
	if err != nil {
		return parsed, fmt.Errorf("invalid form body: %w", err)
	}
	for k, v := range form {
		switch len(v) {
		case 0:
		case 1:
			parsed.params[k] = v[0]
		default:
			parsed.params[k] = v
		}
	}
	parsed.form = form

	return parsed, nil
}

func validSignature(v *twiliofn.SignatureValidator, req events.APIGatewayProxyRequest, parsed parsedRequest) bool {
	signature := header(req.Headers, twiliofn.HeaderTwilioSignature)
	if parsed.rawJSON != nil {
		return v.ValidateJSON(requestURL(req), parsed.rawJSON, signature)
	}
	return v.ValidateForm(requestURL(req), parsed.form, signature)
}

func requestURL(req events.APIGatewayProxyRequest) string {
	scheme := header(req.Headers, "X-Forwarded-Proto")
	if scheme == "" {
		scheme = "https"
	}

	path := req.RequestContext.Path
	if path == "" {
		path = req.Path
	}

	query := url.Values{}
	for k, v := range req.QueryStringParameters {
		query.Set(k, v)
	}
	for k, v := range req.MultiValueQueryStringParameters {
		query[k] = v
	}

	u := url.URL{Scheme: scheme, Host: header(req.Headers, "Host"), Path: path, RawQuery: query.Encode()}
	return u.String()
}

// header looks name up case-insensitively; API Gateway passes header names
// through as the client sent them.
func header(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func isJSON(headers map[string]string) bool {
	ct := header(headers, "Content-Type")
	if ct == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	return err == nil && mediaType == "application/json"
}

func proxyResponse(resp *twiliofn.Response) (events.APIGatewayProxyResponse, error) {
	contentType, payload, err := resp.Encode()
	if err != nil {
		return errorResponse(http.StatusInternalServerError, &twiliofn.ErrorResponse{
			Type:    twiliofn.ErrorTypeMarshal,
			Message: err.Error(),
		}), nil
	}

	headers := resp.Headers()
	headers["Content-Type"] = contentType

	return events.APIGatewayProxyResponse{
		StatusCode: resp.StatusCode(),
		Headers:    headers,
		Body:       string(payload),
	}, nil
}

func errorResponse(status int, errResp *twiliofn.ErrorResponse) events.APIGatewayProxyResponse {
	body, err := json.Marshal(errResp)
	if err != nil {
		body = fmt.Appendf(nil, `{"errorMessage":%q,"errorType":"Function.MarshalError"}`, err.Error())
	}

	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}
