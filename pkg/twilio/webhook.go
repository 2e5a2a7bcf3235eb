package twilio

import (
	"net/http"
	"strings"

	"github.com/twilio/twilio-go/client"
)

// SignatureHeader carries the provider's request signature
const SignatureHeader = "X-Twilio-Signature"

// WebhookValidator checks that form-encoded webhooks were signed with the account's auth token
type WebhookValidator struct {
	validator client.RequestValidator
	publicURL string
}

// NewWebhookValidator creates a validator. publicURL is the externally visible base URL
// the provider signs against; when empty the request's Host is used.
func NewWebhookValidator(authToken, publicURL string) *WebhookValidator {
	return &WebhookValidator{
		validator: client.NewRequestValidator(authToken),
		publicURL: strings.TrimRight(publicURL, "/"),
	}
}

// Validate reports whether r carries a valid signature. The form must already be parsed.
func (v *WebhookValidator) Validate(r *http.Request) bool {
	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		return false
	}

	params := make(map[string]string, len(r.PostForm))
	for key, values := range r.PostForm {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}
	return v.validator.Validate(v.requestURL(r), params, signature)
}

func (v *WebhookValidator) requestURL(r *http.Request) string {
	if v.publicURL != "" {
		return v.publicURL + r.URL.RequestURI()
	}
	scheme := "https"
	if r.TLS == nil && !strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
