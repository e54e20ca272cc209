package webhook

import (
	"errors"
	"net/http"
	"strings"

	svix "github.com/svix/svix-webhooks/go"
)

var ErrMissingDeliveryID = errors.New("svix-id header is missing")

// Verifier checks Svix signatures on inbound Clerk webhooks.
type Verifier struct {
	wh *svix.Webhook
}

// NewVerifier accepts the signing secret as shown in the Clerk dashboard
// ("whsec_..." base64).
func NewVerifier(secret string) (*Verifier, error) {
	wh, err := svix.NewWebhook(secret)
	if err != nil {
		return nil, err
	}
	return &Verifier{wh: wh}, nil
}

// Verify checks the signature and timestamp tolerance of payload.
func (v *Verifier) Verify(payload []byte, headers http.Header) error {
	return v.wh.Verify(payload, headers)
}

// DeliveryID returns the Svix message id, which stays the same across
// redeliveries of one event.
func DeliveryID(headers http.Header) (string, error) {
	for _, key := range []string{"svix-id", "webhook-id"} {
		if id := strings.TrimSpace(headers.Get(key)); id != "" {
			return id, nil
		}
	}
	return "", ErrMissingDeliveryID
}
