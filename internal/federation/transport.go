package federation

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"
)

// Sender delivers one signed delivery unit to a remote pod. It reports
// failures through the DeliveryError taxonomy so the scheduler can decide
// between retrying and dropping.
type Sender interface {
	Send(ctx context.Context, host, route string, body, signature []byte) error
}

// Federation request headers carrying the sender identity and the
// detached signature over the raw body.
const (
	HeaderPeerHost      = "X-Peer-Host"
	HeaderPeerSignature = "X-Peer-Signature"
)

// HTTPSender posts delivery units over HTTP. The Do seam lets tests
// substitute the network round trip.
type HTTPSender struct {
	LocalHost string
	Scheme    string
	Client    *http.Client
	Do        func(req *http.Request) (*http.Response, error)
}

// NewHTTPSender constructs a sender identifying itself as localHost.
func NewHTTPSender(localHost string, timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSender{
		LocalHost: localHost,
		Scheme:    "http",
		Client:    &http.Client{Timeout: timeout},
	}
}

// Send posts the body to the destination pod's route. Connection errors
// and 5xx responses are transient; other non-2xx responses are permanent.
func (s *HTTPSender) Send(ctx context.Context, host, route string, body, signature []byte) error {
	url := fmt.Sprintf("%s://%s%s", s.Scheme, host, route)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return PermanentDelivery(fmt.Errorf("build request %s: %w", url, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderPeerHost, s.LocalHost)
	req.Header.Set(HeaderPeerSignature, base64.StdEncoding.EncodeToString(signature))

	do := s.Do
	if do == nil {
		do = s.Client.Do
	}

	resp, err := do(req)
	if err != nil {
		return TransientDelivery(fmt.Errorf("post %s: %w", url, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return TransientDelivery(fmt.Errorf("post %s: status %d", url, resp.StatusCode))
	default:
		return PermanentDelivery(fmt.Errorf("post %s: status %d", url, resp.StatusCode))
	}
}

var _ Sender = (*HTTPSender)(nil)
