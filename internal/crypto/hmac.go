package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Signer holds the API key pair for HMAC-SHA256 signed exchange requests.
type Signer struct {
	APIKey string
	Secret string
}

// NewSigner returns a Signer for the given key pair.
func NewSigner(apiKey, secret string) *Signer {
	return &Signer{APIKey: apiKey, Secret: secret}
}

// Sign returns the lowercase hex HMAC-SHA256 of payload.
func (s *Signer) Sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(s.Secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignQuery stamps params with timestamp (and recvWindow when positive),
// signs the encoded query and returns it with the signature appended. The
// signature covers the exact string that is sent.
func (s *Signer) SignQuery(params url.Values, ts time.Time, recvWindow time.Duration) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(ts.UnixMilli(), 10))
	if recvWindow > 0 {
		params.Set("recvWindow", strconv.FormatInt(recvWindow.Milliseconds(), 10))
	}
	query := params.Encode()
	return query + "&signature=" + s.Sign(query)
}

// SignParams signs a websocket API parameter map: keys sorted
// alphabetically, joined as k=v with '&'. It adds apiKey, timestamp and
// signature to params in place.
func (s *Signer) SignParams(params map[string]any, ts time.Time) {
	params["apiKey"] = s.APIKey
	params["timestamp"] = ts.UnixMilli()
	delete(params, "signature")

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	params["signature"] = s.Sign(strings.Join(parts, "&"))
}

// String returns a redacted representation suitable for logging.
func (s *Signer) String() string {
	redact := func(v string) string {
		if len(v) <= 4 {
			return "****"
		}
		return v[:4] + "****"
	}
	return fmt.Sprintf("Signer{key=%s, secret=%s}", redact(s.APIKey), redact(s.Secret))
}
