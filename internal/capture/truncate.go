package capture

import (
	"crypto/sha256"
	"encoding/hex"
)

// auditBody is a request body as it appears in capture audit records. Bodies
// over the cap keep their first maxBytes plus the full size and digest, so a
// recorded template can still be matched against what was replayed.
type auditBody struct {
	Body      string `json:"body,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	BodySize  int    `json:"body_size,omitempty"`
	SHA256    string `json:"sha256,omitempty"`
}

// clipBody caps body at maxBytes. maxBytes <= 0 disables the cap.
func clipBody(body []byte, maxBytes int) auditBody {
	if maxBytes <= 0 || len(body) <= maxBytes {
		return auditBody{Body: string(body), BodySize: len(body)}
	}
	sum := sha256.Sum256(body)
	return auditBody{
		Body:      string(body[:maxBytes]),
		Truncated: true,
		BodySize:  len(body),
		SHA256:    hex.EncodeToString(sum[:]),
	}
}
