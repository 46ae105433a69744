package protocol

import (
	"fmt"
	"net/url"
	"strconv"
)

// GatewayURL appends the protocol version and encoding to a gateway base URL,
// keeping any query parameters already present.
func GatewayURL(base string, version int) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid gateway url %q: %w", base, err)
	}
	q := u.Query()
	q.Set("v", strconv.Itoa(version))
	q.Set("encoding", "json")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
