package matrixapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/basket/activematrix/internal/transport"
)

// WellKnownClient is the body of GET /.well-known/matrix/client.
type WellKnownClient struct {
	Homeserver struct {
		BaseURL string `json:"base_url"`
	} `json:"m.homeserver"`
}

// DiscoverBaseURL resolves the effective CS API base URL for a server name
// via .well-known/matrix/client. If no .well-known document is
// published, the server name itself (with an https:// scheme) is returned.
func DiscoverBaseURL(ctx context.Context, serverName string) (string, error) {
	candidate := serverName
	if !strings.HasPrefix(candidate, "http://") && !strings.HasPrefix(candidate, "https://") {
		candidate = "https://" + candidate
	}

	t := transport.New(candidate, "")
	var wk WellKnownClient
	if err := t.Do(ctx, http.MethodGet, "/.well-known/matrix/client", nil, &wk); err != nil {
		// No .well-known document published: fall back to the server name itself.
		return candidate, nil
	}
	if wk.Homeserver.BaseURL == "" {
		return candidate, nil
	}
	return strings.TrimRight(wk.Homeserver.BaseURL, "/"), nil
}
