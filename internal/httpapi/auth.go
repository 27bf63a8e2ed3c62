package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"compass/internal/aggregator"
	"compass/internal/config"
	"compass/pkg/logging"
)

// TokenInfo is what the auth service reports for a verified credential.
type TokenInfo struct {
	UserID         string   `json:"user_id"`
	AuthorizedOrgs []string `json:"authorized_orgs"`
}

// Verifier checks a bearer token or API key against the auth service.
type Verifier interface {
	Verify(ctx context.Context, credential string) (*TokenInfo, error)
}

// HTTPVerifier verifies credentials against an external auth endpoint.
type HTTPVerifier struct {
	endpoint string
	client   *http.Client
}

// NewHTTPVerifier builds a verifier from configuration.
func NewHTTPVerifier(cfg config.AuthConfig) *HTTPVerifier {
	timeout := time.Duration(cfg.TimeoutS) * time.Second
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &HTTPVerifier{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Verify POSTs the credential and decodes the identity.
func (v *HTTPVerifier) Verify(ctx context.Context, credential string) (*TokenInfo, error) {
	body, err := json.Marshal(map[string]string{"token": credential})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("credential rejected")
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("auth service returned %d: %s", resp.StatusCode, raw)
	}

	var info TokenInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode auth response: %w", err)
	}
	if info.UserID == "" {
		return nil, fmt.Errorf("auth response missing user id")
	}
	return &info, nil
}

// authMiddleware verifies the request credential and attaches the caller to
// the context. Credentials come from the Authorization bearer header or the
// X-API-Key header; the optional X-Organization-Id header selects the
// active organization and must be among the credential's authorized orgs.
func authMiddleware(verifier Verifier, disabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if disabled {
				caller := aggregator.Caller{UserID: "dev"}
				if org := r.Header.Get("X-Organization-Id"); org != "" {
					caller.OrgID = &org
				}
				next.ServeHTTP(w, r.WithContext(aggregator.WithCaller(r.Context(), caller)))
				return
			}

			credential := ""
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				credential = strings.TrimPrefix(h, "Bearer ")
			} else if k := r.Header.Get("X-API-Key"); k != "" {
				credential = k
			}
			if credential == "" {
				writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing credentials", nil)
				return
			}

			info, err := verifier.Verify(r.Context(), credential)
			if err != nil {
				logging.Debug("HTTP", "Credential verification failed: %v", err)
				writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid credentials", nil)
				return
			}

			caller := aggregator.Caller{UserID: info.UserID}
			if org := r.Header.Get("X-Organization-Id"); org != "" {
				if !contains(info.AuthorizedOrgs, org) {
					logging.Warn("HTTP", "User %s requested unauthorized organization %s", info.UserID, org)
					writeError(w, http.StatusForbidden, codeUnauthorized, "organization not authorized", nil)
					return
				}
				caller.OrgID = &org
			}

			next.ServeHTTP(w, r.WithContext(aggregator.WithCaller(r.Context(), caller)))
		})
	}
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
