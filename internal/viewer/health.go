package viewer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Health is the gateway's /healthz body.
type Health struct {
	Status         string `json:"status"`
	Records        int    `json:"records"`
	Capacity       int    `json:"capacity"`
	Clients        int    `json:"clients"`
	Tokens         int    `json:"tokens"`
	PublicIssuance bool   `json:"public_issuance"`
	AuditDenyCount int64  `json:"audit_deny_count"`
	Activity       struct {
		TokensIssued      int64  `json:"tokens_issued"`
		AuthRejected      int64  `json:"auth_rejected"`
		CommandsRelayed   int64  `json:"commands_relayed"`
		CommandsFailed    int64  `json:"commands_failed"`
		LastCommand       string `json:"last_command"`
		ConfigFingerprint string `json:"config_fingerprint"`
	} `json:"activity"`
}

// FetchHealth reads /healthz from the gateway at base.
func FetchHealth(ctx context.Context, hc *http.Client, base string) (Health, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return Health{}, fmt.Errorf("healthz: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.JoinPath("healthz").String(), nil)
	if err != nil {
		return Health{}, fmt.Errorf("healthz: %w", err)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return Health{}, fmt.Errorf("healthz: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Health{}, fmt.Errorf("healthz: %s", resp.Status)
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return Health{}, fmt.Errorf("healthz: %w", err)
	}
	return h, nil
}
