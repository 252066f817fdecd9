// Package report implements the optional abuse-report HTTP sink: gated on
// a CIDR safe-list, it POSTs a small JSON document describing a
// REJECT/DROP verdict to a configured endpoint. Failures are logged,
// never propagated back into the MTA-facing verdict path.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nsmail/milteragent/internal/cidrset"
)

// Settings is the subset of config.Report the sink needs, kept separate so
// this package has no import-time dependency on the config package.
type Settings struct {
	Enabled bool
	URL     string
	Token   string
}

// Sink posts abuse reports for verdicts that warrant one.
type Sink struct {
	settings Settings
	safeList *cidrset.Set
	client   *http.Client
	logf     func(format string, args ...any)
}

// New builds a Sink. client may be nil, in which case http.DefaultClient
// is used. logf defaults to a no-op if nil.
func New(settings Settings, safeList *cidrset.Set, client *http.Client, logf func(string, ...any)) *Sink {
	if client == nil {
		client = http.DefaultClient
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Sink{settings: settings, safeList: safeList, client: client, logf: logf}
}

type payload struct {
	IP        string `json:"ip"`
	Evidence  string `json:"evidence"`
	Reporter  string `json:"reporter"`
	Timestamp string `json:"timestamp"`
}

// Report sends an abuse report for remoteIP carrying evidence (a
// human-readable description of the triggering filter/verdict), unless
// reporting is disabled or remoteIP is in the safe-list. now is passed in
// rather than read from time.Now so callers control the timestamp
// deterministically.
func (s *Sink) Report(ctx context.Context, remoteIP string, evidence string, now time.Time) error {
	if s == nil || !s.settings.Enabled {
		return nil
	}
	if cidrset.ContainsString(s.safeList, remoteIP) {
		return nil
	}

	body, err := json.Marshal(payload{
		IP:        remoteIP,
		Evidence:  evidence,
		Reporter:  "MilterAgent",
		Timestamp: now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("report: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.settings.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("report: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.settings.Token)

	resp, err := s.client.Do(req)
	if err != nil {
		s.logf("report: POST %s failed: %v", s.settings.URL, err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logf("report: POST %s returned %s", s.settings.URL, resp.Status)
	}
	return nil
}
