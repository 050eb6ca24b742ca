package vulns

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const nvdBody = `{"vulnerabilities":[{"cve":{
  "id":"CVE-2024-3400",
  "published":"2024-04-12T08:15:06.230",
  "lastModified":"2024-04-19T01:00:01.000",
  "descriptions":[{"lang":"es","value":"otro"},{"lang":"en","value":"command injection in GlobalProtect"}],
  "metrics":{"cvssMetricV31":[{"cvssData":{"baseScore":10.0,"baseSeverity":"CRITICAL"}}]},
  "weaknesses":[{"description":[{"value":"CWE-77"},{"value":"NVD-CWE-noinfo"}]}]
}}]}`

func TestNVDClientLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/json/cves/2.0" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("apiKey") != "secret" {
			t.Errorf("expected apiKey header to be sent")
		}
		if r.URL.Query().Get("cveId") == "CVE-2000-0001" {
			_, _ = w.Write([]byte(`{"vulnerabilities":[]}`))
			return
		}
		_, _ = w.Write([]byte(nvdBody))
	}))
	defer srv.Close()

	c := NewNVDClient(srv.URL+"/", "secret", 0, 5*time.Second)
	rec, err := c.Lookup(context.Background(), "CVE-2024-3400")
	if err != nil {
		t.Fatalf("Lookup error: %v", err)
	}
	if rec.Description != "command injection in GlobalProtect" {
		t.Fatalf("expected english description, got %q", rec.Description)
	}
	if rec.BaseScore != 10.0 || rec.Severity != "CRITICAL" {
		t.Fatalf("unexpected score: %v %s", rec.BaseScore, rec.Severity)
	}
	if rec.Published == nil || rec.Published.Year() != 2024 {
		t.Fatalf("expected published time to be parsed, got %v", rec.Published)
	}
	if len(rec.Weaknesses) != 1 || rec.Weaknesses[0] != "CWE-77" {
		t.Fatalf("unexpected weaknesses: %v", rec.Weaknesses)
	}

	if _, err := c.Lookup(context.Background(), "CVE-2000-0001"); !errors.Is(err, ErrUnknownCVE) {
		t.Fatalf("expected ErrUnknownCVE, got %v", err)
	}
}

func TestNVDClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := NewNVDClient(srv.URL, "", 0, time.Second).Lookup(context.Background(), "CVE-2024-1"); err == nil {
		t.Fatalf("expected error for 503 response")
	}
}
