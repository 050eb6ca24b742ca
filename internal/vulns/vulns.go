// Package vulns looks up CVE records from the NVD API to enrich stored
// vulnerability objects.
package vulns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ErrUnknownCVE is returned when the source has no record for an id.
var ErrUnknownCVE = errors.New("cve not found")

// Record is the enrichment data for one CVE.
type Record struct {
	ID           string
	Description  string
	BaseScore    float64
	Severity     string
	Published    *time.Time
	LastModified *time.Time
	Weaknesses   []string
}

// Source resolves CVE ids.
type Source interface {
	Lookup(ctx context.Context, cveID string) (*Record, error)
}

// NVDClient queries the NVD CVE 2.0 API.
type NVDClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

func NewNVDClient(baseURL, apiKey string, requestsPerSec float64, timeout time.Duration) *NVDClient {
	var limiter *rate.Limiter
	if requestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSec), 1)
	}
	return &NVDClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
	}
}

type nvdResponse struct {
	Vulnerabilities []struct {
		CVE struct {
			ID           string `json:"id"`
			Published    string `json:"published"`
			LastModified string `json:"lastModified"`
			Descriptions []struct {
				Lang  string `json:"lang"`
				Value string `json:"value"`
			} `json:"descriptions"`
			Metrics struct {
				CvssMetricV31 []struct {
					CvssData struct {
						BaseScore    float64 `json:"baseScore"`
						BaseSeverity string  `json:"baseSeverity"`
					} `json:"cvssData"`
				} `json:"cvssMetricV31"`
			} `json:"metrics"`
			Weaknesses []struct {
				Description []struct {
					Value string `json:"value"`
				} `json:"description"`
			} `json:"weaknesses"`
		} `json:"cve"`
	} `json:"vulnerabilities"`
}

func (c *NVDClient) Lookup(ctx context.Context, cveID string) (*Record, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	q := url.Values{}
	q.Set("cveId", cveID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rest/json/cves/2.0?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("apiKey", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nvd: lookup %s: %w", cveID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrUnknownCVE
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nvd: lookup %s: status %d", cveID, resp.StatusCode)
	}

	var body nvdResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("nvd: decode %s: %w", cveID, err)
	}
	if len(body.Vulnerabilities) == 0 {
		return nil, ErrUnknownCVE
	}

	cve := body.Vulnerabilities[0].CVE
	rec := &Record{
		ID:           cve.ID,
		Published:    parseTime(cve.Published),
		LastModified: parseTime(cve.LastModified),
	}
	for _, d := range cve.Descriptions {
		if d.Lang == "en" {
			rec.Description = d.Value
			break
		}
	}
	if m := cve.Metrics.CvssMetricV31; len(m) > 0 {
		rec.BaseScore = m[0].CvssData.BaseScore
		rec.Severity = m[0].CvssData.BaseSeverity
	}
	for _, w := range cve.Weaknesses {
		for _, d := range w.Description {
			if strings.HasPrefix(d.Value, "CWE-") {
				rec.Weaknesses = append(rec.Weaknesses, d.Value)
			}
		}
	}
	return rec, nil
}

func parseTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
