// Package enrich resolves best-effort context for a monitored address:
// geolocation, abuse reputation and exposed services. Every lookup is
// bounded by a timeout and cached; callers treat any error as "no data".
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/signalnine/ipwatch/internal/protocol"
)

// ErrLookupFailed means a source answered but had no usable record
var ErrLookupFailed = errors.New("enrichment lookup failed")

// Reputation is the AbuseIPDB view of an address
type Reputation struct {
	AbuseConfidence int `json:"abuseConfidenceScore"`
	TotalReports    int `json:"totalReports"`
}

// Services is the Shodan view of an address
type Services struct {
	Ports []int `json:"ports"`
}

// Config configures the enrichment sources
type Config struct {
	GeoIPURL     string
	AbuseIPDBURL string
	AbuseIPDBKey string
	ShodanURL    string
	ShodanKey    string
	Timeout      time.Duration
	CacheTTL     time.Duration
	CacheSize    int
}

// DefaultConfig returns public endpoints with no API keys
func DefaultConfig() Config {
	return Config{
		GeoIPURL:     "http://ip-api.com/json",
		AbuseIPDBURL: "https://api.abuseipdb.com/api/v2/check",
		ShodanURL:    "https://api.shodan.io/shodan/host",
		Timeout:      5 * time.Second,
		CacheTTL:     time.Hour,
		CacheSize:    4096,
	}
}

// Enricher looks up enrichment data with a per-source TTL cache
type Enricher struct {
	cfg    Config
	client *http.Client

	geo      *expirable.LRU[string, protocol.GeoLocation]
	rep      *expirable.LRU[string, Reputation]
	services *expirable.LRU[string, Services]
}

// New creates an enricher. Sources without an API key are skipped.
func New(cfg Config) *Enricher {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}

	return &Enricher{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		geo:      expirable.NewLRU[string, protocol.GeoLocation](cfg.CacheSize, nil, cfg.CacheTTL),
		rep:      expirable.NewLRU[string, Reputation](cfg.CacheSize, nil, cfg.CacheTTL),
		services: expirable.NewLRU[string, Services](cfg.CacheSize, nil, cfg.CacheTTL),
	}
}

// GeoLocate resolves country/city/coordinates/ISP/ASN via an ip-api.com style endpoint
func (e *Enricher) GeoLocate(ctx context.Context, address string) (protocol.GeoLocation, error) {
	if g, ok := e.geo.Get(address); ok {
		return g, nil
	}
	if e.cfg.GeoIPURL == "" {
		return protocol.GeoLocation{}, fmt.Errorf("%w: geoip not configured", ErrLookupFailed)
	}

	var resp struct {
		Status  string  `json:"status"`
		Message string  `json:"message"`
		Country string  `json:"country"`
		City    string  `json:"city"`
		Lat     float64 `json:"lat"`
		Lon     float64 `json:"lon"`
		ISP     string  `json:"isp"`
		AS      string  `json:"as"`
	}
	url := strings.TrimSuffix(e.cfg.GeoIPURL, "/") + "/" + address
	if err := e.getJSON(ctx, url, nil, &resp); err != nil {
		return protocol.GeoLocation{}, err
	}
	if resp.Status != "success" {
		return protocol.GeoLocation{}, fmt.Errorf("%w: geoip %s: %s", ErrLookupFailed, address, resp.Message)
	}

	g := protocol.GeoLocation{
		Country:   orUnknown(resp.Country),
		City:      orUnknown(resp.City),
		Latitude:  resp.Lat,
		Longitude: resp.Lon,
		ISP:       orUnknown(resp.ISP),
		ASN:       orUnknown(firstField(resp.AS)),
	}
	e.geo.Add(address, g)
	return g, nil
}

// Reputation fetches the AbuseIPDB confidence score
func (e *Enricher) Reputation(ctx context.Context, address string) (Reputation, error) {
	if r, ok := e.rep.Get(address); ok {
		return r, nil
	}
	if e.cfg.AbuseIPDBKey == "" {
		return Reputation{}, fmt.Errorf("%w: abuseipdb not configured", ErrLookupFailed)
	}

	var resp struct {
		Data *Reputation `json:"data"`
	}
	url := e.cfg.AbuseIPDBURL + "?maxAgeInDays=90&ipAddress=" + address
	headers := map[string]string{"Key": e.cfg.AbuseIPDBKey, "Accept": "application/json"}
	if err := e.getJSON(ctx, url, headers, &resp); err != nil {
		return Reputation{}, err
	}
	if resp.Data == nil {
		return Reputation{}, fmt.Errorf("%w: abuseipdb %s: no data", ErrLookupFailed, address)
	}

	e.rep.Add(address, *resp.Data)
	return *resp.Data, nil
}

// Services fetches the open ports Shodan has observed
func (e *Enricher) Services(ctx context.Context, address string) (Services, error) {
	if s, ok := e.services.Get(address); ok {
		return s, nil
	}
	if e.cfg.ShodanKey == "" {
		return Services{}, fmt.Errorf("%w: shodan not configured", ErrLookupFailed)
	}

	var resp Services
	url := strings.TrimSuffix(e.cfg.ShodanURL, "/") + "/" + address + "?key=" + e.cfg.ShodanKey
	if err := e.getJSON(ctx, url, nil, &resp); err != nil {
		return Services{}, err
	}

	e.services.Add(address, resp)
	return resp, nil
}

func (e *Enricher) getJSON(ctx context.Context, url string, headers map[string]string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: HTTP %d: %s", ErrLookupFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrLookupFailed, err)
	}
	return nil
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return protocol.UnknownPlaceholder
	}
	return s
}

// firstField extracts "AS15169" from "AS15169 Google LLC"
func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
