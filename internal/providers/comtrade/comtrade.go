package comtrade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"tradeharvest/internal/model"
	"tradeharvest/internal/providers"
)

const (
	defaultBaseURL         = "https://comtradeapi.un.org/"
	defaultDataPath        = "data/v1/get/{type}/{freq}/{cl}"
	defaultAPIKeyParam     = "subscription-key"
	defaultType            = "C"
	defaultFrequency       = "M"
	defaultClassification  = "HS"
	defaultBreakdownMode   = "classic"
	defaultFormat          = "JSON"
	defaultMaxRecords      = 500
	defaultRateLimitPerSec = 2
	defaultRateLimitBurst  = 2
	defaultTimeoutSeconds  = 30
	defaultUserAgent       = "TradeHarvest/0.1"
)

var ErrQuotaExceeded = errors.New("comtrade: quota exceeded")
var ErrMissingAPIKey = errors.New("comtrade: api key is required (COMTRADE_PRIMARY_KEY)")

type Config struct {
	BaseURL         string
	DataPath        string
	APIKeyPrimary   string
	APIKeySecondary string
	APIKeyParam     string
	Type            string
	Frequency       string
	Classification  string
	BreakdownMode   string
	Format          string
	MaxRecords      int
	Timeout         time.Duration
	UserAgent       string
	RateLimitPerSec int
	RateLimitBurst  int
}

type Provider struct {
	config  Config
	client  *http.Client
	limiter *rate.Limiter
}

func New() (*Provider, error) {
	return NewWithConfig(ConfigFromEnv())
}

func NewWithConfig(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(cfg.DataPath) == "" {
		cfg.DataPath = defaultDataPath
	}
	if strings.TrimSpace(cfg.APIKeyParam) == "" {
		cfg.APIKeyParam = defaultAPIKeyParam
	}
	if strings.TrimSpace(cfg.Type) == "" {
		cfg.Type = defaultType
	}
	if strings.TrimSpace(cfg.Frequency) == "" {
		cfg.Frequency = defaultFrequency
	}
	if strings.TrimSpace(cfg.Classification) == "" {
		cfg.Classification = defaultClassification
	}
	if strings.TrimSpace(cfg.BreakdownMode) == "" {
		cfg.BreakdownMode = defaultBreakdownMode
	}
	if strings.TrimSpace(cfg.Format) == "" {
		cfg.Format = defaultFormat
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = defaultMaxRecords
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeoutSeconds * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = defaultRateLimitPerSec
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaultRateLimitBurst
	}

	return &Provider{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst),
	}, nil
}

func ConfigFromEnv() Config {
	return Config{
		BaseURL:         getenv("COMTRADE_BASE_URL", defaultBaseURL),
		DataPath:        getenv("COMTRADE_DATA_PATH", defaultDataPath),
		APIKeyPrimary:   strings.TrimSpace(os.Getenv("COMTRADE_PRIMARY_KEY")),
		APIKeySecondary: strings.TrimSpace(os.Getenv("COMTRADE_SECONDARY_KEY")),
		APIKeyParam:     getenv("COMTRADE_API_KEY_PARAM", defaultAPIKeyParam),
		Type:            getenv("COMTRADE_TYPE", defaultType),
		Frequency:       getenv("COMTRADE_FREQUENCY", defaultFrequency),
		Classification:  getenv("COMTRADE_CLASSIFICATION", defaultClassification),
		BreakdownMode:   getenv("COMTRADE_BREAKDOWN_MODE", defaultBreakdownMode),
		Format:          getenv("COMTRADE_FORMAT", defaultFormat),
		MaxRecords:      getenvInt("COMTRADE_MAX_RECORDS", defaultMaxRecords),
		Timeout:         time.Duration(getenvInt("COMTRADE_TIMEOUT_SECONDS", defaultTimeoutSeconds)) * time.Second,
		UserAgent:       getenv("COMTRADE_USER_AGENT", defaultUserAgent),
		RateLimitPerSec: getenvInt("COMTRADE_RATE_LIMIT_PER_SEC", defaultRateLimitPerSec),
		RateLimitBurst:  getenvInt("COMTRADE_RATE_LIMIT_BURST", defaultRateLimitBurst),
	}
}

func (p *Provider) Name() string {
	return "comtrade"
}

// Fetch performs exactly one call for the query and classifies the body.
// Retry policy belongs to the caller; this method never sleeps beyond the
// outbound rate limiter.
func (p *Provider) Fetch(ctx context.Context, query model.Query) (model.RawResult, error) {
	body, err := p.doRequest(ctx, p.dataURL(query), p.queryParams(query))
	if err != nil {
		return model.RawResult{}, err
	}
	return classify(body), nil
}

func (p *Provider) queryParams(query model.Query) url.Values {
	params := url.Values{}
	params.Set("period", query.Period)
	params.Set("reporterCode", query.ReporterCode)
	params.Set("cmdCode", query.CommodityCode)
	params.Set("flowCode", query.Flow.WireCode())
	params.Set("format", p.config.Format)

	if query.PartnerCode != "" {
		params.Set("partnerCode", query.PartnerCode)
	}
	if query.Partner2Code != "" {
		params.Set("partner2Code", query.Partner2Code)
	}
	if query.CustomsCode != "" {
		params.Set("customsCode", query.CustomsCode)
	}
	if query.MotCode != "" {
		params.Set("motCode", query.MotCode)
	}
	maxRecords := query.MaxRecords
	if maxRecords <= 0 {
		maxRecords = p.config.MaxRecords
	}
	params.Set("maxRecords", strconv.Itoa(maxRecords))
	if query.AggregateBy != "" {
		params.Set("aggregateBy", query.AggregateBy)
	}
	breakdown := query.BreakdownMode
	if breakdown == "" {
		breakdown = p.config.BreakdownMode
	}
	params.Set("breakdownMode", breakdown)
	if query.CountOnly {
		params.Set("countOnly", "true")
	}
	params.Set("includeDesc", strconv.FormatBool(query.IncludeDesc))
	return params
}

func (p *Provider) dataURL(query model.Query) string {
	typeCode := query.TypeCode
	if typeCode == "" {
		typeCode = p.config.Type
	}
	freqCode := query.FreqCode
	if freqCode == "" {
		freqCode = p.config.Frequency
	}
	classification := query.Classification
	if classification == "" {
		classification = p.config.Classification
	}

	path := strings.TrimLeft(p.config.DataPath, "/")
	path = strings.ReplaceAll(path, "{type}", url.PathEscape(typeCode))
	path = strings.ReplaceAll(path, "{freq}", url.PathEscape(freqCode))
	path = strings.ReplaceAll(path, "{cl}", url.PathEscape(classification))

	return strings.TrimRight(p.config.BaseURL, "/") + "/" + path
}

func (p *Provider) doRequest(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	apiKey := p.config.APIKeyPrimary
	if strings.TrimSpace(apiKey) == "" {
		apiKey = p.config.APIKeySecondary
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrMissingAPIKey
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	uri, err := p.buildURL(endpoint, params, apiKey)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Ocp-Apim-Subscription-Key", apiKey)
	if p.config.UserAgent != "" {
		req.Header.Set("User-Agent", p.config.UserAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		if resp.StatusCode == http.StatusForbidden && isQuotaExceeded(body) {
			return nil, fmt.Errorf("%w: %s", ErrQuotaExceeded, strings.TrimSpace(string(body)))
		}
		return nil, fmt.Errorf("comtrade: request failed (%s): %s", resp.Status, strings.TrimSpace(string(body)))
	}

	return body, nil
}

func (p *Provider) buildURL(endpoint string, params url.Values, apiKey string) (string, error) {
	query := url.Values{}
	for key, values := range params {
		for _, value := range values {
			query.Add(key, value)
		}
	}
	if strings.TrimSpace(apiKey) != "" && strings.TrimSpace(p.config.APIKeyParam) != "" {
		query.Set(p.config.APIKeyParam, apiKey)
	}
	if len(query) > 0 {
		return endpoint + "?" + query.Encode(), nil
	}
	return endpoint, nil
}

// classify decides what kind of payload a 2xx body is. A body that cannot be
// decoded, or decodes to something without a recognizable data array, is
// malformed; a recognizable but empty data array is an empty result.
func classify(body []byte) model.RawResult {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return model.RawResult{Kind: model.PayloadMalformed, Original: body}
	}

	items, ok := dataItems(payload)
	if !ok {
		if countIsZero(payload) {
			return model.RawResult{Kind: model.PayloadEmpty}
		}
		return model.RawResult{Kind: model.PayloadMalformed, Original: body}
	}
	if len(items) == 0 {
		return model.RawResult{Kind: model.PayloadEmpty}
	}

	rows := toRowList(items)
	if len(rows) == 0 {
		return model.RawResult{Kind: model.PayloadMalformed, Original: body}
	}
	return model.RawResult{Kind: model.PayloadTabular, Rows: rows}
}

func dataItems(payload any) ([]any, bool) {
	switch typed := payload.(type) {
	case []any:
		return typed, true
	case map[string]any:
		for _, key := range []string{"data", "Data", "dataset", "Dataset", "results", "Results"} {
			if raw, ok := typed[key]; ok {
				if items, ok := raw.([]any); ok {
					return items, true
				}
			}
		}
		return nil, false
	default:
		return nil, false
	}
}

func countIsZero(payload any) bool {
	typed, ok := payload.(map[string]any)
	if !ok {
		return false
	}
	for _, key := range []string{"count", "Count"} {
		if raw, ok := typed[key]; ok {
			if count, ok := raw.(float64); ok {
				return count == 0
			}
		}
	}
	return false
}

func toRowList(items []any) []map[string]any {
	rows := make([]map[string]any, 0, len(items))
	for _, item := range items {
		row, ok := item.(map[string]any)
		if !ok {
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

func isQuotaExceeded(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		if message, ok := payload["message"].(string); ok {
			return strings.Contains(strings.ToLower(message), "quota")
		}
	}
	return strings.Contains(strings.ToLower(string(body)), "quota")
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

var _ providers.Provider = (*Provider)(nil)
