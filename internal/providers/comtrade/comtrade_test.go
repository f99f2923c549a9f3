package comtrade

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"tradeharvest/internal/model"
)

func testProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	provider, err := NewWithConfig(Config{
		BaseURL:         server.URL,
		APIKeyPrimary:   "test-key",
		RateLimitPerSec: 1000,
		RateLimitBurst:  1000,
	})
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	return provider
}

func testQuery() model.Query {
	return model.Query{
		Period:        "202201",
		ReporterCode:  "504",
		CommodityCode: "01",
		Flow:          model.FlowImport,
		IncludeDesc:   true,
	}
}

func TestFetchTabular(t *testing.T) {
	provider := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"count":2,"data":[{"reporterDesc":"Morocco","cifvalue":1000.5},{"reporterDesc":"Morocco","cifvalue":2.5}]}`))
	})

	raw, err := provider.Fetch(context.Background(), testQuery())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if raw.Kind != model.PayloadTabular {
		t.Fatalf("kind = %s, want tabular", raw.Kind)
	}
	if len(raw.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(raw.Rows))
	}
}

func TestFetchEmpty(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty data array", `{"count":0,"data":[]}`},
		{"count zero without data", `{"count":0}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			})
			raw, err := provider.Fetch(context.Background(), testQuery())
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			if raw.Kind != model.PayloadEmpty {
				t.Fatalf("kind = %s, want empty", raw.Kind)
			}
		})
	}
}

func TestFetchMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `<html>maintenance</html>`},
		{"error object", `{"errorCode":400,"errorMessage":"invalid cmdCode"}`},
		{"scalar", `42`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			})
			raw, err := provider.Fetch(context.Background(), testQuery())
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			if raw.Kind != model.PayloadMalformed {
				t.Fatalf("kind = %s, want malformed", raw.Kind)
			}
			if len(raw.Original) == 0 {
				t.Error("malformed result should carry the original body")
			}
		})
	}
}

func TestFetchTransportErrorIsNotEmpty(t *testing.T) {
	provider := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	})

	_, err := provider.Fetch(context.Background(), testQuery())
	if err == nil {
		t.Fatal("expected an error for a non-success status")
	}
}

func TestFetchQuotaExceeded(t *testing.T) {
	provider := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"Out of call volume quota. Quota will be replenished in 01:00:00."}`))
	})

	_, err := provider.Fetch(context.Background(), testQuery())
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}
}

func TestFetchRequiresAPIKey(t *testing.T) {
	provider, err := NewWithConfig(Config{BaseURL: "http://localhost:0"})
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	_, err = provider.Fetch(context.Background(), testQuery())
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("err = %v, want ErrMissingAPIKey", err)
	}
}

func TestFetchEncodesQueryParameters(t *testing.T) {
	var got map[string]string
	provider := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		got = map[string]string{}
		for key := range r.URL.Query() {
			got[key] = r.URL.Query().Get(key)
		}
		w.Write([]byte(`{"count":0,"data":[]}`))
	})

	query := testQuery()
	query.PartnerCode = "842"
	query.MaxRecords = 250
	if _, err := provider.Fetch(context.Background(), query); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	want := map[string]string{
		"period":        "202201",
		"reporterCode":  "504",
		"cmdCode":       "01",
		"flowCode":      "M",
		"partnerCode":   "842",
		"maxRecords":    "250",
		"includeDesc":   "true",
		"breakdownMode": "classic",
	}
	for key, value := range want {
		if got[key] != value {
			t.Errorf("param %s = %q, want %q", key, got[key], value)
		}
	}
	if got["subscription-key"] != "test-key" {
		t.Errorf("subscription-key = %q, want test-key", got["subscription-key"])
	}
}

func TestDataURLSubstitution(t *testing.T) {
	provider, err := NewWithConfig(Config{BaseURL: "https://example.org", APIKeyPrimary: "k"})
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}

	got := provider.dataURL(model.Query{TypeCode: "C", FreqCode: "M", Classification: "HS"})
	want := "https://example.org/data/v1/get/C/M/HS"
	if got != want {
		t.Errorf("dataURL = %q, want %q", got, want)
	}
}
