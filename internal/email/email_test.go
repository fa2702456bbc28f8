package email

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestResendClient_Send(t *testing.T) {
	var got resendRequest
	var idem, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idem = r.Header.Get("Idempotency-Key")
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg_123"}`))
	}))
	defer srv.Close()

	c := NewResendClient("re_test", "orders@keys.example", "Keys Store").(*resendClient)
	c.endpoint = srv.URL

	id, err := c.Send(context.Background(), Message{
		To:             "buyer@example.com",
		Subject:        "Your keys",
		HTML:           "<p>hi</p>",
		Attachments:    []Attachment{{Filename: "invoice.pdf", Content: []byte("%PDF")}},
		IdempotencyKey: "stripe:evt_1:license_delivery",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "msg_123" {
		t.Errorf("expected msg_123, got %q", id)
	}
	if auth != "Bearer re_test" {
		t.Errorf("authorization header = %q", auth)
	}
	if idem != "stripe:evt_1:license_delivery" {
		t.Errorf("idempotency header = %q", idem)
	}
	if got.From != "Keys Store <orders@keys.example>" {
		t.Errorf("from = %q", got.From)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].Content != base64.StdEncoding.EncodeToString([]byte("%PDF")) {
		t.Errorf("attachments = %+v", got.Attachments)
	}
}

func TestResendClient_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":{"name":"validation_error","message":"bad to","statusCode":422}}`))
	}))
	defer srv.Close()

	c := NewResendClient("re_test", "orders@keys.example", "Keys Store").(*resendClient)
	c.endpoint = srv.URL

	_, err := c.Send(context.Background(), Message{To: "x", Subject: "s", HTML: "h"})
	if err == nil || !strings.Contains(err.Error(), "validation_error") {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		minor    int64
		currency string
		want     string
	}{
		{37980, "eur", "€379.80"},
		{5, "usd", "$0.05"},
		{18990, "chf", "189.90 CHF"},
	}
	for _, tt := range tests {
		if got := FormatAmount(tt.minor, tt.currency); got != tt.want {
			t.Errorf("FormatAmount(%d, %s) = %q, want %q", tt.minor, tt.currency, got, tt.want)
		}
	}
}

func TestLicenseDelivery_EscapesKeys(t *testing.T) {
	_, body := LicenseDelivery(OrderSummary{StoreName: "Keys", Reference: "MS-20261019-ABCDEF"}, []LicenseKey{
		{ProductName: "Office <Pro>", Key: "AAAAA-BBBBB"},
	})
	if !strings.Contains(body, "AAAAA-BBBBB") {
		t.Error("key missing from body")
	}
	if strings.Contains(body, "Office <Pro>") {
		t.Error("product name was not escaped")
	}
}
