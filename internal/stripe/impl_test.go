package stripe_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stripe/stripe-go/v82"

	stripeinternal "github.com/nyashahama/licensekeys-backend/internal/stripe"
)

// fakeAPI answers GET /v1/checkout/sessions/{id} and records the bearer key
// each session id was requested with.
func fakeAPI(t *testing.T) (*stripe.Backends, func(id string) []string) {
	t.Helper()
	var (
		mu   sync.Mutex
		keys = map[string][]string{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/v1/checkout/sessions/")
		mu.Lock()
		keys[id] = append(keys[id], strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":%q,"object":"checkout.session","url":"https://checkout.stripe.test/%s","status":"open","payment_status":"unpaid","expires_at":1893456000}`, id, id)
	}))
	t.Cleanup(srv.Close)

	b := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	backends := &stripe.Backends{API: b, Connect: b, Uploads: b, MeterEvents: b}
	return backends, func(id string) []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), keys[id]...)
	}
}

func TestClient_KeysStayPerInstanceUnderConcurrency(t *testing.T) {
	backends, keysFor := fakeAPI(t)
	before := stripe.Key

	a := stripeinternal.NewClient("sk_test_a", stripe.WithBackends(backends))
	b := stripeinternal.NewClient("sk_test_b", stripe.WithBackends(backends))

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := a.GetCheckoutSession(context.Background(), fmt.Sprintf("cs_a_%d", i)); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := b.GetCheckoutSession(context.Background(), fmt.Sprintf("cs_b_%d", i)); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("GetCheckoutSession: %v", err)
	}

	for i := 0; i < 20; i++ {
		if got := keysFor(fmt.Sprintf("cs_a_%d", i)); len(got) != 1 || got[0] != "sk_test_a" {
			t.Errorf("cs_a_%d sent with keys %v, want [sk_test_a]", i, got)
		}
		if got := keysFor(fmt.Sprintf("cs_b_%d", i)); len(got) != 1 || got[0] != "sk_test_b" {
			t.Errorf("cs_b_%d sent with keys %v, want [sk_test_b]", i, got)
		}
	}
	if stripe.Key != before {
		t.Errorf("package-level stripe.Key changed to %q", stripe.Key)
	}
}

func TestClient_GetCheckoutSessionMapsFields(t *testing.T) {
	backends, _ := fakeAPI(t)
	c := stripeinternal.NewClient("sk_test_a", stripe.WithBackends(backends))

	s, err := c.GetCheckoutSession(context.Background(), "cs_1")
	if err != nil {
		t.Fatalf("GetCheckoutSession: %v", err)
	}
	if s.ID != "cs_1" || s.URL != "https://checkout.stripe.test/cs_1" {
		t.Errorf("unexpected session %+v", s)
	}
	if s.Status != stripeinternal.SessionOpen || s.PaymentStatus != "unpaid" {
		t.Errorf("status=%q payment_status=%q", s.Status, s.PaymentStatus)
	}
	if s.ExpiresAt.Unix() != 1893456000 {
		t.Errorf("expires_at = %v", s.ExpiresAt)
	}
}
