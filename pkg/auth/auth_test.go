package auth

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

type voteAuthn struct {
	result Result
}

func (v *voteAuthn) Authenticate(_ context.Context, _ *http.Request) Result {
	return v.result
}

func chatRequest(t *testing.T) *http.Request {
	t.Helper()
	r, err := http.NewRequest("POST", "/api/chat", nil)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestChainFirstYesStops(t *testing.T) {
	chain := &Chain{
		Authenticators: []Authenticator{
			&voteAuthn{result: Result{Decision: Yes, Identity: &Identity{Subject: "analyst"}}},
			&voteAuthn{result: Result{Decision: No, Err: ErrUnauthenticated}},
		},
		DefaultDecision: No,
	}

	result := chain.Authenticate(context.Background(), chatRequest(t))
	if result.Decision != Yes {
		t.Fatalf("Decision = %d, want Yes", result.Decision)
	}
	if result.Identity.Subject != "analyst" {
		t.Errorf("Subject = %q, want analyst", result.Identity.Subject)
	}
}

func TestChainFirstNoStops(t *testing.T) {
	chain := &Chain{
		Authenticators: []Authenticator{
			&voteAuthn{result: Result{Decision: No, Err: ErrUnauthenticated}},
			&voteAuthn{result: Result{Decision: Yes, Identity: &Identity{Subject: "analyst"}}},
		},
		DefaultDecision: No,
	}

	result := chain.Authenticate(context.Background(), chatRequest(t))
	if result.Decision != No {
		t.Errorf("Decision = %d, want No", result.Decision)
	}
	if !errors.Is(result.Err, ErrUnauthenticated) {
		t.Errorf("Err = %v, want ErrUnauthenticated", result.Err)
	}
}

func TestChainAllAbstainDefaultNo(t *testing.T) {
	chain := &Chain{
		Authenticators: []Authenticator{
			&voteAuthn{result: Result{Decision: Abstain}},
			&voteAuthn{result: Result{Decision: Abstain}},
		},
		DefaultDecision: No,
	}

	result := chain.Authenticate(context.Background(), chatRequest(t))
	if result.Decision != No {
		t.Errorf("Decision = %d, want No", result.Decision)
	}
}

func TestChainAllAbstainDefaultYes(t *testing.T) {
	chain := &Chain{
		Authenticators: []Authenticator{
			&voteAuthn{result: Result{Decision: Abstain}},
		},
		DefaultDecision: Yes,
	}

	result := chain.Authenticate(context.Background(), chatRequest(t))
	if result.Decision != Yes {
		t.Fatalf("Decision = %d, want Yes", result.Decision)
	}
	if result.Identity == nil || result.Identity.Subject == "" {
		t.Errorf("expected a default identity, got %+v", result.Identity)
	}
}

func TestChainEmptyUsesDefault(t *testing.T) {
	chain := &Chain{DefaultDecision: No}

	result := chain.Authenticate(context.Background(), chatRequest(t))
	if result.Decision != No {
		t.Errorf("Decision = %d, want No", result.Decision)
	}
}

func TestTenantIDFromMetadata(t *testing.T) {
	id := &Identity{Subject: "analyst", Metadata: map[string]string{"tenant_id": "acme"}}
	if got := id.TenantID(); got != "acme" {
		t.Errorf("TenantID = %q, want acme", got)
	}

	var nilID *Identity
	if got := nilID.TenantID(); got != "" {
		t.Errorf("nil TenantID = %q, want empty", got)
	}
}

func TestIdentityContextRoundTrip(t *testing.T) {
	id := &Identity{Subject: "analyst", ServiceTier: "pro"}
	ctx := SetIdentity(context.Background(), id)

	if got := IdentityFromContext(ctx); got != id {
		t.Errorf("IdentityFromContext = %+v, want %+v", got, id)
	}
	if got := IdentityFromContext(context.Background()); got != nil {
		t.Errorf("empty context identity = %+v, want nil", got)
	}
}

func TestLimiterEnforcesTierLimit(t *testing.T) {
	limiter := NewInProcessLimiter(map[string]TierConfig{
		"free": {RequestsPerMinute: 2},
	}, 100)
	id := &Identity{Subject: "analyst", ServiceTier: "free"}

	for i := 0; i < 2; i++ {
		if err := limiter.Allow(context.Background(), id); err != nil {
			t.Fatalf("request %d rejected: %v", i+1, err)
		}
	}
	if err := limiter.Allow(context.Background(), id); !errors.Is(err, ErrTooManyRequests) {
		t.Errorf("third request: err = %v, want ErrTooManyRequests", err)
	}
}

func TestLimiterUnknownTierUsesDefault(t *testing.T) {
	limiter := NewInProcessLimiter(nil, 1)
	id := &Identity{Subject: "analyst", ServiceTier: "enterprise"}

	if err := limiter.Allow(context.Background(), id); err != nil {
		t.Fatalf("first request rejected: %v", err)
	}
	if err := limiter.Allow(context.Background(), id); !errors.Is(err, ErrTooManyRequests) {
		t.Errorf("second request: err = %v, want ErrTooManyRequests", err)
	}
}

func TestLimiterZeroRPMIsUnlimited(t *testing.T) {
	limiter := NewInProcessLimiter(map[string]TierConfig{
		"internal": {RequestsPerMinute: 0},
	}, 1)
	id := &Identity{Subject: "batch", ServiceTier: "internal"}

	for i := 0; i < 10; i++ {
		if err := limiter.Allow(context.Background(), id); err != nil {
			t.Fatalf("request %d rejected: %v", i+1, err)
		}
	}
}

func TestLimiterSubjectsAreIndependent(t *testing.T) {
	limiter := NewInProcessLimiter(nil, 1)

	if err := limiter.Allow(context.Background(), &Identity{Subject: "a"}); err != nil {
		t.Fatalf("subject a rejected: %v", err)
	}
	if err := limiter.Allow(context.Background(), &Identity{Subject: "b"}); err != nil {
		t.Errorf("subject b rejected: %v", err)
	}
}
