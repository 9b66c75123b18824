package route

import "testing"

func TestRegisterThenGetReturnsCurrent(t *testing.T) {
	r := NewRegistry()
	r.Register("tok1", Config{Provider: "anthropic", APIKey: "k1"})

	cfg, ok := r.Get("tok1")
	if !ok {
		t.Fatal("expected token to be found")
	}
	if cfg.APIKey != "k1" {
		t.Fatalf("expected APIKey k1, got %q", cfg.APIKey)
	}
}

func TestUpdateDoesNotAffectInFlightTurn(t *testing.T) {
	r := NewRegistry()
	r.Register("tok1", Config{APIKey: "k1"})

	// Simulate an in-flight HTTP request reading current credentials.
	inFlight, _ := r.Get("tok1")
	if inFlight.APIKey != "k1" {
		t.Fatalf("expected k1 before update, got %q", inFlight.APIKey)
	}

	if err := r.Update("tok1", Config{APIKey: "k2"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The in-flight request's already-read config is unaffected because
	// Config is a value type copied out of Get.
	if inFlight.APIKey != "k1" {
		t.Fatalf("in-flight config should remain k1, got %q", inFlight.APIKey)
	}

	// The next Get call performs the swap and observes k2.
	next, _ := r.Get("tok1")
	if next.APIKey != "k2" {
		t.Fatalf("expected next Get to observe k2, got %q", next.APIKey)
	}
}

func TestUpdateUnknownToken(t *testing.T) {
	r := NewRegistry()
	if err := r.Update("missing", Config{}); err != ErrUnknownToken {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register("tok1", Config{APIKey: "k1"})
	r.Unregister("tok1")

	if _, ok := r.Get("tok1"); ok {
		t.Fatal("expected token to be gone after Unregister")
	}
}

func TestSwapOnlyHappensOnce(t *testing.T) {
	r := NewRegistry()
	r.Register("tok1", Config{APIKey: "k1"})
	r.Update("tok1", Config{APIKey: "k2"})

	first, _ := r.Get("tok1")
	second, _ := r.Get("tok1")
	if first.APIKey != "k2" || second.APIKey != "k2" {
		t.Fatalf("expected both reads to see k2 after swap, got %q then %q", first.APIKey, second.APIKey)
	}
}
