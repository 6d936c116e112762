package cryptoprim

import "testing"

func TestSignVerifyRoundTrip(t *testing.T) {
	secret := []byte("top-secret")
	payload := []byte(`{"a":1}`)

	sig := Sign(secret, payload)
	if !Verify(secret, payload, sig) {
		t.Fatal("expected signature to verify")
	}

	if Verify([]byte("wrong-secret"), payload, sig) {
		t.Fatal("expected verification to fail with wrong secret")
	}
	if Verify(secret, []byte(`{"a":2}`), sig) {
		t.Fatal("expected verification to fail with tampered payload")
	}
	if Verify(secret, payload, "not-hex") {
		t.Fatal("expected verification to fail on malformed signature")
	}
}

func TestCanonicalSortsKeys(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": 3}
	b := map[string]any{"c": 3, "a": 2, "b": 1}

	ca, err := Canonical(a)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := Canonical(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(ca) != string(cb) {
		t.Fatalf("canonical forms differ: %s vs %s", ca, cb)
	}
	want := `{"a":2,"b":1,"c":3}`
	if string(ca) != want {
		t.Fatalf("got %s, want %s", ca, want)
	}
}

func TestRandomSecretLength(t *testing.T) {
	s, err := RandomSecret(32)
	if err != nil {
		t.Fatal(err)
	}
	if len(s) == 0 {
		t.Fatal("expected non-empty secret")
	}
	s2, err := RandomSecret(32)
	if err != nil {
		t.Fatal(err)
	}
	if s == s2 {
		t.Fatal("expected distinct random secrets")
	}
}
