package authstub

import "testing"

func TestIssueAndResolve(t *testing.T) {
	ts := New()
	token := ts.Issue("u1")

	userID, ok := ts.UserID(token)
	if !ok {
		t.Fatal("expected token to resolve")
	}
	if userID != "u1" {
		t.Errorf("userID = %q, want u1", userID)
	}
}

func TestRevoke(t *testing.T) {
	ts := New()
	token := ts.Issue("u1")
	ts.Revoke(token)

	if _, ok := ts.UserID(token); ok {
		t.Fatal("expected token to be revoked")
	}
}

func TestUnknownTokenDoesNotResolve(t *testing.T) {
	ts := New()
	if _, ok := ts.UserID("bogus"); ok {
		t.Fatal("expected an unknown token to not resolve")
	}
}

func TestHashAndComparePassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := ComparePassword(hash, "correct horse battery staple"); err != nil {
		t.Fatalf("ComparePassword with the right password: %v", err)
	}
	if err := ComparePassword(hash, "wrong password"); err == nil {
		t.Fatal("expected ComparePassword to reject the wrong password")
	}
}
