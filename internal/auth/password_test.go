package auth

import "testing"

func TestHashPasswordSaltsEveryCall(t *testing.T) {
	first, err := HashPassword("correct horse battery", 4)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	second, err := HashPassword("correct horse battery", 4)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct hashes for the same password")
	}
	if !VerifyPassword(first, "correct horse battery") {
		t.Fatalf("first hash failed to verify")
	}
	if !VerifyPassword(second, "correct horse battery") {
		t.Fatalf("second hash failed to verify")
	}
}

func TestVerifyPasswordRejectsWrongPassword(t *testing.T) {
	hash, err := HashPassword("s3cret-password", 4)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if VerifyPassword(hash, "not-the-password") {
		t.Fatalf("wrong password verified")
	}
}

func TestVerifyPasswordMalformedHash(t *testing.T) {
	for _, hash := range []string{"", "not-a-bcrypt-hash", "$2a$garbage"} {
		if VerifyPassword(hash, "anything") {
			t.Fatalf("malformed hash %q verified", hash)
		}
	}
}

func TestHashPasswordRejectsEmpty(t *testing.T) {
	if _, err := HashPassword("", 4); err == nil {
		t.Fatalf("expected error for empty password")
	}
}
