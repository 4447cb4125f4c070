package identity

import (
	"testing"
	"time"
)

func TestGeneratePasswordLengthAndAlphabet(t *testing.T) {
	pw, err := GeneratePassword(16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pw) != 16 {
		t.Fatalf("expected length 16, got %d", len(pw))
	}
	for _, r := range pw {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			t.Fatalf("unexpected character %q in password", r)
		}
	}
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !VerifyPassword(hash, "s3cret") {
		t.Fatal("expected matching password to verify")
	}
	if VerifyPassword(hash, "wrong") {
		t.Fatal("expected mismatched password to fail verification")
	}
}

func TestParseUserRecord(t *testing.T) {
	rec, ok := ParseUserRecord([]string{"hash123", "10", "4", "1700000000"})
	if !ok {
		t.Fatal("expected ok")
	}
	if rec.PasswordHash != "hash123" || rec.Allowed != 10 || rec.Remaining != 4 || rec.Deadline != 1700000000 {
		t.Fatalf("got %+v", rec)
	}
}

func TestParseUserRecordMissingUser(t *testing.T) {
	if _, ok := ParseUserRecord([]string{"", "", "", ""}); ok {
		t.Fatal("expected not ok for missing user")
	}
	if _, ok := ParseUserRecord(nil); ok {
		t.Fatal("expected not ok for empty fields")
	}
}

func TestRefreshIfExpiredResetsWhenPastDeadline(t *testing.T) {
	now := time.Unix(1000, 0)
	rec := UserRecord{Allowed: 5, Remaining: 0, Deadline: 999}
	if !RefreshIfExpired(&rec, now, time.Hour) {
		t.Fatal("expected refresh to happen")
	}
	if rec.Remaining != 5 {
		t.Fatalf("expected remaining reset to allowed, got %d", rec.Remaining)
	}
	if rec.Deadline != now.Add(time.Hour).Unix() {
		t.Fatalf("unexpected new deadline %d", rec.Deadline)
	}
}

func TestRefreshIfExpiredNoopBeforeDeadline(t *testing.T) {
	now := time.Unix(1000, 0)
	rec := UserRecord{Allowed: 5, Remaining: 2, Deadline: 2000}
	if RefreshIfExpired(&rec, now, time.Hour) {
		t.Fatal("expected no refresh before deadline")
	}
	if rec.Remaining != 2 {
		t.Fatalf("expected remaining untouched, got %d", rec.Remaining)
	}
}
