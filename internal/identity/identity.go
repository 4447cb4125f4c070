// Package identity implements the user-record side of register/login
// (spec.md §4.6): password generation and hashing, quota bookkeeping,
// and parsing the HMGET tuple the Redis facade returns for
// retrieve_user_data.
package identity

import (
	"crypto/rand"
	"strconv"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GeneratePassword produces a random plaintext password of length n
// using a CSPRNG, the modern replacement for the source's ad-hoc
// "pwd_gen" counter-based scheme.
func GeneratePassword(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = passwordAlphabet[int(b)%len(passwordAlphabet)]
	}
	return string(out), nil
}

// HashPassword hashes a plaintext password for storage.
func HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	return string(hash), err
}

// VerifyPassword performs a constant-time comparison between a stored
// hash and a candidate plaintext password, per spec.md §4.6's
// "constant-time compare".
func VerifyPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// UserRecord mirrors the `id:<user>` Redis hash: password hash, quota
// allowance, remaining publishes, and the epoch second the quota
// resets.
type UserRecord struct {
	PasswordHash string
	Allowed      int
	Remaining    int
	Deadline     int64
}

// ParseUserRecord interprets the four-field HMGET reply
// (password, allowed, remaining, deadline) retrieve_user_data returns.
// ok is false if the user does not exist (all fields nil/empty, which
// is how a missing hash key surfaces through HMGET).
func ParseUserRecord(fields []string) (rec UserRecord, ok bool) {
	if len(fields) != 4 || fields[0] == "" {
		return UserRecord{}, false
	}
	rec.PasswordHash = fields[0]
	rec.Allowed, _ = strconv.Atoi(fields[1])
	rec.Remaining, _ = strconv.Atoi(fields[2])
	rec.Deadline, _ = strconv.ParseInt(fields[3], 10, 64)
	return rec, true
}

// RefreshIfExpired resets Remaining to Allowed and pushes Deadline
// forward by interval when now has passed the current deadline. It
// reports whether a refresh happened, so the caller knows whether to
// persist the change back to Redis.
func RefreshIfExpired(rec *UserRecord, now time.Time, interval time.Duration) bool {
	if now.Unix() < rec.Deadline {
		return false
	}
	rec.Remaining = rec.Allowed
	rec.Deadline = now.Add(interval).Unix()
	return true
}
