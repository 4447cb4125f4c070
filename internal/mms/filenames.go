// Package mms signs upload filenames for the out-of-scope image
// server (spec.md §1, §6): given a random name, it shards it into a
// three-level directory path and appends a keyed HMAC digest so the
// mms server can reject names it did not hand out.
package mms

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Signer issues and signs upload filenames against mms_key.
type Signer struct {
	host string
	key  []byte
}

func NewSigner(host, key string) *Signer {
	return &Signer{host: host, key: []byte(key)}
}

// GenerateNames returns n signed upload URLs of the form
// "<host>/<a>/<b>/<cc>/<name>:<hex_digest>".
func (s *Signer) GenerateNames(n int) ([]string, error) {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		name, err := randomHexName(16)
		if err != nil {
			return nil, err
		}
		out = append(out, s.sign(name))
	}
	return out, nil
}

// sign shards name into /<a>/<b>/<cc>/<name> and appends a keyed
// digest of that path, so the mms server can validate the name was
// actually issued by this worker.
func (s *Signer) sign(name string) string {
	path := fmt.Sprintf("/%s/%s/%s/%s", name[0:2], name[2:4], name[4:6], name)
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(path))
	digest := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("%s%s:%s", s.host, path, digest)
}

func randomHexName(n int) (string, error) {
	buf := make([]byte, n/2)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
