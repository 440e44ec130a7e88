package kraken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
)

// signer produces the API-Sign header for private REST calls:
// HMAC-SHA512 of (path + SHA256(nonce + postdata)) keyed with the
// base64-decoded API secret.
type signer struct {
	apiKey string
	secret []byte
}

func newSigner(apiKey, apiSecret string) (*signer, error) {
	decoded, err := base64.StdEncoding.DecodeString(apiSecret)
	if err != nil {
		return nil, fmt.Errorf("decode api secret: %w", err)
	}
	return &signer{apiKey: apiKey, secret: decoded}, nil
}

func (s *signer) sign(path, nonce, postdata string) string {
	digest := sha256.Sum256([]byte(nonce + postdata))
	mac := hmac.New(sha512.New, s.secret)
	mac.Write([]byte(path))
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// nonceSource hands out strictly increasing nonces across goroutines.
// Nonces start at the current time in microseconds so restarts never
// reuse a value already seen by the venue.
type nonceSource struct {
	last atomic.Int64
	now  func() time.Time
}

func newNonceSource(now func() time.Time) *nonceSource {
	src := &nonceSource{now: now}
	src.last.Store(now().UnixMicro())
	return src
}

func (n *nonceSource) next() string {
	for {
		prev := n.last.Load()
		next := n.now().UnixMicro()
		if next <= prev {
			next = prev + 1
		}
		if n.last.CompareAndSwap(prev, next) {
			return strconv.FormatInt(next, 10)
		}
	}
}

// userrefCap bounds reference numbers to the venue's signed 32-bit
// userref field.
const userrefCap = 0x7fffffff

// clientOrderIDSource hands out monotonically increasing numeric client
// order ids seeded from the clock in microseconds and capped to the
// venue's reference range. The id doubles as the order's userref, so an
// interrupted placement can be matched against open orders without
// extra state.
type clientOrderIDSource struct {
	last atomic.Int64
	now  func() time.Time
}

func newClientOrderIDSource(now func() time.Time) *clientOrderIDSource {
	return &clientOrderIDSource{now: now}
}

func (s *clientOrderIDSource) next() string {
	for {
		prev := s.last.Load()
		next := s.now().UnixMicro() & userrefCap
		if next <= prev {
			next = prev + 1
		}
		if s.last.CompareAndSwap(prev, next) {
			return strconv.FormatInt(next, 10)
		}
	}
}

// userref converts a numeric client order id into the venue's reference
// number. Ids that are not numeric carry no reference.
func userref(clientOrderID string) int32 {
	v, err := strconv.ParseInt(clientOrderID, 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return int32(v & userrefCap)
}
