// Package payments grants credits from payment provider callbacks.
package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/scan-engine/internal/errors"
)

// DefaultTolerance is the maximum allowed skew between the signed timestamp
// and now.
const DefaultTolerance = 5 * time.Minute

// Sign returns a signature header for payload at timestamp t
func Sign(payload []byte, secret string, t time.Time) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return "t=" + ts + ",v1=" + hex.EncodeToString(computeMAC(ts, payload, secret))
}

func computeMAC(ts string, payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

// VerifySignature checks a "t=<unix>,v1=<hex>" header against payload. Any
// v1 entry may match, which lets the provider roll secrets. A timestamp more
// than tolerance away from now is rejected.
func VerifySignature(payload []byte, header, secret string, now time.Time, tolerance time.Duration) error {
	if secret == "" {
		return apperrors.NewInvalidSignatureError("webhook secret not configured")
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	var (
		ts   string
		sigs [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			if sig, err := hex.DecodeString(v); err == nil {
				sigs = append(sigs, sig)
			}
		}
	}
	if ts == "" || len(sigs) == 0 {
		return apperrors.NewInvalidSignatureError("malformed signature header")
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return apperrors.NewInvalidSignatureError("invalid signature timestamp")
	}
	if skew := now.Sub(time.Unix(unix, 0)); skew > tolerance || skew < -tolerance {
		return apperrors.NewInvalidSignatureError(fmt.Sprintf("signature timestamp outside tolerance (%s)", tolerance))
	}

	expected := computeMAC(ts, payload, secret)
	for _, sig := range sigs {
		if hmac.Equal(sig, expected) {
			return nil
		}
	}
	return apperrors.NewInvalidSignatureError("signature mismatch")
}
