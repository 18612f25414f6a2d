package hmacauth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultSignatureHeader = "X-Request-Signature"
	DefaultTimestampHeader = "X-Request-Timestamp"
	RequestIDHeader        = "X-Request-Id"
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
)

// Caller describes an authenticated relay request.
type Caller struct {
	RequestID string
	SignedAt  time.Time
	// BodyDigest is the hex SHA-256 of the signed body.
	BodyDigest string
}

type callerKey struct{}

// FromContext returns the Caller the middleware attached to a verified request.
func FromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// RequestID makes sure every request carries an X-Request-Id and echoes it back.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// Verifier authenticates relay requests signed with HMAC-SHA256 over the unix
// timestamp followed by the raw body. An empty Secret disables verification.
type Verifier struct {
	Secret          string
	MaxSkew         time.Duration
	Now             func() time.Time
	SignatureHeader string
	TimestampHeader string
	Logger          *zap.Logger
	// OnReject is called with the reason of every rejected request.
	OnReject func(r *http.Request, err error)
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := v.authenticate(r)
		if err != nil {
			v.reject(r, err)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
	})
}

func (v *Verifier) reject(r *http.Request, err error) {
	if v.OnReject != nil {
		v.OnReject(r, err)
	}
	if v.Logger == nil {
		return
	}
	v.Logger.Warn("Rejected unsigned request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("request_id", r.Header.Get(RequestIDHeader)),
		zap.Error(err))
}

// Sign sets the timestamp and signature headers for body on req.
func (v *Verifier) Sign(req *http.Request, body []byte, at time.Time) {
	ts := strconv.FormatInt(at.Unix(), 10)
	req.Header.Set(v.header(v.TimestampHeader, DefaultTimestampHeader), ts)
	req.Header.Set(v.header(v.SignatureHeader, DefaultSignatureHeader), Signature(v.Secret, ts, body))
}

func (v *Verifier) authenticate(r *http.Request) (Caller, error) {
	caller := Caller{RequestID: r.Header.Get(RequestIDHeader)}
	if v.Secret == "" {
		return caller, nil
	}

	sig := strings.ToLower(strings.TrimSpace(r.Header.Get(v.header(v.SignatureHeader, DefaultSignatureHeader))))
	if sig == "" {
		return caller, ErrMissingSignature
	}
	stamp := r.Header.Get(v.header(v.TimestampHeader, DefaultTimestampHeader))
	signedAt, err := parseUnix(stamp)
	if err != nil {
		return caller, ErrMissingTimestamp
	}
	if skew := v.now().Sub(signedAt).Abs(); skew > v.MaxSkew {
		return caller, ErrStaleTimestamp
	}

	body, err := bufferBody(r)
	if err != nil {
		return caller, err
	}
	if !hmac.Equal([]byte(Signature(v.Secret, stamp, body)), []byte(sig)) {
		return caller, ErrInvalidSignature
	}

	digest := sha256.Sum256(body)
	caller.SignedAt = signedAt
	caller.BodyDigest = hex.EncodeToString(digest[:])
	return caller, nil
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v *Verifier) header(configured, fallback string) string {
	if configured != "" {
		return configured
	}
	return fallback
}

func parseUnix(stamp string) (time.Time, error) {
	if stamp == "" {
		return time.Time{}, ErrMissingTimestamp
	}
	secs, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0), nil
}

// Signature is the lowercase hex HMAC-SHA256 of timestamp followed by body.
func Signature(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// bufferBody reads the body and replaces it so the next handler can read it again.
func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
