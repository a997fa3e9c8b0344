package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/creditmeter/api/responses"
	pkgerrors "github.com/angelmondragon/creditmeter/pkg/errors"
	"github.com/angelmondragon/creditmeter/pkg/logger"
)

const (
	idempotencyHeader      = "Idempotency-Key"
	maxIdempotencyKeyLen   = 255
	defaultIdempotencyTTL  = 24 * time.Hour
	criticalIdempotencyTTL = 7 * 24 * time.Hour
	inFlightTTL            = 30 * time.Second
	inFlightMarker         = "in-flight"
)

type idempotencyRule struct {
	method  string
	pattern string
	ttl     time.Duration
}

// Credits move money, so their replay window is longer than usage.
var idempotencyRules = []idempotencyRule{
	{method: http.MethodPost, pattern: "/api/v1/tenants/{tenantId}/usage", ttl: defaultIdempotencyTTL},
	{method: http.MethodPost, pattern: "/api/v1/tenants/{tenantId}/credits", ttl: criticalIdempotencyTTL},
	{method: http.MethodPost, pattern: "/api/v1/tenants/{tenantId}/ad-revenue", ttl: criticalIdempotencyTTL},
}

// IdempotencyStore is the Redis surface the middleware needs.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	IdempotencyKey(scope, key string) string
}

type idempotencyRecord struct {
	Status      int               `json:"status"`
	Body        string            `json:"body"`
	Headers     map[string]string `json:"headers,omitempty"`
	RequestHash string            `json:"request_hash"`
}

// Idempotency replays the stored response when a mutating request is retried
// with the same Idempotency-Key. Requests without the header pass through.
// 5xx responses are not stored so the caller can retry them.
func Idempotency(store IdempotencyStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ttl, ok := routeTTL(r.Method, routePattern(r))
			idempotencyKey := strings.TrimSpace(r.Header.Get(idempotencyHeader))
			if !ok || store == nil || idempotencyKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			if len(idempotencyKey) > maxIdempotencyKeyLen {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header too long"))
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			requestHash := hashBody(body)
			key := store.IdempotencyKey(buildScope(r), idempotencyKey)

			reserved, err := store.SetNX(ctx, key, inFlightMarker, inFlightTTL)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check idempotency"))
				return
			}
			if !reserved {
				replayStored(ctx, logg, w, store, key, requestHash)
				return
			}

			rec := &responseCapture{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			status := defaultStatus(rec.status)
			if status >= http.StatusInternalServerError {
				logError(ctx, logg, "release idempotency key", store.Del(ctx, key))
				return
			}
			record := idempotencyRecord{
				Status:      status,
				Body:        base64.StdEncoding.EncodeToString(rec.body.Bytes()),
				RequestHash: requestHash,
			}
			if ct := rec.Header().Get("Content-Type"); ct != "" {
				record.Headers = map[string]string{"Content-Type": ct}
			}

			payload, marshalErr := json.Marshal(record)
			if marshalErr != nil {
				logError(ctx, logg, "marshal idempotency record", marshalErr)
				return
			}
			logError(ctx, logg, "persist idempotency record", store.Set(ctx, key, string(payload), ttl))
		})
	}
}

func replayStored(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, store IdempotencyStore, key, requestHash string) {
	stored, err := store.Get(ctx, key)
	if err != nil && !errors.Is(err, redis.Nil) {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check idempotency"))
		return
	}
	if stored == "" || stored == inFlightMarker {
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "a request with this Idempotency-Key is in progress"))
		return
	}
	record, err := decodeRecord(stored)
	if err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode idempotency record"))
		return
	}
	if record.RequestHash != requestHash {
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "Idempotency-Key reused with a different request body"))
		return
	}
	w.Header().Set("Idempotent-Replayed", "true")
	writeStoredResponse(w, record)
}

func buildScope(r *http.Request) string {
	sum := sha256.Sum256([]byte(r.Method + "|" + r.URL.Path))
	return base64.RawURLEncoding.EncodeToString(sum[:12])
}

func decodeRecord(payload string) (*idempotencyRecord, error) {
	var record idempotencyRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func writeStoredResponse(w http.ResponseWriter, record *idempotencyRecord) {
	if record == nil {
		return
	}
	if ct, ok := record.Headers["Content-Type"]; ok && ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(record.Status)
	if decoded, err := base64.StdEncoding.DecodeString(record.Body); err == nil {
		_, _ = w.Write(decoded)
	}
}

func hashBody(payload []byte) string {
	sum := sha256.Sum256(payload)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func defaultStatus(value int) int {
	if value == 0 {
		return http.StatusOK
	}
	return value
}

func routePattern(r *http.Request) string {
	if r == nil {
		return ""
	}
	if ctx := chi.RouteContext(r.Context()); ctx != nil {
		if pattern := ctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func routeTTL(method, pattern string) (time.Duration, bool) {
	for _, rule := range idempotencyRules {
		if rule.method == method && rule.pattern == pattern {
			return rule.ttl, true
		}
	}
	return 0, false
}

type responseCapture struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (r *responseCapture) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseCapture) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func logError(ctx context.Context, logg *logger.Logger, msg string, err error) {
	if logg == nil || err == nil {
		return
	}
	logg.Error(ctx, msg, err)
}
