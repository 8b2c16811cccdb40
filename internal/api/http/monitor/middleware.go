package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/oshokin/lab-monitor/internal/logger"
)

// operatorIssuer is the issuer of operator tokens.
const operatorIssuer = "lab-monitor"

var (
	errMissingToken = errors.New("missing bearer token")
	errInvalidToken = errors.New("invalid operator token")
	errEmptySecret  = errors.New("operator secret is empty")
)

// IssueOperatorToken mints an HS256 token for subject. A zero ttl never expires.
func IssueOperatorToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errEmptySecret
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:   operatorIssuer,
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
	}

	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return signed, nil
}

// verifyOperatorToken checks the Authorization header and returns the token subject.
func verifyOperatorToken(secret []byte, header string) (string, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", errMissingToken
	}

	var claims jwt.RegisteredClaims

	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(operatorIssuer),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errInvalidToken, err)
	}

	return claims.Subject, nil
}

// requireOperator rejects requests without a valid operator token when a secret is set.
func (s *Server) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.secret) == 0 {
			next(w, r)
			return
		}

		subject, err := verifyOperatorToken(s.secret, r.Header.Get("Authorization"))
		if err != nil {
			writeError(r.Context(), w, http.StatusUnauthorized, "Unauthorized", err)
			return
		}

		ctx := logger.WithKV(r.Context(), "operator", subject)

		next(w, r.WithContext(ctx))
	}
}

// allowCrossOrigin lets dashboards on other origins call the API.
func allowCrossOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("Access-Control-Allow-Origin", "*")
		header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusRecorder remembers the response status for request logs.
type statusRecorder struct {
	http.ResponseWriter

	// status is the written status code.
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// logRequests logs every request at debug level, with its status and duration.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(recorder, r)

		logRequest(r.Context(), r, recorder.status, time.Since(started))
	})
}

func logRequest(ctx context.Context, r *http.Request, status int, took time.Duration) {
	logger.DebugKV(ctx, "HTTP request",
		"method", r.Method,
		"path", r.URL.Path,
		"remote", r.RemoteAddr,
		"status", status,
		"duration", took.String())
}
