package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/relaycollab/internal/hub"
)

const tokenAudience = "relaycollab"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// StatusCode lets the websocket upgrade refuse with the same status the REST
// routes use.
func (e *authError) StatusCode() int {
	return e.status
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

// tokenClaims identify either an agent (agent_name claim) or a user
// (user_id claim). agent_name wins when both are present.
type tokenClaims struct {
	ActorID string
	Role    hub.Role
	Scopes  map[string]struct{}
	Exp     int64
}

func (c tokenClaims) identity() hub.Identity {
	return hub.Identity{Role: c.Role, ID: c.ActorID}
}

func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if authErr := requireScope(claims, requiredScope); authErr != nil {
		return tokenClaims{}, authErr
	}
	return claims, nil
}

func requireScope(claims tokenClaims, scope string) *authError {
	if scope == "" || hasAnyScope(claims.Scopes, scope) {
		return nil
	}
	return &authError{
		status:  http.StatusForbidden,
		code:    "forbidden",
		message: "missing required scope: " + scope,
	}
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	return parseToken(strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer ")), jwtSecret, now)
}

func parseToken(raw, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return tokenClaims{}, unauthorized("invalid jwt format")
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid jwt header")
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return tokenClaims{}, unauthorized("unsupported jwt algorithm")
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid jwt payload")
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid jwt signature")
	}
	mac := hmac.New(sha256.New, []byte(jwtSecret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sigBytes, mac.Sum(nil)) {
		return tokenClaims{}, unauthorized("jwt signature mismatch")
	}

	var payload map[string]any
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt payload")
	}

	claims := tokenClaims{}
	if agentName, _ := payload["agent_name"].(string); agentName != "" {
		claims.ActorID, claims.Role = agentName, hub.RoleAgent
	} else if userID, _ := payload["user_id"].(string); userID != "" {
		claims.ActorID, claims.Role = userID, hub.RoleUser
	} else {
		return tokenClaims{}, unauthorized("missing agent_name or user_id claim")
	}

	claims.Exp, err = parseExp(payload["exp"])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid exp claim")
	}
	if now.Unix() >= claims.Exp {
		return tokenClaims{}, unauthorized("token expired")
	}
	if aud, ok := payload["aud"].(string); !ok || aud != tokenAudience {
		return tokenClaims{}, unauthorized("invalid aud claim")
	}

	claims.Scopes = parseScopes(payload["scopes"])
	if len(claims.Scopes) == 0 {
		return tokenClaims{}, &authError{status: http.StatusForbidden, code: "forbidden", message: "no scopes granted"}
	}
	return claims, nil
}

func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
				out[scope] = struct{}{}
			}
		}
	case []string:
		for _, scope := range typed {
			if scope != "" {
				out[scope] = struct{}{}
			}
		}
	case string:
		for _, scope := range strings.Fields(typed) {
			out[scope] = struct{}{}
		}
	}
	return out
}

func parseExp(v any) (int64, error) {
	switch typed := v.(type) {
	case float64:
		return int64(typed), nil
	case int64:
		return typed, nil
	case json.Number:
		return typed.Int64()
	default:
		return 0, errors.New("unsupported exp type")
	}
}

func hasAnyScope(scopes map[string]struct{}, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	for _, scope := range required {
		if _, ok := scopes[scope]; ok {
			return true
		}
	}
	return false
}

// IdentifyConnection builds the hub's identify hook. The token comes from
// the Authorization header or, for browsers that cannot set headers on a
// websocket upgrade, the token query parameter. Without a token the
// connection is an anonymous user unless requireAuth is set.
func IdentifyConnection(jwtSecret string, requireAuth bool) hub.IdentifyFunc {
	if jwtSecret == "" {
		jwtSecret = defaultJWTSecret
	}
	return func(r *http.Request) (hub.Identity, error) {
		header := r.Header.Get("Authorization")
		token := r.URL.Query().Get("token")
		switch {
		case header != "":
			claims, authErr := authorizeBearer(header, jwtSecret, scopeRealtime, time.Now().UTC())
			if authErr != nil {
				return hub.Identity{}, authErr
			}
			return claims.identity(), nil
		case token != "":
			claims, authErr := parseToken(token, jwtSecret, time.Now().UTC())
			if authErr == nil {
				authErr = requireScope(claims, scopeRealtime)
			}
			if authErr != nil {
				return hub.Identity{}, authErr
			}
			return claims.identity(), nil
		case requireAuth:
			return hub.Identity{}, unauthorized("missing bearer token")
		default:
			return hub.Identity{Role: hub.RoleUser, ID: "anonymous"}, nil
		}
	}
}

// verifyInternalHMAC checks a hex HMAC-SHA256 over "timestamp\npath\nbody".
func verifyInternalHMAC(secret, timestamp, signature, path string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return unauthorized("missing internal auth headers")
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return unauthorized("invalid internal timestamp")
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return unauthorized("internal request outside replay window")
	}
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(internalSignature(secret, timestamp, path, body))) {
		return unauthorized("internal signature mismatch")
	}
	return nil
}

func internalSignature(secret, timestamp, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp + "\n" + path + "\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
