package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Principal is the authenticated identity every RPC handler receives
// once the bearer token has been validated: who is calling, and what
// they're allowed to call.
type Principal struct {
	AgentID string
	Role    string // "agent" or "operator"
}

type principalKey struct{}

// ContextPrincipal extracts the authenticated Principal a handler runs
// with, set by UnaryAuthInterceptor/StreamAuthInterceptor.
func ContextPrincipal(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// TokenIssuer mints and validates the bearer JWTs agents and fleetctl
// clients present on every call.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer creates an issuer signing with secret (HMAC-SHA256).
func NewTokenIssuer(secret []byte) *TokenIssuer {
	return &TokenIssuer{secret: secret}
}

type claims struct {
	AgentID string `json:"agentId"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// Issue mints a bearer token for principal, valid for ttl.
func (t *TokenIssuer) Issue(principal Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		AgentID: principal.AgentID,
		Role:    principal.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(t.secret)
}

// Validate parses and verifies a bearer token, returning the Principal
// it carries.
func (t *TokenIssuer) Validate(token string) (Principal, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Principal{}, fmt.Errorf("invalid bearer token: %w", err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok {
		return Principal{}, fmt.Errorf("invalid token claims")
	}
	return Principal{AgentID: c.AgentID, Role: c.Role}, nil
}

const bearerMetadataKey = "authorization"

func bearerFromContext(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", fmt.Errorf("no metadata on request")
	}
	vals := md.Get(bearerMetadataKey)
	if len(vals) == 0 {
		return "", fmt.Errorf("no bearer token presented")
	}
	const prefix = "Bearer "
	v := vals[0]
	if len(v) > len(prefix) && v[:len(prefix)] == prefix {
		return v[len(prefix):], nil
	}
	return v, nil
}

// WithBearer attaches token to an outgoing client context, the form
// every transport client call (agent or fleetctl) uses.
func WithBearer(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, bearerMetadataKey, "Bearer "+token)
}

// UnaryAuthInterceptor validates the bearer token on every unary call
// and injects the resulting Principal into the handler's context.
// Deserialization/auth failures terminate the call with a typed code
// and never reach the handler.
func UnaryAuthInterceptor(issuer *TokenIssuer) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		token, err := bearerFromContext(ctx)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		principal, err := issuer.Validate(token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(context.WithValue(ctx, principalKey{}, principal), req)
	}
}

// authServerStream wraps a grpc.ServerStream to carry the authenticated
// Principal through its Context().
type authServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authServerStream) Context() context.Context { return s.ctx }

// StreamAuthInterceptor is UnaryAuthInterceptor's counterpart for
// client-, server-, and bidi-streaming RPCs.
func StreamAuthInterceptor(issuer *TokenIssuer) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		token, err := bearerFromContext(ss.Context())
		if err != nil {
			return status.Error(codes.Unauthenticated, err.Error())
		}
		principal, err := issuer.Validate(token)
		if err != nil {
			return status.Error(codes.Unauthenticated, err.Error())
		}
		wrapped := &authServerStream{ServerStream: ss, ctx: context.WithValue(ss.Context(), principalKey{}, principal)}
		return handler(srv, wrapped)
	}
}
