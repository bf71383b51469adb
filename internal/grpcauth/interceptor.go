// Package grpcauth carries the request-authentication surface over gRPC
// metadata, with the same credential precedence and error collapse as the
// HTTP layer.
package grpcauth

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"modelhub.org/internal/apikey"
	"modelhub.org/internal/auth"
	"modelhub.org/internal/obs"
)

const (
	authorizationKey = "authorization"
	apiKeyKey        = "x-api-key"
	bearerPrefix     = "bearer "
)

// Interceptor authenticates incoming RPCs and attaches the resolved principal
// to the context.
type Interceptor struct {
	tokens *auth.TokenService
	keys   *apikey.Manager
	// skip contains full method names that stay unauthenticated, e.g. health.
	skip map[string]struct{}
}

func NewInterceptor(tokens *auth.TokenService, keys *apikey.Manager, skipMethods ...string) *Interceptor {
	skip := make(map[string]struct{}, len(skipMethods))
	for _, m := range skipMethods {
		skip[m] = struct{}{}
	}
	return &Interceptor{tokens: tokens, keys: keys, skip: skip}
}

// Unary returns a grpc.UnaryServerInterceptor enforcing authentication.
func (i *Interceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := i.skip[info.FullMethod]; ok {
			return handler(ctx, req)
		}
		ctx, err := i.authenticate(ctx)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// Stream returns a grpc.StreamServerInterceptor enforcing authentication.
func (i *Interceptor) Stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if _, ok := i.skip[info.FullMethod]; ok {
			return handler(srv, ss)
		}
		ctx, err := i.authenticate(ss.Context())
		if err != nil {
			return err
		}
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
	}
}

func (i *Interceptor) authenticate(ctx context.Context) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "authentication failed")
	}
	// Same precedence as HTTP: the API key is the more specific credential.
	if rawKey := firstValue(md, apiKeyKey); rawKey != "" {
		principal, err := i.keys.Resolve(ctx, rawKey)
		obs.AuthAttempt(string(auth.SourceAPIKey), rpcOutcome(err))
		if err != nil {
			return nil, toStatus(err)
		}
		return auth.ContextWithPrincipal(ctx, principal), nil
	}
	header := firstValue(md, authorizationKey)
	if !strings.HasPrefix(strings.ToLower(header), bearerPrefix) {
		return nil, status.Error(codes.Unauthenticated, "authentication failed")
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	principal, err := i.tokens.ResolvePrincipal(ctx, token)
	obs.AuthAttempt(string(auth.SourceSessionToken), rpcOutcome(err))
	if err != nil {
		return nil, toStatus(err)
	}
	return auth.ContextWithPrincipal(ctx, principal), nil
}

// RequirePrincipal extracts the principal an interceptor attached earlier.
func RequirePrincipal(ctx context.Context) (auth.Principal, error) {
	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return auth.Principal{}, status.Error(codes.Unauthenticated, "authentication failed")
	}
	return principal, nil
}

// Authorize enforces a requirement and converts denial to a gRPC status.
func Authorize(ctx context.Context, requirement auth.Requirement) (auth.Principal, error) {
	principal, err := RequirePrincipal(ctx)
	if err != nil {
		return auth.Principal{}, err
	}
	if err := auth.Authorize(principal, requirement); err != nil {
		return auth.Principal{}, status.Error(codes.PermissionDenied, "forbidden")
	}
	return principal, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, auth.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, "rate limit exceeded")
	case errors.Is(err, auth.ErrInvalidCredential):
		return status.Error(codes.Unauthenticated, "authentication failed")
	case errors.Is(err, auth.ErrInsufficientPrivilege):
		return status.Error(codes.PermissionDenied, "forbidden")
	default:
		return status.Error(codes.Internal, "authentication error")
	}
}

func rpcOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, auth.ErrRateLimited):
		return "rate_limited"
	default:
		return "invalid"
	}
}

func firstValue(md metadata.MD, key string) string {
	values := md.Get(key)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context { return w.ctx }
