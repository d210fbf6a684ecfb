package avatar

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Resolver maps avatar references to canonical URLs.
type Resolver struct {
	lib *Library
}

// NewResolver creates a resolver over the given library.
func NewResolver(lib *Library) *Resolver {
	return &Resolver{lib: lib}
}

// ResolveRef canonicalizes one reference. Full http(s) URLs and
// asset:// references pass through unchanged; bare or library:-prefixed
// names go through the library table. Unknown names resolve to "" and
// the caller decides whether that is fatal.
func (r *Resolver) ResolveRef(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") ||
		strings.HasPrefix(ref, "asset://") {
		return ref
	}
	return r.lib.Get(strings.TrimPrefix(ref, "library:"))
}

// Service combines resolution and proxying into the single call the
// session registry makes at spawn time.
type Service struct {
	*Resolver
	proxy *Proxy
}

// NewService creates the avatar service. proxy may be nil in tests
// that never resolve external URLs.
func NewService(resolver *Resolver, proxy *Proxy) *Service {
	return &Service{Resolver: resolver, proxy: proxy}
}

// Library exposes the underlying table for the listAvatars command.
func (s *Service) Library() map[string]string {
	return s.lib.List()
}

// Upload validates and stores a client-supplied avatar.
func (s *Service) Upload(ctx context.Context, data []byte, filename string) (url, hash string, err error) {
	if s.proxy == nil {
		return "", "", fmt.Errorf("avatar uploads are not configured")
	}
	return s.proxy.Upload(ctx, data, filename)
}

// Resolve turns a spawn-time reference into a URL the world can serve.
// Failures never block a spawn: the session proceeds without an avatar
// and the returned warning tells the client why.
func (s *Service) Resolve(ctx context.Context, ref string) (resolved string, warning string) {
	canonical := s.ResolveRef(ref)
	if canonical == "" {
		if strings.TrimSpace(ref) != "" {
			return "", fmt.Sprintf("unknown avatar reference %q", ref)
		}
		return "", ""
	}

	if !strings.HasPrefix(canonical, "http://") && !strings.HasPrefix(canonical, "https://") {
		// asset:// references are already world-hosted.
		return canonical, ""
	}

	u, err := url.Parse(canonical)
	if err != nil || u.Host == "" {
		return "", fmt.Sprintf("invalid avatar URL %q", canonical)
	}
	if s.proxy == nil || s.proxy.HostAllowed(u.Host) {
		return canonical, ""
	}

	local, err := s.proxy.Proxy(ctx, canonical)
	if err != nil {
		return "", "avatar could not be proxied: " + err.Error()
	}
	return local, ""
}
