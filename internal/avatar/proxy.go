package avatar

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/agentmesh/worldgate/internal/logging"
	"github.com/agentmesh/worldgate/internal/storage"
	"github.com/agentmesh/worldgate/pkg/types"
)

const (
	// glbMagic is "glTF" little-endian; VRM avatars are GLB containers.
	glbMagic          = 0x46546C67
	glbVersion        = 2
	glbHeaderLen      = 12
	fetchMaxRetries   = 3
	fetchInitialDelay = 250 * time.Millisecond
	fetchMaxDelay     = 2 * time.Second
)

// Validation verdicts. Each failure is its own reason; clients see
// which check an asset flunked, not a generic failure.
var (
	ErrOversize   = fmt.Errorf("avatar exceeds the size limit")
	ErrBadMagic   = fmt.Errorf("avatar is not a GLB container")
	ErrBadVersion = fmt.Errorf("avatar GLB version is unsupported")
)

// AssetStore uploads validated assets to the world's asset store.
type AssetStore interface {
	Upload(ctx context.Context, data []byte, filename string) (url string, err error)
}

// cacheEntry is the persisted mapping for one proxied source URL.
type cacheEntry struct {
	SourceURL string    `json:"sourceUrl"`
	LocalURL  string    `json:"localUrl"`
	Verdict   string    `json:"verdict"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Proxy downloads externally hosted avatars, validates them, re-uploads
// them to the world's asset store, and caches the mapping. Concurrent
// calls for the same source URL collapse into one download.
type Proxy struct {
	httpc    *http.Client
	store    AssetStore
	cache    *storage.Store
	group    singleflight.Group
	maxBytes int64
	allowed  map[string]bool
	log      zerolog.Logger

	mu  sync.Mutex
	mem map[string]cacheEntry
}

// ProxyConfig configures a Proxy.
type ProxyConfig struct {
	// Store receives validated assets.
	Store AssetStore
	// Cache persists mappings across restarts. Optional.
	Cache *storage.Store
	// MaxBytes caps downloads. Zero selects 25 MiB.
	MaxBytes int64
	// AllowedHosts are served to clients directly, without proxying.
	// The world's own host belongs here.
	AllowedHosts []string
	// HTTPClient overrides the default client. Optional.
	HTTPClient *http.Client
}

// NewProxy creates a Proxy.
func NewProxy(cfg ProxyConfig) *Proxy {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 25 << 20
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	allowed := make(map[string]bool, len(cfg.AllowedHosts))
	for _, host := range cfg.AllowedHosts {
		allowed[host] = true
	}
	p := &Proxy{
		httpc:    httpc,
		store:    cfg.Store,
		cache:    cfg.Cache,
		maxBytes: cfg.MaxBytes,
		allowed:  allowed,
		mem:      make(map[string]cacheEntry),
		log:      logging.Component("avatar-proxy"),
	}
	p.preload()
	return p
}

// HostAllowed reports whether assets on host are CORS-safe without
// proxying.
func (p *Proxy) HostAllowed(host string) bool {
	return p.allowed[host]
}

// Proxy resolves a source URL to a world-hosted URL. A cached mapping
// short-circuits; otherwise exactly one download/validate/upload runs
// per URL system-wide, and every concurrent caller shares its result.
func (p *Proxy) Proxy(ctx context.Context, sourceURL string) (string, error) {
	p.mu.Lock()
	if entry, ok := p.mem[sourceURL]; ok {
		p.mu.Unlock()
		if entry.Verdict == "ok" {
			return entry.LocalURL, nil
		}
		return "", fmt.Errorf("%s", entry.Verdict)
	}
	p.mu.Unlock()

	// The singleflight fetch deliberately ignores the caller's
	// context: a caller despawning mid-download must not abort the
	// shared result other waiters are blocked on.
	result, err, _ := p.group.Do(sourceURL, func() (any, error) {
		return p.fetchAndUpload(context.Background(), sourceURL)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (p *Proxy) fetchAndUpload(ctx context.Context, sourceURL string) (string, error) {
	data, err := p.download(ctx, sourceURL)
	if err != nil {
		return "", err
	}

	if err := ValidateGLB(data, p.maxBytes); err != nil {
		p.remember(sourceURL, cacheEntry{
			SourceURL: sourceURL,
			Verdict:   err.Error(),
			CheckedAt: time.Now().UTC(),
		})
		return "", err
	}

	filename := path.Base(sourceURL)
	if filename == "" || filename == "." || filename == "/" {
		filename = "avatar.vrm"
	}
	localURL, err := p.store.Upload(ctx, data, filename)
	if err != nil {
		return "", types.Errf(types.ErrCodeUploadFailed, "asset store upload failed: %v", err)
	}

	p.remember(sourceURL, cacheEntry{
		SourceURL: sourceURL,
		LocalURL:  localURL,
		Verdict:   "ok",
		CheckedAt: time.Now().UTC(),
	})
	p.log.Info().Str("source", sourceURL).Str("local", localURL).Msg("avatar proxied")
	return localURL, nil
}

// download fetches the asset, retrying transient failures with bounded
// backoff and enforcing the byte cap while streaming.
func (p *Proxy) download(ctx context.Context, sourceURL string) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = fetchInitialDelay
	b.MaxInterval = fetchMaxDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(b, fetchMaxRetries), ctx)

	var data []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := p.httpc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("avatar host returned %s", resp.Status)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("avatar host returned %s", resp.Status))
		}
		if resp.ContentLength > p.maxBytes {
			return backoff.Permanent(ErrOversize)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
		if err != nil {
			return err
		}
		if int64(len(body)) > p.maxBytes {
			return backoff.Permanent(ErrOversize)
		}
		data = body
		return nil
	}
	// Retry unwraps Permanent errors, so the caller sees the real
	// verdict (e.g. ErrOversize) rather than the retry machinery.
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("download avatar: %w", err)
	}
	return data, nil
}

func (p *Proxy) remember(sourceURL string, entry cacheEntry) {
	p.mu.Lock()
	p.mem[sourceURL] = entry
	p.mu.Unlock()

	if p.cache != nil {
		key := hashKey(sourceURL)
		if err := p.cache.Put(context.Background(), []string{"avatar-cache", key}, entry); err != nil {
			p.log.Warn().Err(err).Msg("avatar cache persist failed")
		}
	}
}

func (p *Proxy) preload() {
	if p.cache == nil {
		return
	}
	_ = p.cache.Scan(context.Background(), []string{"avatar-cache"}, func(key string, raw json.RawMessage) error {
		var entry cacheEntry
		if err := json.Unmarshal(raw, &entry); err == nil && entry.SourceURL != "" {
			p.mem[entry.SourceURL] = entry
		}
		return nil
	})
}

func hashKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

// Upload validates a client-supplied avatar and pushes it into the
// asset store. Returns the served URL and the asset's content hash.
func (p *Proxy) Upload(ctx context.Context, data []byte, filename string) (string, string, error) {
	if err := ValidateGLB(data, p.maxBytes); err != nil {
		return "", "", err
	}
	if filename == "" {
		filename = "avatar.vrm"
	}
	url, err := p.store.Upload(ctx, data, filename)
	if err != nil {
		return "", "", err
	}
	sum := sha256.Sum256(data)
	return url, hex.EncodeToString(sum[:]), nil
}

// ValidateGLB checks the container header of an avatar asset: size
// cap, the glTF magic, and the format version.
func ValidateGLB(data []byte, maxBytes int64) error {
	if int64(len(data)) > maxBytes {
		return fmt.Errorf("%w: %d bytes", ErrOversize, len(data))
	}
	if len(data) < glbHeaderLen {
		return fmt.Errorf("%w: %d bytes is too short for a GLB header", ErrBadMagic, len(data))
	}
	if binary.LittleEndian.Uint32(data[0:4]) != glbMagic {
		return ErrBadMagic
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != glbVersion {
		return fmt.Errorf("%w: version %d", ErrBadVersion, v)
	}
	if declared := binary.LittleEndian.Uint32(data[8:12]); int64(declared) > int64(len(data)) {
		return fmt.Errorf("%w: declared length %d exceeds payload", ErrBadMagic, declared)
	}
	return nil
}
