package avatar

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// glb builds a minimal valid GLB container of the given size.
func glb(size int) []byte {
	data := make([]byte, size)
	binary.LittleEndian.PutUint32(data[0:4], glbMagic)
	binary.LittleEndian.PutUint32(data[4:8], glbVersion)
	binary.LittleEndian.PutUint32(data[8:12], uint32(size))
	return data
}

type fakeStore struct {
	mu      sync.Mutex
	uploads int
	fail    error
}

func (f *fakeStore) Upload(ctx context.Context, data []byte, filename string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	f.uploads++
	return "asset://uploads/" + filename, nil
}

func TestResolveRef(t *testing.T) {
	r := NewResolver(NewLibrary(""))

	want := "asset://avatars/rabbit.vrm"
	assert.Equal(t, want, r.ResolveRef("rabbit"))
	assert.Equal(t, want, r.ResolveRef("library:rabbit"))
	assert.Equal(t, want, r.ResolveRef("  rabbit  "))

	// URLs pass through untouched.
	assert.Equal(t, "https://cdn.example/a.vrm", r.ResolveRef("https://cdn.example/a.vrm"))
	assert.Equal(t, "asset://avatars/custom.vrm", r.ResolveRef("asset://avatars/custom.vrm"))

	assert.Empty(t, r.ResolveRef("dragon"))
	assert.Empty(t, r.ResolveRef(""))
}

func TestLibraryFileMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "avatars.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"dragon":"asset://avatars/dragon.vrm","rabbit":"asset://avatars/rabbit-v2.vrm"}`), 0o644))

	lib := NewLibrary(path)
	assert.Equal(t, "asset://avatars/dragon.vrm", lib.Get("dragon"))
	assert.Equal(t, "asset://avatars/rabbit-v2.vrm", lib.Get("rabbit"))
	// Untouched defaults survive the merge.
	assert.Equal(t, "asset://avatars/fox.vrm", lib.Get("fox"))
}

func TestValidateGLB(t *testing.T) {
	assert.NoError(t, ValidateGLB(glb(64), 1024))

	err := ValidateGLB(glb(64), 32)
	assert.ErrorIs(t, err, ErrOversize)

	assert.ErrorIs(t, ValidateGLB([]byte("short"), 1024), ErrBadMagic)
	assert.ErrorIs(t, ValidateGLB(make([]byte, 64), 1024), ErrBadMagic)

	bad := glb(64)
	binary.LittleEndian.PutUint32(bad[4:8], 1)
	assert.ErrorIs(t, ValidateGLB(bad, 1024), ErrBadVersion)

	// Declared length beyond the payload is a truncated container.
	trunc := glb(64)
	binary.LittleEndian.PutUint32(trunc[8:12], 128)
	assert.ErrorIs(t, ValidateGLB(trunc, 1024), ErrBadMagic)
}

func TestProxySingleFlight(t *testing.T) {
	var downloads atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		downloads.Add(1)
		w.Write(glb(64))
	}))
	defer srv.Close()

	store := &fakeStore{}
	p := NewProxy(ProxyConfig{Store: store})

	const callers = 8
	results := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			local, err := p.Proxy(context.Background(), srv.URL+"/cool.vrm")
			require.NoError(t, err)
			results[i] = local
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), downloads.Load())
	for _, local := range results {
		assert.Equal(t, "asset://uploads/cool.vrm", local)
	}

	// Later calls hit the cache, not the network.
	local, err := p.Proxy(context.Background(), srv.URL+"/cool.vrm")
	require.NoError(t, err)
	assert.Equal(t, "asset://uploads/cool.vrm", local)
	assert.Equal(t, int64(1), downloads.Load())
}

func TestProxyRemembersFailedVerdict(t *testing.T) {
	var downloads atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		downloads.Add(1)
		w.Write([]byte("this is not a model"))
	}))
	defer srv.Close()

	p := NewProxy(ProxyConfig{Store: &fakeStore{}})

	_, err := p.Proxy(context.Background(), srv.URL+"/bad.vrm")
	assert.ErrorIs(t, err, ErrBadMagic)

	// The verdict is cached; the second attempt never re-downloads.
	_, err = p.Proxy(context.Background(), srv.URL+"/bad.vrm")
	assert.Error(t, err)
	assert.Equal(t, int64(1), downloads.Load())
}

func TestProxyRetriesServerErrors(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			http.Error(w, "flaky", http.StatusBadGateway)
			return
		}
		w.Write(glb(64))
	}))
	defer srv.Close()

	p := NewProxy(ProxyConfig{Store: &fakeStore{}})
	local, err := p.Proxy(context.Background(), srv.URL+"/flaky.vrm")
	require.NoError(t, err)
	assert.Equal(t, "asset://uploads/flaky.vrm", local)
	assert.Equal(t, int64(2), attempts.Load())
}

func TestProxyDoesNotRetryNotFound(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p := NewProxy(ProxyConfig{Store: &fakeStore{}})
	_, err := p.Proxy(context.Background(), srv.URL+"/gone.vrm")
	assert.Error(t, err)
	assert.Equal(t, int64(1), attempts.Load())
}

func TestProxyOversizeDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(glb(256))
	}))
	defer srv.Close()

	p := NewProxy(ProxyConfig{Store: &fakeStore{}, MaxBytes: 128})
	_, err := p.Proxy(context.Background(), srv.URL+"/huge.vrm")
	assert.ErrorIs(t, err, ErrOversize)
}

func TestUploadReturnsContentHash(t *testing.T) {
	store := &fakeStore{}
	p := NewProxy(ProxyConfig{Store: store})

	data := glb(64)
	localURL, hash, err := p.Upload(context.Background(), data, "mine.vrm")
	require.NoError(t, err)
	assert.Equal(t, "asset://uploads/mine.vrm", localURL)

	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), hash)

	_, _, err = p.Upload(context.Background(), []byte("nope"), "bad.vrm")
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestServiceResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(glb(64))
	}))
	defer srv.Close()

	store := &fakeStore{}
	proxy := NewProxy(ProxyConfig{Store: store, AllowedHosts: []string{"world.example"}})
	svc := NewService(NewResolver(NewLibrary("")), proxy)

	// Library names and asset URLs never touch the proxy.
	resolved, warning := svc.Resolve(context.Background(), "rabbit")
	assert.Equal(t, "asset://avatars/rabbit.vrm", resolved)
	assert.Empty(t, warning)

	// Allowed hosts are handed to the world as-is.
	resolved, warning = svc.Resolve(context.Background(), "https://world.example/a.vrm")
	assert.Equal(t, "https://world.example/a.vrm", resolved)
	assert.Empty(t, warning)

	// Everything else is proxied through the asset store.
	resolved, warning = svc.Resolve(context.Background(), srv.URL+"/ext.vrm")
	assert.Equal(t, "asset://uploads/ext.vrm", resolved)
	assert.Empty(t, warning)
	assert.Equal(t, 1, store.uploads)

	// Unknown names warn instead of failing the spawn.
	resolved, warning = svc.Resolve(context.Background(), "dragon")
	assert.Empty(t, resolved)
	assert.NotEmpty(t, warning)

	// No reference at all is fine and silent.
	resolved, warning = svc.Resolve(context.Background(), "")
	assert.Empty(t, resolved)
	assert.Empty(t, warning)
}
