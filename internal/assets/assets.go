// Package assets resolves canned audio prompt paths (wakeup words,
// bind-code digits, busy/notify sounds) under a configurable
// AssetsDir, and caches the per-voice wakeup-word path lookup the way
// the teacher's pkg/cache/gocache.go wraps patrickmn/go-cache for
// short-lived local lookups.
package assets

import (
	"fmt"
	"path/filepath"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	wakeupWordCacheTTL = 10 * time.Minute
	cacheCleanupEvery  = 30 * time.Minute
)

// Resolver resolves canned prompt files under AssetsDir.
type Resolver struct {
	assetsDir string
	cache     *gocache.Cache
}

// NewResolver constructs a Resolver rooted at assetsDir (e.g.
// "config/assets").
func NewResolver(assetsDir string) *Resolver {
	return &Resolver{
		assetsDir: assetsDir,
		cache:     gocache.New(wakeupWordCacheTTL, cacheCleanupEvery),
	}
}

// WakeupWordPath returns the cached path to the short wakeup-word clip
// for a given voice, generating (and caching) it on first lookup.
func (r *Resolver) WakeupWordPath(voice string) string {
	key := "wakeup:" + voice
	if cached, ok := r.cache.Get(key); ok {
		return cached.(string)
	}
	path := filepath.Join(r.assetsDir, fmt.Sprintf("wakeup_words_short_%s.wav", voice))
	r.cache.Set(key, path, gocache.DefaultExpiration)
	return path
}

// BindCodePath returns the path to a single bind-code digit clip.
func (r *Resolver) BindCodePath(digit rune) string {
	return filepath.Join(r.assetsDir, "bind_code", fmt.Sprintf("%c.wav", digit))
}

// BindCodePromptPath returns the path to the bind-code intro clip.
func (r *Resolver) BindCodePromptPath() string {
	return filepath.Join(r.assetsDir, "bind_code.wav")
}

// MaxOutputPath returns the path to the "daily output exceeded" clip.
func (r *Resolver) MaxOutputPath() string {
	return filepath.Join(r.assetsDir, "max_output_size.wav")
}

// BindNotFoundPath returns the path to the "device not found, cannot
// bind" clip.
func (r *Resolver) BindNotFoundPath() string {
	return filepath.Join(r.assetsDir, "bind_not_found.wav")
}

// TTSNotifyPath returns the path to the short notification chime
// played before a farewell/TTS-stop in some configurations.
func (r *Resolver) TTSNotifyPath() string {
	return filepath.Join(r.assetsDir, "tts_notify.mp3")
}
