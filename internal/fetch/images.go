package fetch

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/lmbridge/lmbridge/internal/config"
)

// archiveDir is the root of the local image archive.
const archiveDir = "images"

// savedURLLimit caps the dedupe record of archived URLs.
const savedURLLimit = 5000

// ImageService resolves upstream image URLs into the markdown spliced into
// the response stream, per the configured return format, and optionally
// archives a copy under images/YYYYMMDD.
type ImageService struct {
	store *config.Store
	pool  *Pool

	mu         sync.Mutex
	saved      map[string]bool
	savedOrder []string
}

// NewImageService creates the resolver over the shared download pool.
func NewImageService(store *config.Store, pool *Pool) *ImageService {
	return &ImageService{
		store: store,
		pool:  pool,
		saved: make(map[string]bool),
	}
}

// ResolveImage renders one upstream image URL. In url mode the original URL
// is returned immediately and any archiving happens in the background; in
// base64 mode the bytes are fetched, converted to a data URI and cached.
// Download failures degrade to the plain URL.
func (s *ImageService) ResolveImage(ctx context.Context, url, requestID string) string {
	cfg := s.store.Get()
	plain := fmt.Sprintf("![Image](%s)", url)

	if cfg.ImageReturnFormat == "url" {
		if cfg.ArchiveImages() {
			go s.archive(url, requestID)
		}
		return plain
	}

	if md, ok := s.pool.cacheGet(url); ok {
		return md
	}

	data, err := s.pool.Fetch(ctx, url)
	if err != nil {
		log.Errorf("image download failed, returning the raw URL instead: %v", err)
		return plain
	}

	if cfg.ArchiveImages() {
		go s.save(data, url, requestID)
	}

	contentType := mime.TypeByExtension(path.Ext(strings.SplitN(path.Base(url), "?", 2)[0]))
	if contentType == "" {
		contentType = "image/png"
	}
	md := fmt.Sprintf("![Image](data:%s;base64,%s)", contentType, base64.StdEncoding.EncodeToString(data))
	s.pool.cachePut(url, md)
	return md
}

// archive downloads and stores a copy of url. Used by the url return mode
// where the client response does not need the bytes.
func (s *ImageService) archive(url, requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	data, err := s.pool.Fetch(ctx, url)
	if err != nil {
		log.Errorf("background image archive failed: %v", err)
		return
	}
	s.save(data, url, requestID)
}

// save writes the bytes under images/YYYYMMDD. Each URL is archived once.
func (s *ImageService) save(data []byte, url, requestID string) {
	s.mu.Lock()
	if s.saved[url] {
		s.mu.Unlock()
		return
	}
	s.saved[url] = true
	s.savedOrder = append(s.savedOrder, url)
	if len(s.savedOrder) > savedURLLimit {
		drop := s.savedOrder[:len(s.savedOrder)-savedURLLimit]
		s.savedOrder = s.savedOrder[len(s.savedOrder)-savedURLLimit:]
		for _, u := range drop {
			delete(s.saved, u)
		}
	}
	s.mu.Unlock()

	dir := filepath.Join(archiveDir, time.Now().Format("20060102"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Errorf("cannot create image archive directory: %v", err)
		return
	}

	ext := path.Ext(strings.SplitN(path.Base(url), "?", 2)[0])
	if ext == "" || len(ext) > 5 {
		ext = ".png"
	}
	name := fmt.Sprintf("%s_%s%s", shortID(requestID), uuid.NewString()[:8], ext)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		log.Errorf("cannot write archived image: %v", err)
		return
	}
	log.Infof("archived upstream image to %s", filepath.Join(dir, name))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
