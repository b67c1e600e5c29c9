// Package fetch performs the bridge's outbound HTTP work: downloading
// upstream images through a bounded pool and pushing client attachments to a
// file bed before dispatch.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/lmbridge/lmbridge/internal/config"
)

// retryBackoff is the fixed wait between download attempts.
const retryBackoff = time.Second

// cachedImage is one rendered markdown image held in the base64 cache.
type cachedImage struct {
	markdown string
	added    time.Time
}

// Pool gates concurrent downloads with a weighted semaphore and caches
// rendered base64 results with a TTL.
type Pool struct {
	store *config.Store

	sem    *semaphore.Weighted
	client *http.Client

	cache    *cache.Cache
	maxCache int
}

// NewPool builds the download pool from the current configuration.
func NewPool(store *config.Store) *Pool {
	cfg := store.Get()
	dt := cfg.DownloadTimeout

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: time.Duration(dt.ConnectSeconds) * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: time.Duration(dt.SockReadSeconds) * time.Second,
		MaxIdleConnsPerHost:   16,
	}

	ttl := time.Duration(cfg.MemoryManagement.ImageCacheTTLSeconds) * time.Second
	return &Pool{
		store: store,
		sem:   semaphore.NewWeighted(int64(cfg.MaxConcurrentDownloads)),
		client: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(dt.TotalSeconds) * time.Second,
		},
		cache:    cache.New(ttl, 10*time.Minute),
		maxCache: cfg.MemoryManagement.ImageCacheMaxSize,
	}
}

// Fetch downloads one URL through the pool, retrying transient failures a
// fixed number of times with a fixed backoff.
func (p *Pool) Fetch(ctx context.Context, url string) ([]byte, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	cfg := p.store.Get()
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(retryBackoff), uint64(cfg.DownloadTimeout.MaxRetries)),
		ctx,
	)

	var body []byte
	err := backoff.Retry(func() error {
		data, err := p.get(ctx, url)
		if err != nil {
			log.Debugf("download attempt failed for %s: %v", truncateURL(url), err)
			return err
		}
		body = data
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("download failed after retries: %w", err)
	}
	return body, nil
}

func (p *Pool) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("unexpected status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

// cacheGet looks up a rendered markdown image by URL.
func (p *Pool) cacheGet(url string) (string, bool) {
	v, ok := p.cache.Get(url)
	if !ok {
		return "", false
	}
	return v.(cachedImage).markdown, true
}

// cachePut stores a rendered image. When the cache exceeds its size cap the
// oldest half is evicted first.
func (p *Pool) cachePut(url, markdown string) {
	if p.cache.ItemCount() >= p.maxCache {
		p.evictOldest(p.maxCache / 2)
	}
	p.cache.SetDefault(url, cachedImage{markdown: markdown, added: time.Now()})
}

func (p *Pool) evictOldest(n int) {
	type aged struct {
		key   string
		added time.Time
	}
	items := p.cache.Items()
	all := make([]aged, 0, len(items))
	for k, it := range items {
		all = append(all, aged{key: k, added: it.Object.(cachedImage).added})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].added.Before(all[j].added) })
	if n > len(all) {
		n = len(all)
	}
	for _, it := range all[:n] {
		p.cache.Delete(it.key)
	}
	log.Infof("image cache over its size cap, evicted %d oldest entries", n)
}

func truncateURL(url string) string {
	if len(url) > 200 {
		return url[:200] + "..."
	}
	return url
}
