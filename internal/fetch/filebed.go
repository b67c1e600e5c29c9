package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/lmbridge/lmbridge/internal/config"
)

// endpointRecovery is how long a failed endpoint sits out before failover
// tries it again.
const endpointRecovery = 5 * time.Minute

// uploadTimeout bounds one file bed upload.
const uploadTimeout = 60 * time.Second

var httpURLRe = regexp.MustCompile(`https?://\S+`)

// Uploader pushes base64 attachments to a configured file bed so the
// upstream receives a short URL instead of megabytes of inline data.
// Identical payloads are uploaded once per TTL via a SHA-256 dedupe cache.
type Uploader struct {
	store  *config.Store
	client *http.Client

	mu     sync.Mutex
	cursor int
	downAt map[string]time.Time

	uploaded *cache.Cache
}

// NewUploader creates the file bed uploader. Some file beds present broken
// TLS chains, so certificate verification is relaxed the same way the
// userscript's own uploads are.
func NewUploader(store *config.Store) *Uploader {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	return &Uploader{
		store:    store,
		client:   &http.Client{Transport: transport, Timeout: uploadTimeout},
		downAt:   make(map[string]time.Time),
		uploaded: cache.New(time.Hour, 10*time.Minute),
	}
}

// RewriteAttachments replaces every inline data URI in the request body
// with its uploaded file bed URL. On any upload failure the original data
// URI is left in place.
func (u *Uploader) RewriteAttachments(ctx context.Context, raw []byte) []byte {
	cfg := u.store.Get()
	if !cfg.FileBedEnabled {
		return raw
	}

	out := raw
	body := gjson.ParseBytes(raw)
	body.Get("messages").ForEach(func(mi, msg gjson.Result) bool {
		content := msg.Get("content")
		if !content.IsArray() {
			return true
		}
		content.ForEach(func(pi, part gjson.Result) bool {
			if part.Get("type").String() != "image_url" {
				return true
			}
			dataURI := part.Get("image_url.url").String()
			if !strings.HasPrefix(dataURI, "data:") {
				return true
			}
			name := part.Get("image_url.detail").String()
			if name == "" {
				name = fmt.Sprintf("upload_%d_%d", mi.Int(), pi.Int())
			}
			url, err := u.Upload(ctx, name, dataURI)
			if err != nil {
				log.Warnf("file bed upload failed, keeping the inline attachment: %v", err)
				return true
			}
			path := fmt.Sprintf("messages.%d.content.%d.image_url.url", mi.Int(), pi.Int())
			if rewritten, serr := sjson.SetBytes(out, path, url); serr == nil {
				out = rewritten
			}
			return true
		})
		return true
	})
	return out
}

// Upload pushes one base64 payload and returns its public URL. Endpoints
// are picked by the configured strategy; identical bytes short-circuit to
// the previously uploaded URL.
func (u *Uploader) Upload(ctx context.Context, fileName, dataURI string) (string, error) {
	payload := dataURI
	if i := strings.IndexByte(payload, ','); i >= 0 {
		payload = payload[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("attachment is not valid base64: %w", err)
	}

	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])
	if v, ok := u.uploaded.Get(key); ok {
		log.Debug("attachment already uploaded, reusing file bed URL")
		return v.(string), nil
	}

	cfg := u.store.Get()
	endpoints := u.candidates(cfg)
	if len(endpoints) == 0 {
		return "", fmt.Errorf("no enabled file bed endpoints")
	}

	var lastErr error
	for _, ep := range endpoints {
		url, err := u.uploadTo(ctx, ep, fileName, data)
		if err != nil {
			lastErr = err
			u.markDown(ep.Name)
			log.Warnf("file bed %q rejected the upload: %v", ep.Name, err)
			continue
		}
		u.uploaded.SetDefault(key, url)
		log.Infof("uploaded %q to file bed %q", fileName, ep.Name)
		return url, nil
	}
	return "", fmt.Errorf("all file bed endpoints failed: %w", lastErr)
}

// candidates orders the usable endpoints per the selection strategy.
// Endpoints that failed recently are skipped until their recovery window
// elapses, unless nothing else is available.
func (u *Uploader) candidates(cfg *config.Config) []config.FileBedEndpoint {
	u.mu.Lock()
	defer u.mu.Unlock()

	var up []config.FileBedEndpoint
	var down []config.FileBedEndpoint
	now := time.Now()
	for _, ep := range cfg.FileBedEndpoints {
		if !ep.Enabled {
			continue
		}
		if at, bad := u.downAt[ep.Name]; bad && now.Sub(at) < endpointRecovery {
			down = append(down, ep)
			continue
		}
		up = append(up, ep)
	}
	if len(up) == 0 {
		up = down
	}
	if len(up) == 0 {
		return nil
	}

	switch cfg.FileBedSelectionStrategy {
	case config.FileBedRandom:
		rand.Shuffle(len(up), func(i, j int) { up[i], up[j] = up[j], up[i] })
	case config.FileBedRoundRobin:
		start := u.cursor % len(up)
		u.cursor++
		rotated := make([]config.FileBedEndpoint, 0, len(up))
		rotated = append(rotated, up[start:]...)
		up = append(rotated, up[:start]...)
	}
	return up
}

func (u *Uploader) markDown(name string) {
	u.mu.Lock()
	u.downAt[name] = time.Now()
	u.mu.Unlock()
}

// uploadTo performs one multipart POST and extracts the resulting URL per
// the endpoint's response type.
func (u *Uploader) uploadTo(ctx context.Context, ep config.FileBedEndpoint, fileName string, data []byte) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile(ep.FormFileField, fileName)
	if err != nil {
		return "", err
	}
	if _, err = part.Write(data); err != nil {
		return "", err
	}
	if ep.APIKey != "" {
		if err = w.WriteField(ep.APIKeyField, ep.APIKey); err != nil {
			return "", err
		}
	}
	if err = w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := u.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	// Some beds answer 200 with a redirect target in Location.
	if loc := resp.Header.Get("Location"); strings.HasPrefix(loc, "http") {
		return loc, nil
	}

	if ep.ResponseType == "text" {
		return extractTextURL(string(raw))
	}

	if v := gjson.GetBytes(raw, ep.JSONURLKey); v.Exists() && v.String() != "" {
		return v.String(), nil
	}
	// JSON extraction failed, some beds claim JSON but answer plain text.
	return extractTextURL(string(raw))
}

// extractTextURL pulls a URL out of a plain-text response, tolerating the
// "wget <url>" banner some beds print.
func extractTextURL(body string) (string, error) {
	text := strings.TrimSpace(body)
	if strings.Contains(text, "wget") {
		if m := httpURLRe.FindString(text); m != "" {
			return m, nil
		}
	}
	if strings.HasPrefix(text, "http") {
		return strings.Fields(text)[0], nil
	}
	return "", fmt.Errorf("response carries no URL: %s", truncate(text, 200))
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
