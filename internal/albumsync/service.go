// Package albumsync keeps the album table in step with an upstream manifest
// of pre-rendered images.
package albumsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"epd-frame-backend/config"
	"epd-frame-backend/internal/frame"
	"epd-frame-backend/internal/model"
	"epd-frame-backend/internal/store"
)

// ErrAborted means a cycle fetched nothing and left the album untouched.
var ErrAborted = errors.New("sync aborted")

// Result summarizes one sync cycle.
type Result struct {
	Listed  int
	Added   int
	Removed int
	Skipped int
}

// Service polls the manifest and applies additions and removals to the store.
type Service struct {
	cfg    *config.SyncConfig
	store  store.Store
	client *http.Client
	log    zerolog.Logger
}

// NewService creates and initializes a new sync service.
func NewService(cfg *config.SyncConfig, s store.Store, logger zerolog.Logger) *Service {
	logger = logger.With().Str("component", "albumsync").Logger()

	var transport http.RoundTripper = &http.Transport{}
	if cfg.HTTPProxy != "" {
		proxyURL, err := url.Parse(cfg.HTTPProxy)
		if err != nil {
			logger.Warn().Err(err).Str("proxy", cfg.HTTPProxy).Msg("invalid proxy URL, syncing without a proxy")
		} else {
			transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}

	return &Service{
		cfg:   cfg,
		store: s,
		client: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
		log: logger,
	}
}

// Run syncs immediately and then every configured interval until ctx is done.
func (s *Service) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		s.log.Info().Msg("album sync is disabled")
		return
	}
	s.log.Info().Dur("interval", s.cfg.Interval).Msg("starting album sync")

	s.runOnce(ctx)

	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("album sync shutting down")
			return
		case <-timer.C:
			s.runOnce(ctx)
			timer.Reset(s.cfg.Interval)
		}
	}
}

func (s *Service) runOnce(ctx context.Context) {
	res, err := s.SyncOnce(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("sync cycle failed")
		return
	}
	s.log.Info().
		Int("listed", res.Listed).
		Int("added", res.Added).
		Int("removed", res.Removed).
		Int("skipped", res.Skipped).
		Msg("sync cycle finished")
}

// SyncOnce performs a single sync cycle. New items are downloaded and
// validated before insertion; items absent from a manifest that was fetched
// up to its reported total are removed. A partial manifest only ever adds.
func (s *Service) SyncOnce(ctx context.Context) (Result, error) {
	var res Result

	// Step 1: Fetch the whole manifest. The upstream may serve smaller pages
	// than requested, so paging stops on the reported total or an empty page.
	var listed []ManifestItem
	total := 0
	var fetchErr error
	for page := 1; ; page++ {
		resp, err := s.fetchPage(ctx, page)
		if err != nil {
			s.log.Warn().Err(err).Int("page", page).Msg("failed to fetch manifest page")
			fetchErr = err
			break
		}
		total = resp.Data.Total
		if total == 0 || len(resp.Data.Items) == 0 {
			break
		}
		listed = append(listed, resp.Data.Items...)
		if len(listed) >= total {
			break
		}
	}
	res.Listed = len(listed)
	complete := fetchErr == nil && len(listed) >= total

	// If the fetch failed and resulted in zero items, abort to avoid clearing the album.
	if fetchErr != nil && len(listed) == 0 {
		return res, fmt.Errorf("%w: %w", ErrAborted, fetchErr)
	}

	existing, err := s.store.AlbumIDs(ctx)
	if err != nil {
		return res, err
	}

	// Step 2: Download and insert what is new
	seen := make(map[string]struct{}, len(listed))
	var added []model.MediaItem
	for _, item := range listed {
		if item.ID == "" {
			res.Skipped++
			continue
		}
		if _, dup := seen[item.ID]; dup {
			continue
		}
		seen[item.ID] = struct{}{}
		if _, ok := existing[item.ID]; ok {
			continue
		}

		data, err := s.download(ctx, item.DataURL)
		if err == nil {
			err = frame.ValidateSource(item.Portrait, data)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("item", item.ID).Msg("skipping album item")
			res.Skipped++
			continue
		}
		added = append(added, model.MediaItem{
			ItemID:     item.ID,
			ProductURL: item.ProductURL,
			Portrait:   item.Portrait,
			Data:       data,
		})
	}
	if err := s.store.AddItems(ctx, added); err != nil {
		return res, err
	}
	res.Added = len(added)

	// Step 3: Remove what the upstream dropped
	if !complete {
		s.log.Warn().
			Int("listed", len(listed)).
			Int("total", total).
			Msg("manifest incomplete, skipping removals")
		return res, nil
	}
	var gone []string
	for id := range existing {
		if _, ok := seen[id]; !ok {
			gone = append(gone, id)
		}
	}
	if err := s.store.RemoveItems(ctx, gone); err != nil {
		return res, err
	}
	res.Removed = len(gone)
	return res, nil
}

// fetchPage fetches a single page of the manifest.
func (s *Service) fetchPage(ctx context.Context, page int) (*ManifestResponse, error) {
	payload := make(map[string]any)
	for k, v := range s.cfg.Request.Payload {
		payload[k] = v
	}
	payload["page"] = page

	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Request.URL, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range s.cfg.Request.Headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code: %d", resp.StatusCode)
	}

	var manifest ManifestResponse
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}

	if manifest.Code != 0 {
		return nil, fmt.Errorf("manifest returned non-zero application code: %d", manifest.Code)
	}

	return &manifest, nil
}

// download fetches an item's packed pixels. Relative URLs resolve against the manifest URL.
func (s *Service) download(ctx context.Context, dataURL string) ([]byte, error) {
	base, err := url.Parse(s.cfg.Request.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest URL: %w", err)
	}
	ref, err := url.Parse(dataURL)
	if err != nil {
		return nil, fmt.Errorf("invalid data URL %q: %w", dataURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.ResolveReference(ref).String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range s.cfg.Request.Headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code: %d", resp.StatusCode)
	}

	// Anything longer than a full frame is rejected by validation.
	return io.ReadAll(io.LimitReader(resp.Body, frame.FrameBytes+1))
}
