package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"epd-frame-backend/config"
	"epd-frame-backend/internal/albumsync"
	"epd-frame-backend/internal/api"
	"epd-frame-backend/internal/db"
	"epd-frame-backend/internal/dispatch"
	"epd-frame-backend/internal/frame"
	"epd-frame-backend/internal/model"
	"epd-frame-backend/internal/pool"
	"epd-frame-backend/internal/rotation"
	"epd-frame-backend/internal/store"
	"epd-frame-backend/internal/telemetry"
)

const apiKey = "integration-key"

// newUpstream serves a one-page manifest with a landscape and two portraits.
func newUpstream(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/manifest", func(w http.ResponseWriter, r *http.Request) {
		var resp albumsync.ManifestResponse
		resp.Data.Page = 1
		resp.Data.PageSize = 10
		resp.Data.Items = []albumsync.ManifestItem{
			{ID: "lake", ProductURL: "https://photos.example/lake", DataURL: "/data/landscape"},
			{ID: "left", ProductURL: "https://photos.example/left", Portrait: true, DataURL: "/data/portrait-a"},
			{ID: "right", ProductURL: "https://photos.example/right", Portrait: true, DataURL: "/data/portrait-b"},
		}
		resp.Data.Total = len(resp.Data.Items)
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/data/landscape", func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte{0x42}, frame.FrameBytes))
	})
	mux.HandleFunc("/data/portrait-a", func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte{0x23}, frame.PortraitBytes))
	})
	mux.HandleFunc("/data/portrait-b", func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte{0x45}, frame.PortraitBytes))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

type system struct {
	db     *gorm.DB
	server *httptest.Server
}

func setupSystem(t *testing.T) *system {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	// 1. In-memory SQLite database with the production schema.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	testDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(testDB))
	sqlDB, err := testDB.DB()
	require.NoError(t, err)

	// 2. Populate the album from a fake upstream.
	upstream := newUpstream(t)
	appStore := store.NewGormStore(testDB)
	syncSvc := albumsync.NewService(&config.SyncConfig{
		Enabled: true,
		Request: config.SyncRequest{URL: upstream.URL + "/manifest", PageSize: 10},
	}, appStore, zerolog.Nop())
	res, err := syncSvc.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, res.Added)

	// 3. Frame pipeline over two pinned connections.
	conns, err := pool.Open(ctx, 2,
		func(ctx context.Context) (dispatch.Session, error) { return store.OpenConn(ctx, testDB) },
		func(s dispatch.Session) { s.Close() },
	)
	require.NoError(t, err)

	pipeline := dispatch.NewPipeline(conns, rotation.NewSelector(), frame.NewComposer(frame.SeamGutter),
		telemetry.NewRecorder(zerolog.Nop()), zerolog.Nop())
	dispatcher := dispatch.New(2, pipeline, zerolog.Nop())
	dispatcher.Start(ctx)

	router := api.NewRouter(&config.ServerConfig{
		APIKey:          apiKey,
		RateLimitPerSec: 100,
		RateLimitBurst:  100,
		CacheTTLSeconds: 1,
	}, appStore, dispatcher, nil, zerolog.Nop())
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		server.Close()
		cancel()
		dispatcher.Wait()
		for _, s := range conns.Drain() {
			s.Close()
		}
		sqlDB.Close()
	})
	return &system{db: testDB, server: server}
}

func (s *system) do(t *testing.T, method, path string, body string, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, s.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

// TestFrameRotation fetches frames end to end and checks that every item is
// shown before any repeats and that each fetch leaves a telemetry record.
func TestFrameRotation(t *testing.T) {
	sys := setupSystem(t)

	var landscapeFrames, pairFrames int
	for i := 0; i < 2; i++ {
		resp, body := sys.do(t, http.MethodGet, "/frame", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
		require.Len(t, body, frame.FrameBytes)

		if bytes.Equal(body, bytes.Repeat([]byte{0x42}, frame.FrameBytes)) {
			landscapeFrames++
		} else {
			pairFrames++
			// Row 0 of a pair: 149 bytes of one portrait, the gutter, then the other.
			assert.Contains(t, []byte{0x21, 0x41}, body[frame.HalfRowBytes-1])
			assert.Contains(t, []byte{0x13, 0x15}, body[frame.HalfRowBytes])
		}
	}
	assert.Equal(t, 1, landscapeFrames)
	assert.Equal(t, 1, pairFrames)

	// Every item was shown exactly once, so every watermark moved.
	var items []model.MediaItem
	require.NoError(t, sys.db.Find(&items).Error)
	require.Len(t, items, 3)
	for _, it := range items {
		assert.Positive(t, it.LastShownTS, "item %s", it.ItemID)
	}

	var records []model.Telemetry
	require.NoError(t, sys.db.Order("id").Find(&records).Error)
	require.Len(t, records, 2)
	paired := 0
	for _, r := range records {
		require.NotNil(t, r.ItemID)
		if r.ItemID2 != nil {
			paired++
			assert.ElementsMatch(t, []string{"left", "right"}, []string{*r.ItemID, *r.ItemID2})
		} else {
			assert.Equal(t, "lake", *r.ItemID)
		}
		assert.Equal(t, []string{"127.0.0.1"}, r.RemoteAddrs)
	}
	assert.Equal(t, 1, paired)
}

// TestTelemetryMerge resubmits the same report and expects one merged record.
func TestTelemetryMerge(t *testing.T) {
	sys := setupSystem(t)
	identity := uuid.New()

	data := fmt.Sprintf(`{"uuidNumber":"%s","bootCode":5,"batVoltage":3900,"errorCode":0}`, identity)
	resp, _ := sys.do(t, http.MethodGet, "/frame/", "", map[string]string{api.DataHeader: data})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	retry := fmt.Sprintf(`[{"uuidNumber":"%s","bootCode":5,"batVoltage":3900,"errorCode":2,"returnCode":200,"writeBytes":134400}]`, identity)
	resp, body := sys.do(t, http.MethodPost, "/telemetry", retry, map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Ok", string(body))

	var records []model.Telemetry
	require.NoError(t, sys.db.Where("device_identity = ?", identity).Find(&records).Error)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, []string{"127.0.0.1", "127.0.0.1"}, rec.RemoteAddrs)
	assert.Equal(t, int32(2), rec.ErrorCode)
	require.NotNil(t, rec.BytesWritten)
	assert.Equal(t, int32(frame.FrameBytes), *rec.BytesWritten)
	// The frame fetch attached the shown item; the bare resubmission keeps it.
	assert.NotNil(t, rec.ItemID)
}

func TestUnauthorizedFetchLeavesAlbumUntouched(t *testing.T) {
	sys := setupSystem(t)

	req, err := http.NewRequest(http.MethodGet, sys.server.URL+"/frame", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var shown int64
	require.NoError(t, sys.db.Model(&model.MediaItem{}).Where("last_shown_ts > 0").Count(&shown).Error)
	assert.Zero(t, shown)
}
