package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/audiopipe/audiopipe/internal/asset"
	"github.com/audiopipe/audiopipe/internal/config"
	"github.com/audiopipe/audiopipe/internal/job"
	"github.com/audiopipe/audiopipe/internal/media"
	"github.com/audiopipe/audiopipe/internal/proc"
	"github.com/audiopipe/audiopipe/internal/recipe"
	"github.com/audiopipe/audiopipe/internal/render"
	"github.com/audiopipe/audiopipe/internal/storage"
)

// fakeMedia records every call in order and fabricates outputs so
// pipelines can run without ffmpeg.
type fakeMedia struct {
	mu         sync.Mutex
	calls      []string
	duration   float64
	stats      *media.LoudnormStats
	lastFilter string
	lastOpts   media.RenderOpts
}

func (m *fakeMedia) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
}

func (m *fakeMedia) callList() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *fakeMedia) Probe(_ context.Context, _ string, _ *proc.Ref) (*media.Info, error) {
	m.record("probe")
	return &media.Info{Duration: m.duration, SampleRate: 44100, Channels: 2, Codec: "pcm_s16le"}, nil
}

func (m *fakeMedia) ExtractAudio(_ context.Context, _, outPath string, _ *proc.Ref, onProgress func(float64)) error {
	m.record("extract")
	if onProgress != nil {
		onProgress(50)
		onProgress(100)
	}
	return os.WriteFile(outPath, []byte("extracted"), 0o644)
}

func (m *fakeMedia) StripAudio(_ context.Context, _, outPath string, _ *proc.Ref) error {
	m.record("strip")
	return os.WriteFile(outPath, []byte("stripped"), 0o644)
}

func (m *fakeMedia) Render(_ context.Context, _ []string, filter, outPath string, opts media.RenderOpts, _ *proc.Ref) error {
	m.record("render")
	m.mu.Lock()
	m.lastFilter = filter
	m.lastOpts = opts
	m.mu.Unlock()
	return os.WriteFile(outPath, []byte("rendered"), 0o644)
}

func (m *fakeMedia) MeasureLoudness(_ context.Context, _ string, _ *proc.Ref) (*media.LoudnormStats, error) {
	m.record("measure")
	return m.stats, nil
}

func (m *fakeMedia) ApplyLoudness(_ context.Context, _ string, _ *media.LoudnormStats, _ media.RenderOpts, _ *proc.Ref) error {
	m.record("apply")
	return nil
}

func (m *fakeMedia) WaveformPeaks(_ context.Context, _ string, buckets int, _ *proc.Ref) ([]float64, error) {
	m.record("waveform")
	peaks := make([]float64, buckets)
	for i := range peaks {
		peaks[i] = 0.5
	}
	return peaks, nil
}

type fakeDispatcher struct {
	mu   sync.Mutex
	got  []render.SubmitRequest
	resp render.SubmitResponse
	err  error
}

func (f *fakeDispatcher) Submit(_ context.Context, req render.SubmitRequest) (*render.SubmitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, req)
	if f.err != nil {
		return nil, f.err
	}
	resp := f.resp
	return &resp, nil
}

func testConfig() *config.Config {
	return &config.Config{
		MaxFileSize:       1 << 20,
		MaxAudioDuration:  time.Hour,
		MaxClips:          50,
		MinClipDuration:   100 * time.Millisecond,
		MaxOutputDuration: 2 * time.Hour,
		PreviewBitrate:    "128k",
		OutputSampleRate:  44100,
		WebhookURL:        "https://api.example.com/render-webhook",
		WebhookSecret:     "hook-secret",
	}
}

func newTestDeps(t *testing.T) (*Deps, *fakeMedia, *storage.MemStore, *fakeDispatcher) {
	t.Helper()
	store, err := job.NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	blobs := storage.NewMemStore()
	fm := &fakeMedia{duration: 60}
	fd := &fakeDispatcher{resp: render.SubmitResponse{CallID: "fc-1", GPU: true}}
	d := &Deps{
		Store:  store,
		Blobs:  blobs,
		Assets: asset.NewBlobService(blobs),
		Media:  fm,
		Render: fd,
		Cfg:    testConfig(),
		Log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return d, fm, blobs, fd
}

func createJob(t *testing.T, d *Deps, typ job.Type, meta any) *job.Job {
	t.Helper()
	raw, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("marshal metadata: %v", err)
	}
	j, err := d.Store.Create(context.Background(), typ, raw)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}

func seedAsset(t *testing.T, d *Deps) string {
	t.Helper()
	m, err := d.Assets.CreateAsset(context.Background(), []byte("raw audio"), "song.wav", asset.Provenance{SourceType: "url"})
	if err != nil {
		t.Fatalf("seed asset: %v", err)
	}
	return m.ID
}

func getJob(t *testing.T, d *Deps, id string) *job.Job {
	t.Helper()
	j, err := d.Store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j == nil {
		t.Fatalf("job %s disappeared", id)
	}
	return j
}

func run(t *testing.T, fn Func, d *Deps, j *job.Job) error {
	t.Helper()
	return fn(context.Background(), d, j, proc.NewToken(), proc.NewRef())
}

func TestIngest_AudioFile(t *testing.T) {
	d, fm, blobs, _ := newTestDeps(t)
	ctx := context.Background()

	if err := blobs.Put(ctx, "uploads/u1/track.wav", []byte("uploaded audio")); err != nil {
		t.Fatal(err)
	}
	j := createJob(t, d, job.TypeIngest, ingestMetadata{
		SourceType: "audio_file",
		StorageKey: "uploads/u1/track.wav",
		Filename:   "track.wav",
	})

	if err := run(t, Ingest, d, j); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	got := getJob(t, d, j.ID)
	if got.Status != job.StatusComplete {
		t.Fatalf("status = %s, want complete", got.Status)
	}
	var res ingestResult
	if err := json.Unmarshal(got.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.AssetID == "" {
		t.Error("result has no assetId")
	}
	if res.Metadata.Duration != 60 {
		t.Errorf("duration = %v, want 60", res.Metadata.Duration)
	}

	if ok, _ := blobs.Exists(ctx, "assets/"+res.AssetID+"/waveform.json"); !ok {
		t.Error("waveform was not uploaded")
	}
	if ok, _ := blobs.Exists(ctx, "assets/"+res.AssetID+"/raw.wav"); !ok {
		t.Error("raw asset audio was not stored")
	}
	calls := fm.callList()
	if len(calls) == 0 || calls[0] != "probe" {
		t.Errorf("calls = %v, want probe first", calls)
	}
}

func TestIngest_VideoFileStripsAudio(t *testing.T) {
	d, fm, blobs, _ := newTestDeps(t)
	if err := blobs.Put(context.Background(), "uploads/u1/clip.mp4", []byte("video bytes")); err != nil {
		t.Fatal(err)
	}
	j := createJob(t, d, job.TypeIngest, ingestMetadata{
		SourceType: "video_file",
		StorageKey: "uploads/u1/clip.mp4",
	})

	if err := run(t, Ingest, d, j); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	calls := fm.callList()
	if len(calls) < 2 || calls[0] != "strip" {
		t.Errorf("calls = %v, want strip before probe", calls)
	}
}

func TestIngest_FileTooLarge(t *testing.T) {
	d, _, blobs, _ := newTestDeps(t)
	d.Cfg.MaxFileSize = 4

	if err := blobs.Put(context.Background(), "uploads/big.wav", []byte("way too large")); err != nil {
		t.Fatal(err)
	}
	j := createJob(t, d, job.TypeIngest, ingestMetadata{
		SourceType: "audio_file",
		StorageKey: "uploads/big.wav",
	})

	err := run(t, Ingest, d, j)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestIngest_DurationCeiling(t *testing.T) {
	d, fm, blobs, _ := newTestDeps(t)
	d.Cfg.MaxAudioDuration = 30 * time.Second
	fm.duration = 45

	if err := blobs.Put(context.Background(), "uploads/long.wav", []byte("audio")); err != nil {
		t.Fatal(err)
	}
	j := createJob(t, d, job.TypeIngest, ingestMetadata{
		SourceType: "audio_file",
		StorageKey: "uploads/long.wav",
	})

	err := run(t, Ingest, d, j)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if !strings.Contains(err.Error(), "duration") {
		t.Errorf("err %q does not mention duration", err)
	}
}

func TestIngest_UnknownSourceType(t *testing.T) {
	d, _, _, _ := newTestDeps(t)
	j := createJob(t, d, job.TypeIngest, ingestMetadata{SourceType: "carrier_pigeon"})
	if err := run(t, Ingest, d, j); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestIngest_Youtube(t *testing.T) {
	d, fm, _, _ := newTestDeps(t)
	j := createJob(t, d, job.TypeIngest, ingestMetadata{
		SourceType: "youtube",
		URL:        "https://youtube.example.com/watch?v=abc",
		VideoID:    "abc",
	})

	if err := run(t, Ingest, d, j); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	calls := fm.callList()
	if calls[0] != "extract" {
		t.Errorf("calls = %v, want extract first", calls)
	}

	got := getJob(t, d, j.ID)
	if got.Status != job.StatusComplete {
		t.Errorf("status = %s, want complete", got.Status)
	}
}

func TestPreview_RendersAndCaches(t *testing.T) {
	d, fm, blobs, _ := newTestDeps(t)
	assetID := seedAsset(t, d)

	r := recipe.Recipe{
		Clips:     []recipe.Clip{{AssetID: assetID, Start: 0, End: 10, Volume: 1}},
		Normalize: true,
	}
	j := createJob(t, d, job.TypePreview, previewMetadata{Recipe: r})

	if err := run(t, Preview, d, j); err != nil {
		t.Fatalf("Preview: %v", err)
	}

	got := getJob(t, d, j.ID)
	if got.Status != job.StatusComplete {
		t.Fatalf("status = %s, want complete", got.Status)
	}
	var res previewResult
	if err := json.Unmarshal(got.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	wantKey := "previews/" + recipe.Hash(r) + ".mp3"
	if res.PreviewKey != wantKey {
		t.Errorf("previewKey = %q, want %q", res.PreviewKey, wantKey)
	}
	if res.Cached {
		t.Error("fresh render reported as cached")
	}
	if ok, _ := blobs.Exists(context.Background(), wantKey); !ok {
		t.Error("preview was not stored at the cache key")
	}
	if !strings.Contains(fm.lastFilter, "loudnorm") {
		t.Errorf("filter %q has no loudnorm despite normalize=true", fm.lastFilter)
	}
	if fm.lastOpts.Format != "mp3" || fm.lastOpts.Bitrate != "128k" {
		t.Errorf("render opts = %+v, want mp3 at 128k", fm.lastOpts)
	}
}

func TestPreview_CacheHit(t *testing.T) {
	d, fm, blobs, _ := newTestDeps(t)
	assetID := seedAsset(t, d)

	r := recipe.Recipe{Clips: []recipe.Clip{{AssetID: assetID, Start: 0, End: 5, Volume: 1}}}
	key := "previews/" + recipe.Hash(r) + ".mp3"
	if err := blobs.Put(context.Background(), key, []byte("cached mp3")); err != nil {
		t.Fatal(err)
	}

	j := createJob(t, d, job.TypePreview, previewMetadata{Recipe: r})
	if err := run(t, Preview, d, j); err != nil {
		t.Fatalf("Preview: %v", err)
	}

	if calls := fm.callList(); len(calls) != 0 {
		t.Errorf("cache hit still touched media: %v", calls)
	}
	got := getJob(t, d, j.ID)
	if got.Status != job.StatusComplete {
		t.Fatalf("status = %s, want complete", got.Status)
	}
	var res previewResult
	if err := json.Unmarshal(got.Result, &res); err != nil {
		t.Fatal(err)
	}
	if !res.Cached || res.PreviewKey != key {
		t.Errorf("result = %+v, want cached hit at %s", res, key)
	}
}

func TestPreview_InvalidRecipe(t *testing.T) {
	d, fm, _, _ := newTestDeps(t)
	assetID := seedAsset(t, d)
	fm.duration = 10

	// Clip end beyond the probed source duration.
	r := recipe.Recipe{Clips: []recipe.Clip{{AssetID: assetID, Start: 0, End: 30, Volume: 1}}}
	j := createJob(t, d, job.TypePreview, previewMetadata{Recipe: r})

	err := run(t, Preview, d, j)
	var rerr *recipe.Error
	if !errors.As(err, &rerr) {
		t.Fatalf("err = %v, want *recipe.Error", err)
	}
	for _, c := range fm.callList() {
		if c == "render" {
			t.Error("invalid recipe still rendered")
		}
	}
}

func TestSave_TwoPassNormalization(t *testing.T) {
	d, fm, blobs, _ := newTestDeps(t)
	assetID := seedAsset(t, d)
	fm.stats = &media.LoudnormStats{InputI: "-23.1", InputTP: "-4.5", InputLRA: "6.0", InputThresh: "-33.5", Offset: "0.3"}

	// A stale prepared output that the save must replace.
	stale := "prepared/" + assetID + "/mix.wav"
	if err := blobs.Put(context.Background(), stale, []byte("old mix")); err != nil {
		t.Fatal(err)
	}

	r := recipe.Recipe{
		Clips:     []recipe.Clip{{AssetID: assetID, Start: 0, End: 10, Volume: 1}},
		Normalize: true,
	}
	j := createJob(t, d, job.TypeSave, saveMetadata{AssetID: assetID, Recipe: r})

	if err := run(t, Save, d, j); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Measurement must precede application, and the graph itself must
	// not normalize.
	calls := fm.callList()
	mi, ai := -1, -1
	for i, c := range calls {
		switch c {
		case "measure":
			mi = i
		case "apply":
			ai = i
		}
	}
	if mi == -1 || ai == -1 || mi > ai {
		t.Errorf("calls = %v, want measure then apply", calls)
	}
	if strings.Contains(fm.lastFilter, "loudnorm") {
		t.Errorf("save filter %q contains single-pass loudnorm", fm.lastFilter)
	}

	got := getJob(t, d, j.ID)
	if got.Status != job.StatusComplete {
		t.Fatalf("status = %s, want complete", got.Status)
	}
	var res saveResult
	if err := json.Unmarshal(got.Result, &res); err != nil {
		t.Fatal(err)
	}
	if !res.Normalized {
		t.Error("result does not report normalization")
	}

	ctx := context.Background()
	if ok, _ := blobs.Exists(ctx, res.PreparedKey); !ok {
		t.Errorf("prepared mix missing at %s", res.PreparedKey)
	}
	if ok, _ := blobs.Exists(ctx, "prepared/"+assetID+"/recipe.json"); !ok {
		t.Error("recipe sidecar missing")
	}
	if data, err := blobs.Get(ctx, stale); err == nil && string(data) == "old mix" {
		t.Error("stale prepared output survived the save")
	}
}

func TestSave_UnusableStatsSkipsApply(t *testing.T) {
	d, fm, _, _ := newTestDeps(t)
	assetID := seedAsset(t, d)
	fm.stats = nil

	r := recipe.Recipe{
		Clips:     []recipe.Clip{{AssetID: assetID, Start: 0, End: 10, Volume: 1}},
		Normalize: true,
	}
	j := createJob(t, d, job.TypeSave, saveMetadata{AssetID: assetID, Recipe: r})

	if err := run(t, Save, d, j); err != nil {
		t.Fatalf("Save: %v", err)
	}
	for _, c := range fm.callList() {
		if c == "apply" {
			t.Error("apply ran despite unusable measurement")
		}
	}
	var res saveResult
	if err := json.Unmarshal(getJob(t, d, j.ID).Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.Normalized {
		t.Error("result claims normalization that never ran")
	}
}

func TestRender_Dispatch(t *testing.T) {
	d, _, blobs, fd := newTestDeps(t)
	ctx := context.Background()

	if err := blobs.Put(ctx, "prepared/a1/mix.wav", []byte("mix")); err != nil {
		t.Fatal(err)
	}
	j := createJob(t, d, job.TypeRender, renderMetadata{
		Config:   json.RawMessage(`{"output":{"format":"flat-4k"}}`),
		AudioKey: "prepared/a1/mix.wav",
	})

	if err := run(t, Render, d, j); err != nil {
		t.Fatalf("Render: %v", err)
	}

	if len(fd.got) != 1 {
		t.Fatalf("submit count = %d, want 1", len(fd.got))
	}
	req := fd.got[0]
	if req.JobID != j.ID {
		t.Errorf("submitted JobID = %q, want %q", req.JobID, j.ID)
	}
	if req.AudioSignedURL == "" {
		t.Error("submitted without a signed audio URL")
	}
	if req.WebhookURL != d.Cfg.WebhookURL || req.WebhookSecret != d.Cfg.WebhookSecret {
		t.Error("webhook settings not forwarded")
	}

	// Dispatch leaves the job non-terminal; the webhook finishes it.
	got := getJob(t, d, j.ID)
	if got.Status.IsTerminal() {
		t.Fatalf("status = %s, want non-terminal after dispatch", got.Status)
	}
	if got.Stage != "dispatched-to-modal" {
		t.Errorf("stage = %q, want dispatched-to-modal", got.Stage)
	}
	var res renderResult
	if err := json.Unmarshal(got.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.CallID != "fc-1" || !res.GPU {
		t.Errorf("result = %+v, want call fc-1 on gpu", res)
	}
}

func TestRender_RequiresExactlyOneSource(t *testing.T) {
	d, _, _, _ := newTestDeps(t)
	j := createJob(t, d, job.TypeRender, renderMetadata{
		Config:   json.RawMessage(`{}`),
		AudioKey: "a",
		AudioURL: "https://example.com/a.wav",
	})
	if err := run(t, Render, d, j); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestRender_MissingAudioKey(t *testing.T) {
	d, _, _, _ := newTestDeps(t)
	j := createJob(t, d, job.TypeRender, renderMetadata{
		Config:   json.RawMessage(`{}`),
		AudioKey: "prepared/none/mix.wav",
	})
	if err := run(t, Render, d, j); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestCancelledCheckpoint(t *testing.T) {
	d, _, blobs, _ := newTestDeps(t)
	if err := blobs.Put(context.Background(), "uploads/x.wav", []byte("audio")); err != nil {
		t.Fatal(err)
	}
	j := createJob(t, d, job.TypeIngest, ingestMetadata{
		SourceType: "audio_file",
		StorageKey: "uploads/x.wav",
	})

	tok := proc.NewToken()
	tok.Cancel()
	err := Ingest(context.Background(), d, j, tok, proc.NewRef())
	if !errors.Is(err, proc.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if getJob(t, d, j.ID).Status == job.StatusComplete {
		t.Error("cancelled job completed anyway")
	}
}
