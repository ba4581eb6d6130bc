package writer

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "booksync/config"
	"booksync/models"
)

type fakePutter struct {
	mu   sync.Mutex
	keys []string
	body [][]byte
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, *in.Key)
	f.body = append(f.body, b)
	return &s3.PutObjectOutput{}, nil
}

func testConfig() *appconfig.Config {
	cfg := appconfig.Default()
	cfg.Storage.S3.Bucket = "archive"
	cfg.Storage.S3.Prefix = "books"
	cfg.Writer.Compression = "snappy"
	cfg.Writer.Parallelism = 1
	return &cfg
}

func levelBatch(symbol string, ts time.Time) models.LevelBatch {
	entries := []models.BookLevel{
		{Exchange: "probit", Symbol: symbol, Timestamp: ts, UpdateID: 1, Side: "bid", Price: 100, Quantity: 1, Level: 1},
		{Exchange: "probit", Symbol: symbol, Timestamp: ts, UpdateID: 1, Side: "ask", Price: 101, Quantity: 2, Level: 1},
	}
	return models.LevelBatch{Exchange: "probit", Symbol: symbol, Entries: entries, RecordCount: len(entries), Timestamp: ts}
}

func TestGenerateS3Key(t *testing.T) {
	w := newSnapshotWriter(testConfig(), nil, &fakePutter{})
	ts := time.Date(2024, 3, 1, 10, 15, 30, 0, time.UTC)

	got := w.generateS3Key(levelBatch("BTCUSDT", ts))
	want := "books/exchange=probit/symbol=BTCUSDT/2024/03/01/10/probit_snapshot_BTCUSDT_20240301101530.parquet"
	if got != want {
		t.Fatalf("key = %s, want %s", got, want)
	}
}

func TestAddBatchBuffersPerSymbol(t *testing.T) {
	w := newSnapshotWriter(testConfig(), nil, &fakePutter{})
	ts := time.Now()
	w.addBatch(levelBatch("BTCUSDT", ts))
	w.addBatch(levelBatch("BTCUSDT", ts))
	w.addBatch(levelBatch("ETHUSDT", ts))

	if len(w.buffer["BTCUSDT"]) != 4 || len(w.buffer["ETHUSDT"]) != 2 {
		t.Fatalf("unexpected buffers %v", w.buffer)
	}
}

func TestFlushUploadsParquetAndRecordsManifest(t *testing.T) {
	cfg := testConfig()
	cfg.Writer.ManifestDir = t.TempDir()
	putter := &fakePutter{}
	w := newSnapshotWriter(cfg, nil, putter)
	w.ctx = context.Background()

	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	w.addBatch(levelBatch("BTCUSDT", ts))
	w.flushBuffers("test")

	if len(putter.keys) != 1 {
		t.Fatalf("expected one upload, got %d", len(putter.keys))
	}
	if !strings.HasPrefix(putter.keys[0], "books/exchange=probit/symbol=BTCUSDT/2024/03/01/10/") {
		t.Fatalf("unexpected key %s", putter.keys[0])
	}
	if !strings.HasPrefix(string(putter.body[0]), "PAR1") {
		t.Fatalf("body is not a parquet file")
	}
	if w.manifest.Len() != 1 {
		t.Fatalf("manifest not updated")
	}
	if len(w.buffer) != 0 {
		t.Fatalf("buffer should be empty after flush")
	}
}

func TestWriterFlushesOnShutdown(t *testing.T) {
	in := make(chan models.LevelBatch, 1)
	putter := &fakePutter{}
	cfg := testConfig()
	cfg.Writer.FlushInterval = time.Hour
	w := newSnapshotWriter(cfg, in, putter)

	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := w.Start(ctx); err == nil {
		t.Fatalf("expected error on second start")
	}

	in <- levelBatch("XRPUSDT", time.Now())
	cancel()
	w.Stop()

	putter.mu.Lock()
	defer putter.mu.Unlock()
	if len(putter.keys) != 1 {
		t.Fatalf("expected shutdown flush to upload once, got %d", len(putter.keys))
	}
}
