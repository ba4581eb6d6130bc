package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "booksync/config"
	"booksync/internal/metadata"
	"booksync/logger"
	"booksync/models"
)

// ParquetRecord is one archived price level.
type ParquetRecord struct {
	Exchange  string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64"`
	UpdateID  int64   `parquet:"name=update_id, type=INT64"`
	Side      string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price     float64 `parquet:"name=price, type=DOUBLE"`
	Quantity  float64 `parquet:"name=quantity, type=DOUBLE"`
	Level     int32   `parquet:"name=level, type=INT32"`
}

// memoryFile is a write-only source.ParquetFile backed by a buffer.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func (m *memoryFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memoryFile) Open(string) (source.ParquetFile, error)   { return m, nil }

func (m *memoryFile) Seek(offset int64, whence int) (int64, error) {
	return int64(m.buffer.Len()), nil
}

func (m *memoryFile) Read(b []byte) (int, error)  { return m.buffer.Read(b) }
func (m *memoryFile) Write(b []byte) (int, error) { return m.buffer.Write(b) }
func (m *memoryFile) Close() error                { return nil }
func (m *memoryFile) Bytes() []byte               { return m.buffer.Bytes() }

// ObjectPutter is the part of *s3.Client the writer uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// SnapshotWriter buffers level batches per symbol and uploads them as
// parquet objects on every flush interval and on shutdown.
type SnapshotWriter struct {
	config      *appconfig.Config
	in          <-chan models.LevelBatch
	s3Client    ObjectPutter
	manifest    *metadata.Manifest
	ctx         context.Context
	wg          *sync.WaitGroup
	mu          sync.RWMutex
	running     bool
	log         *logger.Log
	buffer      map[string][]models.BookLevel
	flushTicker *time.Ticker
}

// NewSnapshotWriter builds an S3 client from cfg.Storage.S3. Static keys are
// used when configured, otherwise the default AWS credential chain.
func NewSnapshotWriter(ctx context.Context, cfg *appconfig.Config, in <-chan models.LevelBatch) (*SnapshotWriter, error) {
	s3cfg := cfg.Storage.S3
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(s3cfg.Region),
	}
	if s3cfg.AccessKeyID != "" && s3cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3cfg.AccessKeyID, s3cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
		}
		o.UsePathStyle = s3cfg.PathStyle
	})

	w := newSnapshotWriter(cfg, in, client)
	w.log.WithComponent("s3_writer").WithFields(logger.Fields{
		"bucket":     s3cfg.Bucket,
		"region":     s3cfg.Region,
		"endpoint":   s3cfg.Endpoint,
		"path_style": s3cfg.PathStyle,
	}).Info("s3 writer initialized")
	return w, nil
}

func newSnapshotWriter(cfg *appconfig.Config, in <-chan models.LevelBatch, client ObjectPutter) *SnapshotWriter {
	w := &SnapshotWriter{
		config:   cfg,
		in:       in,
		s3Client: client,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		buffer:   make(map[string][]models.BookLevel),
	}
	if cfg.Writer.ManifestDir != "" {
		w.manifest = metadata.NewManifest(cfg.Writer.ManifestDir, "s3://"+path.Join(cfg.Storage.S3.Bucket, cfg.Storage.S3.Prefix))
	}
	return w
}

func (w *SnapshotWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("s3 writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.mu.Unlock()

	interval := w.config.Writer.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}
	w.flushTicker = time.NewTicker(interval)

	w.log.WithComponent("s3_writer").WithFields(logger.Fields{"flush_interval": interval.String()}).Info("starting s3 writer")

	w.wg.Add(1)
	go w.worker()
	return nil
}

func (w *SnapshotWriter) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.log.WithComponent("s3_writer").Info("stopping s3 writer")
	w.wg.Wait()
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}
	w.log.WithComponent("s3_writer").Info("s3 writer stopped")
}

func (w *SnapshotWriter) worker() {
	defer w.wg.Done()
	log := w.log.WithComponent("s3_writer")

	for {
		select {
		case <-w.ctx.Done():
			w.drain()
			w.flushBuffers("shutdown")
			log.Info("worker stopped due to context cancellation")
			return
		case batch, ok := <-w.in:
			if !ok {
				w.flushBuffers("input closed")
				log.Info("batch channel closed, worker stopping")
				return
			}
			w.addBatch(batch)
		case <-w.flushTicker.C:
			w.flushBuffers("interval")
		}
	}
}

// drain buffers whatever is already queued without blocking.
func (w *SnapshotWriter) drain() {
	for {
		select {
		case batch, ok := <-w.in:
			if !ok {
				return
			}
			w.addBatch(batch)
		default:
			return
		}
	}
}

func (w *SnapshotWriter) addBatch(batch models.LevelBatch) {
	w.mu.Lock()
	w.buffer[batch.Symbol] = append(w.buffer[batch.Symbol], batch.Entries...)
	w.mu.Unlock()
}

func (w *SnapshotWriter) flushBuffers(reason string) {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[string][]models.BookLevel)
	w.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	w.log.WithComponent("s3_writer").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing buffers")

	for symbol, entries := range buffers {
		if len(entries) == 0 {
			continue
		}
		w.processBatch(models.LevelBatch{
			BatchID:     uuid.New().String(),
			Exchange:    entries[0].Exchange,
			Symbol:      symbol,
			Entries:     entries,
			RecordCount: len(entries),
			Timestamp:   entries[len(entries)-1].Timestamp,
			ProcessedAt: time.Now(),
		})
	}
}

func (w *SnapshotWriter) processBatch(batch models.LevelBatch) {
	key := w.generateS3Key(batch)
	log := w.log.WithComponent("s3_writer").WithFields(logger.Fields{
		"batch_id":     batch.BatchID,
		"symbol":       batch.Symbol,
		"record_count": batch.RecordCount,
		"s3_key":       key,
	})

	data, err := w.createParquetFile(batch.Entries)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	if err := w.uploadToS3(key, data); err != nil {
		log.WithError(err).
			WithEnv("S3_BUCKET").
			WithFields(logger.Fields{"bucket": w.config.Storage.S3.Bucket}).
			Error("failed to upload to S3")
		return
	}

	size := int64(len(data))
	logger.IncrementArchiveWrite(size)
	log.WithFields(logger.Fields{"file_size": size}).Info("batch uploaded")

	if w.manifest == nil {
		return
	}
	obj := metadata.ArchivedObject{
		Path:        fmt.Sprintf("s3://%s/%s", w.config.Storage.S3.Bucket, key),
		FileSize:    size,
		RecordCount: int64(batch.RecordCount),
		Partition: map[string]string{
			"exchange": batch.Exchange,
			"symbol":   batch.Symbol,
			"date":     batch.Timestamp.UTC().Format("2006-01-02"),
		},
		Timestamp: batch.Timestamp,
	}
	if err := w.manifest.Add(obj); err != nil {
		log.WithError(err).Warn("failed to update manifest")
	}
}

// generateS3Key lays objects out as
// <prefix>/exchange=<ex>/symbol=<SYM>/yyyy/mm/dd/hh/<ex>_snapshot_<SYM>_<ts>.parquet.
func (w *SnapshotWriter) generateS3Key(batch models.LevelBatch) string {
	ts := batch.Timestamp.UTC()
	filename := fmt.Sprintf("%s_snapshot_%s_%s.parquet", batch.Exchange, batch.Symbol, ts.Format("20060102150405"))
	return path.Join(
		w.config.Storage.S3.Prefix,
		"exchange="+batch.Exchange,
		"symbol="+batch.Symbol,
		ts.Format("2006/01/02/15"),
		filename,
	)
}

func (w *SnapshotWriter) createParquetFile(entries []models.BookLevel) ([]byte, error) {
	fw := newMemoryFile()

	np := w.config.Writer.Parallelism
	if np < 1 {
		np = 1
	}
	pw, err := writer.NewParquetWriter(fw, new(ParquetRecord), np)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch w.config.Writer.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	case "zstd":
		pw.CompressionType = parquet.CompressionCodec_ZSTD
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, e := range entries {
		record := ParquetRecord{
			Exchange:  e.Exchange,
			Symbol:    e.Symbol,
			Timestamp: e.Timestamp.UnixMilli(),
			UpdateID:  e.UpdateID,
			Side:      e.Side,
			Price:     e.Price,
			Quantity:  e.Quantity,
			Level:     int32(e.Level),
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}

func (w *SnapshotWriter) uploadToS3(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":     "parquet",
			"compression":      w.config.Writer.Compression,
			"booksync-version": w.config.BookSync.Version,
		},
	}

	// Shutdown flushes still need to reach S3.
	ctx := context.WithoutCancel(w.ctx)
	if _, err := w.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", w.config.Storage.S3.Bucket, err)
	}
	return nil
}
