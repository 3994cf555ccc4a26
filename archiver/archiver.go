package archiver

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
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

	appconfig "fundflow/config"
	"fundflow/logger"
	"fundflow/models"
)

// snapshotRecord is the parquet row for one archived market snapshot.
type snapshotRecord struct {
	Exchange             string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol               string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	MarkPrice            float64 `parquet:"name=mark_price, type=DOUBLE"`
	FundingRate          float64 `parquet:"name=funding_rate, type=DOUBLE"`
	FundingIntervalHours float64 `parquet:"name=funding_interval_hours, type=DOUBLE"`
	NextFundingTime      int64   `parquet:"name=next_funding_time, type=INT64"`
	OpenInterest         float64 `parquet:"name=open_interest, type=DOUBLE"`
	Volume24h            float64 `parquet:"name=volume_24h, type=DOUBLE"`
	ObservedAt           int64   `parquet:"name=observed_at, type=INT64"`
}

// memoryFileWriter implements the ParquetFile interface for in-memory writing.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)  { return mfw, nil }

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// Archiver buffers snapshots per exchange/symbol and periodically writes them
// to S3 as parquet files under a hive-style partitioned prefix. It sits off
// the hot path: Offer never blocks and a failed upload drops the batch with
// an error log rather than backing up ingestion.
type Archiver struct {
	config   *appconfig.Config
	s3Client *s3.Client

	ctx         context.Context
	cancel      context.CancelFunc
	wg          *sync.WaitGroup
	mu          sync.RWMutex
	running     bool
	buffer      map[string][]models.MarketSnapshot
	flushTicker *time.Ticker

	log *logger.Log
}

func NewArchiver(cfg *appconfig.Config) (*Archiver, error) {
	log := logger.GetLogger()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	log.WithComponent("archiver").WithFields(logger.Fields{
		"bucket": cfg.Storage.S3.Bucket,
		"region": cfg.Storage.S3.Region,
		"prefix": cfg.Storage.S3.Prefix,
	}).Info("archiver initialized")

	return &Archiver{
		config:   cfg,
		s3Client: s3Client,
		wg:       &sync.WaitGroup{},
		buffer:   make(map[string][]models.MarketSnapshot),
		log:      log,
	}, nil
}

func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("archiver already running")
	}
	a.running = true
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.flushTicker = time.NewTicker(a.config.Storage.S3.FlushInterval)
	a.mu.Unlock()

	a.wg.Add(1)
	go a.flushWorker()

	a.log.WithComponent("archiver").Info("archiver started")
	return nil
}

func (a *Archiver) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	a.cancel()
	if a.flushTicker != nil {
		a.flushTicker.Stop()
	}
	a.wg.Wait()
	a.log.WithComponent("archiver").Info("archiver stopped")
}

// Offer buffers snapshots for the next flush.
func (a *Archiver) Offer(snapshots []models.MarketSnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, snap := range snapshots {
		key := snap.Key()
		a.buffer[key] = append(a.buffer[key], snap)
		if len(a.buffer[key]) > a.config.Storage.S3.BatchSize {
			a.buffer[key] = a.buffer[key][1:]
		}
	}
}

func (a *Archiver) flushWorker() {
	defer a.wg.Done()

	log := a.log.WithComponent("archiver").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting flush worker")

	for {
		select {
		case <-a.ctx.Done():
			a.flushBuffers("shutdown")
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-a.flushTicker.C:
			a.flushBuffers("interval")
		}
	}
}

func (a *Archiver) flushBuffers(reason string) {
	a.mu.Lock()
	buffers := a.buffer
	a.buffer = make(map[string][]models.MarketSnapshot)
	a.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	a.log.WithComponent("archiver").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing snapshot buffers")

	for _, snapshots := range buffers {
		if len(snapshots) == 0 {
			continue
		}
		a.processBatch(snapshots)
	}
}

func (a *Archiver) processBatch(snapshots []models.MarketSnapshot) {
	first := snapshots[0]
	s3Key := a.generateS3Key(first.Exchange, first.Symbol, time.Now().UTC())

	log := a.log.WithComponent("archiver").WithFields(logger.Fields{
		"exchange":     first.Exchange,
		"symbol":       first.Symbol,
		"record_count": len(snapshots),
		"s3_key":       s3Key,
	})

	data, err := a.createParquetFile(snapshots)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	if err := a.uploadToS3(s3Key, data); err != nil {
		log.WithError(err).
			WithFields(logger.Fields{"bucket": a.config.Storage.S3.Bucket}).
			Error("failed to upload to S3")
		return
	}

	log.WithFields(logger.Fields{"file_size": len(data)}).Info("snapshot batch archived")
}

func (a *Archiver) generateS3Key(exchange, symbol string, ts time.Time) string {
	filename := fmt.Sprintf("%s_%s_%s_%s.parquet",
		exchange, symbol, ts.Format("20060102150405"), uuid.New().String()[:8])

	key := filepath.Join(
		a.config.Storage.S3.Prefix,
		fmt.Sprintf("exchange=%s", exchange),
		fmt.Sprintf("symbol=%s", symbol),
		fmt.Sprintf("date=%s", ts.Format("2006-01-02")),
		filename,
	)
	return filepath.ToSlash(key)
}

func (a *Archiver) createParquetFile(snapshots []models.MarketSnapshot) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := writer.NewParquetWriter(fw, new(snapshotRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, snap := range snapshots {
		if snap.ObservedAt.IsZero() || snap.MarkPrice == 0 {
			continue
		}
		rec := snapshotRecord{
			Exchange:             snap.Exchange,
			Symbol:               snap.Symbol,
			MarkPrice:            snap.MarkPrice,
			FundingRate:          snap.FundingRate,
			FundingIntervalHours: snap.FundingIntervalHours,
			NextFundingTime:      snap.NextFundingTime.UnixMilli(),
			OpenInterest:         snap.OpenInterest,
			Volume24h:            snap.Volume24h,
			ObservedAt:           snap.ObservedAt.UnixMilli(),
		}
		if err := pw.Write(rec); err != nil {
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet file: %w", err)
	}
	return fw.Bytes(), nil
}

func (a *Archiver) uploadToS3(key string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.config.Storage.S3.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}
