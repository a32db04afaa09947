package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"

	"github.com/dd0wney/cluso-ha/pkg/clock"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
)

// ErrArchiverRunning is returned by Start on a running archiver.
var ErrArchiverRunning = errors.New("audit archiver already running")

// ObjectPutter is the subset of the S3 client used for archiving.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3ClientConfig configures NewS3Client.
type S3ClientConfig struct {
	Region string
	// Endpoint overrides the S3 endpoint for S3-compatible stores; it also
	// switches to path-style addressing.
	Endpoint string
	// AccessKey and SecretKey, when both set, replace the default
	// credential chain.
	AccessKey string
	SecretKey string
}

// NewS3Client builds an S3 client from the default AWS configuration chain.
func NewS3Client(ctx context.Context, cfg S3ClientConfig) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// ArchiverConfig configures an Archiver.
type ArchiverConfig struct {
	Journal  *Journal
	Client   ObjectPutter
	Bucket   string
	Prefix   string
	Interval time.Duration
	Clock    clock.Clock
	Logger   logging.Logger
	Metrics  *metrics.Registry
}

// Archiver periodically uploads closed journal segments to S3 as
// snappy-compressed objects.
type Archiver struct {
	cfg    ArchiverConfig
	logger logging.Logger

	stopCh    chan struct{}
	running   bool
	runningMu sync.Mutex
	wg        sync.WaitGroup
}

// NewArchiver creates an archiver.
func NewArchiver(cfg ArchiverConfig) (*Archiver, error) {
	if cfg.Journal == nil || cfg.Client == nil || cfg.Bucket == "" {
		return nil, errors.New("audit archiver: journal, client and bucket are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Archiver{cfg: cfg, logger: logging.ForComponent(cfg.Logger, "audit-archiver")}, nil
}

// Start uploads every interval until Stop.
func (a *Archiver) Start() error {
	a.runningMu.Lock()
	defer a.runningMu.Unlock()
	if a.running {
		return ErrArchiverRunning
	}
	a.running = true
	a.stopCh = make(chan struct{})
	a.wg.Add(1)
	go a.loop()
	return nil
}

// Stop ends the upload loop.
func (a *Archiver) Stop() {
	a.runningMu.Lock()
	if !a.running {
		a.runningMu.Unlock()
		return
	}
	a.running = false
	close(a.stopCh)
	a.runningMu.Unlock()
	a.wg.Wait()
}

func (a *Archiver) loop() {
	defer a.wg.Done()
	ticker := a.cfg.Clock.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C():
			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Interval)
			if n, err := a.ArchiveOnce(ctx); err != nil {
				a.logger.Warn("audit archive failed", logging.Int("uploaded", n), logging.Error(err))
			}
			cancel()
		}
	}
}

// ArchiveOnce closes the active segment and uploads every closed segment
// not yet archived. It returns how many segments were uploaded.
func (a *Archiver) ArchiveOnce(ctx context.Context) (int, error) {
	if err := a.cfg.Journal.Rotate(); err != nil {
		return 0, fmt.Errorf("rotate audit journal: %w", err)
	}
	segments, err := a.cfg.Journal.ClosedSegments()
	if err != nil {
		return 0, err
	}

	uploaded := 0
	for _, seg := range segments {
		timer := logging.StartTimer(a.logger, "audit segment upload", logging.String("segment", filepath.Base(seg)))
		err := a.upload(ctx, seg)
		a.cfg.Metrics.RecordArchiveUpload(err)
		if err != nil {
			timer.EndError(err)
			return uploaded, err
		}
		if err := a.cfg.Journal.MarkArchived(seg); err != nil {
			timer.EndError(err)
			return uploaded, fmt.Errorf("mark %s archived: %w", seg, err)
		}
		timer.End()
		uploaded++
	}
	return uploaded, nil
}

func (a *Archiver) upload(ctx context.Context, seg string) error {
	raw, err := os.ReadFile(seg)
	if err != nil {
		return fmt.Errorf("read segment: %w", err)
	}
	if _, _, err := VerifyStream(bytes.NewReader(raw), firstPrevHash(raw), nil); err != nil {
		return fmt.Errorf("verify segment %s: %w", filepath.Base(seg), err)
	}

	body := snappy.Encode(nil, raw)
	_, err = a.cfg.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(a.ObjectKey(seg)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-snappy"),
		Metadata: map[string]string{
			"uncompressed-size": fmt.Sprintf("%d", len(raw)),
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", a.ObjectKey(seg), err)
	}
	return nil
}

// ObjectKey returns the S3 key a segment is uploaded to.
func (a *Archiver) ObjectKey(seg string) string {
	return path.Join(a.cfg.Prefix, filepath.Base(seg)+".sz")
}

// firstPrevHash returns the prev_hash of the first record so a segment can
// be verified on its own.
func firstPrevHash(raw []byte) string {
	line := raw
	if i := bytes.IndexByte(raw, '\n'); i >= 0 {
		line = raw[:i]
	}
	var head struct {
		PrevHash string `json:"prev_hash"`
	}
	_ = json.Unmarshal(line, &head)
	return head.PrevHash
}

// DecodeArchive decompresses an archived object and returns its records.
func DecodeArchive(data []byte) ([]Record, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("decompress archive: %w", err)
	}
	var out []Record
	_, _, err = VerifyStream(bytes.NewReader(raw), firstPrevHash(raw), func(r Record) error {
		out = append(out, r)
		return nil
	})
	return out, err
}
