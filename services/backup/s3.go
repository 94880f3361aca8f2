package backupsvc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"

	"github.com/trezcool/feeledger/core"
)

var (
	ErrNoBucket          = errors.New("backup bucket is not configured")
	ErrUnsupportedEngine = errors.New("backups are only supported for sqlite")
)

// Uploader is the subset of *s3.Client used for backups.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var _ Uploader = (*s3.Client)(nil)

// NewS3Client builds an S3 client from the backup config.
// Static credentials are used when set, the default AWS chain otherwise.
func NewS3Client(ctx context.Context, conf core.BackupConfig) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(conf.Region)}
	if conf.AccessKeyID != "" && conf.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(conf.AccessKeyID, conf.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "loading aws config")
	}

	var s3Opts []func(*s3.Options)
	if conf.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(conf.Endpoint)
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// Service snapshots the local SQLite ledger and uploads it to a bucket.
type Service struct {
	db       core.DBExecutor
	engine   string
	bucket   string
	prefix   string
	uploader Uploader
	logger   core.Logger
	clock    core.Clock
}

func NewService(db core.DBExecutor, dbConf core.DatabaseConfig, conf core.BackupConfig, uploader Uploader, logger core.Logger, clock ...core.Clock) *Service {
	svc := &Service{
		db:       db,
		engine:   dbConf.Engine,
		bucket:   conf.Bucket,
		prefix:   conf.Prefix,
		uploader: uploader,
		logger:   logger,
	}
	if len(clock) > 0 {
		svc.clock = clock[0]
	}
	return svc
}

// Key is the object key a backup taken at t is stored under.
func (svc *Service) Key(t time.Time) string {
	return fmt.Sprintf("%sledger-%s.db", svc.prefix, t.UTC().Format("20060102T150405Z"))
}

// Run takes a consistent snapshot with VACUUM INTO and uploads it. It returns the object key.
func (svc *Service) Run(ctx context.Context) (string, error) {
	if svc.engine != "" && svc.engine != core.EngineSQLite {
		return "", ErrUnsupportedEngine
	}
	if svc.bucket == "" {
		return "", ErrNoBucket
	}

	dir, err := os.MkdirTemp("", "feeledger-backup-")
	if err != nil {
		return "", errors.Wrap(err, "creating backup dir")
	}
	defer func() { _ = os.RemoveAll(dir) }()

	snapshot := filepath.Join(dir, "ledger.db")
	if _, err = svc.db.ExecContext(ctx, "VACUUM INTO ?", snapshot); err != nil {
		return "", errors.Wrap(err, "snapshotting database")
	}

	f, err := os.Open(snapshot)
	if err != nil {
		return "", errors.Wrap(err, "opening snapshot")
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return "", errors.Wrap(err, "reading snapshot size")
	}

	key := svc.Key(svc.clock.Now())
	_, err = svc.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(svc.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/vnd.sqlite3"),
	})
	if err != nil {
		return "", errors.Wrapf(err, "uploading %s", key)
	}

	svc.logger.Info(fmt.Sprintf("backup: uploaded %s (%d bytes) to %s", key, info.Size(), svc.bucket))
	return key, nil
}
