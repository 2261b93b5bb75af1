// Package storage выгружает готовые файлы экспорта в S3 или S3-совместимое
// хранилище.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// Config - параметры выгрузки
type Config struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // для S3-совместимых хранилищ
	Prefix   string `yaml:"prefix"`   // префикс ключей

	// Явные ключи доступа. Без них используется стандартная цепочка AWS
	// (переменные окружения, профиль, роль)
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	SessionToken string `yaml:"session_token"`

	PartSizeMB  int64 `yaml:"part_size_mb"`
	Concurrency int   `yaml:"concurrency"`
}

// Enabled - выгрузка включена
func (c *Config) Enabled() bool {
	return c.Bucket != ""
}

// SetDefaults заполняет незаданные значения
func (c *Config) SetDefaults() {
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.PartSizeMB <= 0 {
		c.PartSizeMB = 16
	}
	if c.Concurrency <= 0 {
		c.Concurrency = manager.DefaultUploadConcurrency
	}
}

var bucketName = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]*[a-z0-9]$`)

// Validate проверяет корректность Config
func (c *Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if len(c.Bucket) < 3 || len(c.Bucket) > 63 {
		return errors.New("bucket name must be between 3 and 63 characters")
	}
	if !bucketName.MatchString(c.Bucket) {
		return errors.New("bucket name must contain only lowercase letters, numbers, hyphens, and dots")
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return errors.New("access_key and secret_key must be set together")
	}
	return nil
}

// Uploader выгружает файлы в бакет
type Uploader struct {
	cfg      Config
	uploader *manager.Uploader
	log      zerolog.Logger
}

// NewUploader создает клиент S3
func NewUploader(ctx context.Context, cfg Config, log zerolog.Logger) (*Uploader, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// S3-совместимые хранилища обычно не поддерживают virtual-hosted-style
			o.UsePathStyle = true
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = cfg.PartSizeMB * 1024 * 1024
		u.Concurrency = cfg.Concurrency
	})

	return &Uploader{
		cfg:      cfg,
		uploader: uploader,
		log:      log.With().Str("component", "s3").Str("bucket", cfg.Bucket).Logger(),
	}, nil
}

// Key возвращает ключ объекта для файла относительно baseDir
func (u *Uploader) Key(baseDir, file string) (string, error) {
	rel, err := filepath.Rel(baseDir, file)
	if err != nil {
		return "", fmt.Errorf("failed to resolve key of %s: %w", file, err)
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, "../") {
		rel = path.Base(rel)
	}
	return path.Join(u.cfg.Prefix, rel), nil
}

// Upload выгружает файл и возвращает его s3:// URI
func (u *Uploader) Upload(ctx context.Context, baseDir, file string) (string, error) {
	key, err := u.Key(baseDir, file)
	if err != nil {
		return "", err
	}

	f, err := os.Open(file)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", file, err)
	}
	defer f.Close()

	if _, err := u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.cfg.Bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", file, err)
	}

	uri := "s3://" + u.cfg.Bucket + "/" + key
	u.log.Debug().Str("file", file).Str("uri", uri).Msg("File uploaded")
	return uri, nil
}

// UploadAll выгружает файлы и все файлы каталогов из dirs
// Отсутствующий каталог пропускается
func (u *Uploader) UploadAll(ctx context.Context, baseDir string, files []string, dirs ...string) ([]string, error) {
	all := append([]string(nil), files...)
	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				all = append(all, p)
			}
			return nil
		})
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to list %s: %w", dir, err)
		}
	}

	uris := make([]string, 0, len(all))
	for _, file := range all {
		if err := ctx.Err(); err != nil {
			return uris, err
		}
		uri, err := u.Upload(ctx, baseDir, file)
		if err != nil {
			return uris, err
		}
		uris = append(uris, uri)
	}
	u.log.Info().Int("files", len(uris)).Msg("Output uploaded")
	return uris, nil
}
