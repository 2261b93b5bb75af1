package writer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/ruslano69/citydb-tool/pkg/brokers"
)

// ErrSinkClosed - запись в закрытый приемник
var ErrSinkClosed = errors.New("sink is closed")

// Sink принимает записи одного выходного документа
// Методы вызываются из одной горутины пула записи
type Sink interface {
	Header(ctx context.Context) error
	Write(ctx context.Context, r Record) error
	Footer(ctx context.Context) error
	Close() error
}

// FileOptions - параметры файлового приемника
type FileOptions struct {
	Compress bool
	// Level: 1 (быстро) - 22 (лучшее сжатие), 0 = 3
	Level int
}

// FileSink пишет документ в файл, при Compress через zstd
type FileSink struct {
	path   string
	format Format
	file   *os.File
	zw     *zstd.Encoder
	buf    *bufio.Writer
	closed bool
}

// NewFileSink создает файл. При сжатии к имени добавляется .zst
func NewFileSink(path string, format Format, opts FileOptions) (*FileSink, error) {
	if opts.Compress && !strings.HasSuffix(path, ".zst") {
		path += ".zst"
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}

	s := &FileSink{path: path, format: format, file: f}
	var w io.Writer = f
	if opts.Compress {
		level := opts.Level
		if level == 0 {
			level = 3
		}
		s.zw, err = zstd.NewWriter(f,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
			zstd.WithEncoderConcurrency(4),
		)
		if err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		w = s.zw
	}
	s.buf = bufio.NewWriterSize(w, 64*1024)
	return s, nil
}

// Path возвращает фактический путь файла
func (s *FileSink) Path() string {
	return s.path
}

func (s *FileSink) Header(context.Context) error {
	return s.write(s.format.Header)
}

func (s *FileSink) Write(_ context.Context, r Record) error {
	if err := s.write(r.Payload); err != nil {
		return fmt.Errorf("failed to write feature %s: %w", r.GMLID, err)
	}
	return nil
}

func (s *FileSink) Footer(context.Context) error {
	return s.write(s.format.Footer)
}

func (s *FileSink) write(p []byte) error {
	if s.closed {
		return ErrSinkClosed
	}
	_, err := s.buf.Write(p)
	return err
}

// Close сбрасывает буфер, завершает zstd-кадр и закрывает файл
func (s *FileSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.buf.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	if s.zw != nil {
		if err := s.zw.Close(); err != nil {
			errs = append(errs, fmt.Errorf("zstd close: %w", err))
		}
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("file close: %w", err))
	}
	return errors.Join(errs...)
}

// BrokerSink публикует каждую запись отдельным сообщением с ключом gml:id.
// Заголовок и окончание документа в брокер не отправляются
type BrokerSink struct {
	broker brokers.MessageBroker
	format Format
}

// NewBrokerSink оборачивает подключенный брокер. Close закрывает брокер
func NewBrokerSink(broker brokers.MessageBroker, format Format) *BrokerSink {
	return &BrokerSink{broker: broker, format: format}
}

func (s *BrokerSink) Header(context.Context) error { return nil }
func (s *BrokerSink) Footer(context.Context) error { return nil }

func (s *BrokerSink) Write(ctx context.Context, r Record) error {
	return s.broker.Send(ctx, brokers.Message{
		Key:  r.GMLID,
		Body: r.Payload,
		Headers: map[string]string{
			brokers.HeaderFeatureID:   strconv.FormatInt(r.FeatureID, 10),
			brokers.HeaderFeatureType: r.Type,
			brokers.HeaderContentType: s.format.ContentType,
		},
	})
}

func (s *BrokerSink) Close() error {
	return s.broker.Close()
}

// Tee пишет в несколько приемников по порядку
type Tee []Sink

func (t Tee) Header(ctx context.Context) error {
	for _, s := range t {
		if err := s.Header(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (t Tee) Write(ctx context.Context, r Record) error {
	for _, s := range t {
		if err := s.Write(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (t Tee) Footer(ctx context.Context) error {
	for _, s := range t {
		if err := s.Footer(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (t Tee) Close() error {
	var errs []error
	for _, s := range t {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
