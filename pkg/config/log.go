package config

import (
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/AutoMQ/streamlink/pkg/util/logutil"
)

const (
	// RotationSchema prefixes the output paths written through a rotated log file
	RotationSchema = "rotate"

	_callerDepth = 2
)

var (
	registerRotationOnce sync.Once
	errRegisterRotation  error
	// rotations maps the file names of rotated log files to their Rotate settings.
	rotations sync.Map
)

// Log is configuration item for logging, including configuration for Zap.Logger and log rotation
type Log struct {
	Zap            zap.Config
	Rotate         Rotate
	EnableRotation bool
	Level          string
}

// Rotate is how rotated log files are kept, see lumberjack.Logger
type Rotate struct {
	// MaxSize is the size in megabytes a log file is rotated at.
	MaxSize int
	// MaxAge is the number of days rotated files are kept. Zero keeps them forever.
	MaxAge int
	// MaxBackups is the number of rotated files kept. Zero keeps all of them.
	MaxBackups int
	// LocalTime names rotated files with local time rather than UTC.
	LocalTime bool
	// Compress gzips rotated files.
	Compress bool
}

// NewLog creates a default logging configuration.
func NewLog() *Log {
	log := &Log{
		Zap: zap.NewProductionConfig(),
	}
	// left empty so that Adjust defaults it to the output paths
	log.Zap.ErrorOutputPaths = nil
	log.Zap.EncoderConfig.EncodeCaller = logutil.ShortCallerEncoder(_callerDepth)
	log.Zap.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return log
}

// Adjust adjusts the configuration in Log.Zap based on additional settings
func (l *Log) Adjust() error {
	if len(l.Zap.ErrorOutputPaths) == 0 {
		l.Zap.ErrorOutputPaths = append([]string(nil), l.Zap.OutputPaths...)
	}

	if l.EnableRotation {
		wd, err := os.Getwd()
		if err != nil {
			return errors.WithMessage(err, "get current directory")
		}
		l.Zap.OutputPaths = rotatedPaths(l.Zap.OutputPaths, wd)
		l.Zap.ErrorOutputPaths = rotatedPaths(l.Zap.ErrorOutputPaths, wd)
	}

	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return errors.WithMessage(err, "parse log level")
	}
	l.Zap.Level = zap.NewAtomicLevelAt(level)
	return nil
}

// Logger creates a logger based on the configuration
func (l *Log) Logger() (*zap.Logger, error) {
	if l.EnableRotation {
		if err := l.setupRotation(); err != nil {
			return nil, errors.WithMessage(err, "setup rotation")
		}
	}

	logger, err := l.Zap.Build()
	if err != nil {
		return nil, errors.WithMessage(err, "build logger")
	}
	return logger, nil
}

// setupRotation records the Rotate settings of every rotated output path. The sink
// serving RotationSchema is registered with zap once per process.
func (l *Log) setupRotation() error {
	for _, paths := range [][]string{l.Zap.OutputPaths, l.Zap.ErrorOutputPaths} {
		for _, p := range paths {
			u, err := url.Parse(p)
			if err != nil || u.Scheme != RotationSchema {
				continue
			}
			rotations.Store(u.Path, l.Rotate)
		}
	}

	registerRotationOnce.Do(func() {
		errRegisterRotation = zap.RegisterSink(RotationSchema, newRotationSink)
	})
	return errors.WithMessage(errRegisterRotation, "register sink")
}

type rotation struct {
	*lumberjack.Logger
}

// Sync implements zap.Sink. The remaining methods are implemented
// by the embedded *lumberjack.Logger.
func (rotation) Sync() error {
	return nil
}

func newRotationSink(u *url.URL) (zap.Sink, error) {
	var r Rotate
	if v, ok := rotations.Load(u.Path); ok {
		r = v.(Rotate)
	}
	return rotation{&lumberjack.Logger{
		Filename:   u.Path,
		MaxSize:    r.MaxSize,
		MaxAge:     r.MaxAge,
		MaxBackups: r.MaxBackups,
		LocalTime:  r.LocalTime,
		Compress:   r.Compress,
	}}, nil
}

// rotatedPaths prefixes file paths, made absolute against wd, with RotationSchema.
func rotatedPaths(paths []string, wd string) []string {
	results := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "stderr" || p == "stdout" {
			results = append(results, p)
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(wd, p)
		}
		results = append(results, RotationSchema+":"+p)
	}
	return results
}

func logConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("log-level", _defaultLogLevel, "the minimum enabled logging level")
	fs.StringSlice("log-zap-output-paths", _defaultLogZapOutputPaths, "a list of URLs or file paths to write logging output to")
	fs.StringSlice("log-zap-error-output-paths", []string{}, "a list of URLs to write internal logger errors to (default ${log-zap-output-paths})")
	fs.String("log-zap-encoding", _defaultLogZapEncoding, "the logger's encoding, \"json\" or \"console\"")
	fs.Bool("log-enable-rotation", _defaultLogEnableRotation, "whether to rotate log files")
	fs.Int("log-rotate-max-size", _defaultLogRotateMaxSize, "size in megabytes a log file is rotated at")
	fs.Int("log-rotate-max-age", _defaultLogRotateMaxAge, "number of days rotated log files are kept (zero keeps them forever)")
	fs.Int("log-rotate-max-backups", _defaultLogRotateMaxBackups, "number of rotated log files kept (zero keeps all of them)")
	fs.Bool("log-rotate-local-time", _defaultLogRotateLocalTime, "name rotated log files with local time rather than UTC")
	fs.Bool("log-rotate-compress", _defaultLogRotateCompress, "gzip rotated log files")
	_ = v.BindPFlag("log.level", fs.Lookup("log-level"))
	_ = v.BindPFlag("log.zap.outputPaths", fs.Lookup("log-zap-output-paths"))
	_ = v.BindPFlag("log.zap.errorOutputPaths", fs.Lookup("log-zap-error-output-paths"))
	_ = v.BindPFlag("log.zap.encoding", fs.Lookup("log-zap-encoding"))
	_ = v.BindPFlag("log.enableRotation", fs.Lookup("log-enable-rotation"))
	_ = v.BindPFlag("log.rotate.maxSize", fs.Lookup("log-rotate-max-size"))
	_ = v.BindPFlag("log.rotate.maxAge", fs.Lookup("log-rotate-max-age"))
	_ = v.BindPFlag("log.rotate.maxBackups", fs.Lookup("log-rotate-max-backups"))
	_ = v.BindPFlag("log.rotate.localTime", fs.Lookup("log-rotate-local-time"))
	_ = v.BindPFlag("log.rotate.compress", fs.Lookup("log-rotate-compress"))
}
