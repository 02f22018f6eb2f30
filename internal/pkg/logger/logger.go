package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level   string
	Pretty  bool
	Service string
	Env     string
}

// New builds a development (console) or production (JSON) logger.
// An unknown level falls back to info.
func New(c Config) (*zap.Logger, error) {
	var cfg zap.Config
	if c.Pretty {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	level := new(zapcore.Level)
	if err := level.Set(c.Level); err != nil {
		*level = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(*level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build(zap.Fields(
		zap.String("service", c.Service),
		zap.String("env", c.Env),
	))
}

// TokenRef logs a token by a short prefix of its hash. Raw tokens never reach the log.
func TokenRef(hash string) zap.Field {
	if len(hash) > 12 {
		hash = hash[:12]
	}
	return zap.String("token_ref", hash)
}
