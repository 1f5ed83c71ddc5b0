package config

import (
	"go.uber.org/zap"
)

// NewLogger builds the process logger. Output goes to stderr and, when
// cfg.File is set, to that file as well.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.File != "" {
		zc.OutputPaths = append(zc.OutputPaths, cfg.File)
		zc.ErrorOutputPaths = append(zc.ErrorOutputPaths, cfg.File)
	}
	return zc.Build()
}
