package logger

import (
	"go.uber.org/zap"
)

// New returns a named sugared logger writing to stderr.
func New(name string) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	cfg.OutputPaths = []string{"stderr"}

	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	return l.Sugar().Named(name), nil
}
