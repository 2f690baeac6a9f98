package logger

import "go.uber.org/zap"

// New builds the process logger. Production gets JSON output, anything
// else gets the human-readable development encoder.
func New(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
