// Package logger provides adapters for popular logging libraries to work
// with bpstore's Logger interface.
//
// The standard library's slog.Logger already implements bpstore.Logger
// directly; these adapters cover zap and logrus without boilerplate.
//
// Example with zap:
//
//	zapLogger, _ := zap.NewProduction()
//
//	db, err := bpstore.Open("data.db",
//	    bpstore.WithLogger(logger.NewZap(zapLogger)),
//	)
package logger
