package logger

import "go.uber.org/zap"

// Log is the process-wide logger; Init must run before anything uses it.
// Packages that never run under main (tests) swap in zap.NewNop.
var Log = zap.NewNop()

func Init() {
	Log = zap.Must(zap.NewProduction())
}

func Sugar() *zap.SugaredLogger {
	return Log.Sugar()
}
