package logging

import (
	"io"
	"log"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileName is the log file created inside the application directory.
const FileName = "podhub.log"

// Configure routes the standard logger to a rotating file at path and returns
// the writer so other components (the HTTP server) can share it. Close the
// returned writer on shutdown.
func Configure(path string) io.WriteCloser {
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   false,
	}
	log.SetOutput(w)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	return w
}

// PathIn returns the log file path inside baseDir.
func PathIn(baseDir string) string {
	return filepath.Join(baseDir, FileName)
}
