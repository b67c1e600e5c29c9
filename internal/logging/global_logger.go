// Package logging owns the process-wide logrus setup: the bracketed line
// format, the optional rotating file output, and the adapters that route
// Gin's writers through logrus.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const logDir = "logs"

var (
	setupOnce sync.Once

	mu         sync.Mutex
	fileWriter *lumberjack.Logger
	ginWriters []*io.PipeWriter
)

// LineFormatter renders entries as
// [timestamp] [level] [file:line] message.
type LineFormatter struct{}

// Format implements logrus.Formatter.
func (f *LineFormatter) Format(entry *log.Entry) ([]byte, error) {
	buf := entry.Buffer
	if buf == nil {
		buf = &bytes.Buffer{}
	}

	where := "?"
	if entry.Caller != nil {
		where = fmt.Sprintf("%s:%d", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}
	msg := strings.TrimRight(entry.Message, "\r\n")
	fmt.Fprintf(buf, "[%s] [%s] [%s] %s\n", entry.Time.Format("2006-01-02 15:04:05"), entry.Level, where, msg)
	return buf.Bytes(), nil
}

// SetupBaseLogger installs the formatter on the shared logrus instance and
// points Gin's writers at it. Calling it again is a no-op.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetReportCaller(true)
		log.SetFormatter(&LineFormatter{})

		info := log.StandardLogger().Writer()
		errw := log.StandardLogger().WriterLevel(log.ErrorLevel)
		gin.DefaultWriter = info
		gin.DefaultErrorWriter = errw
		gin.DebugPrintFunc = func(format string, values ...interface{}) {
			log.StandardLogger().Infof(strings.TrimRight(format, "\r\n"), values...)
		}

		mu.Lock()
		ginWriters = append(ginWriters, info, errw)
		mu.Unlock()

		log.RegisterExitHandler(closeWriters)
	})
}

// ConfigureLogOutput points the shared logger at a rotating file under logs/
// or back at stdout. Safe to call on every config reload.
func ConfigureLogOutput(toFile bool) error {
	SetupBaseLogger()

	mu.Lock()
	defer mu.Unlock()

	if !toFile {
		if fileWriter != nil {
			_ = fileWriter.Close()
			fileWriter = nil
		}
		log.SetOutput(os.Stdout)
		return nil
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("logging: cannot create %s: %w", logDir, err)
	}
	if fileWriter != nil {
		_ = fileWriter.Close()
	}
	fileWriter = &lumberjack.Logger{
		Filename: filepath.Join(logDir, "main.log"),
		MaxSize:  10,
	}
	log.SetOutput(fileWriter)
	return nil
}

func closeWriters() {
	mu.Lock()
	defer mu.Unlock()
	if fileWriter != nil {
		_ = fileWriter.Close()
		fileWriter = nil
	}
	for _, w := range ginWriters {
		_ = w.Close()
	}
	ginWriters = nil
}
