package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger(t *testing.T) {
	t.Run("未初始化时不输出", func(t *testing.T) {
		saved := []*logrus.Logger{Logger, InfoLogger, ErrorLogger}
		Logger, InfoLogger, ErrorLogger = nil, nil, nil
		defer func() { Logger, InfoLogger, ErrorLogger = saved[0], saved[1], saved[2] }()

		assert.NotPanics(t, func() {
			Debugf("x %d", 1)
			Infof("x %d", 1)
			Warnf("x %d", 1)
			Errorf("x %d", 1)
			WithField("k", "v").Info("dropped")
		})
	})

	t.Run("单行格式带调用位置", func(t *testing.T) {
		var out bytes.Buffer
		SetOutput(&out, "debug")
		defer SetOutput(&bytes.Buffer{}, "error")

		Warnf("page %d rounded", 3)
		line := out.String()
		assert.Contains(t, line, "[WARN]")
		assert.Contains(t, line, "logger_test.go:")
		assert.Contains(t, line, "page 3 rounded")
		assert.Equal(t, 1, bytes.Count(out.Bytes(), []byte("\n")))
	})

	t.Run("级别过滤", func(t *testing.T) {
		var out bytes.Buffer
		SetOutput(&out, "warn")
		defer SetOutput(&bytes.Buffer{}, "error")

		Debugf("hidden")
		Infof("hidden")
		Errorf("shown")
		assert.NotContains(t, out.String(), "hidden")
		assert.Contains(t, out.String(), "shown")
	})

	t.Run("写入日志文件", func(t *testing.T) {
		dir := t.TempDir()
		cfg := LogConfig{
			InfoLogPath:  filepath.Join(dir, "logs", "info.log"),
			ErrorLogPath: filepath.Join(dir, "logs", "error.log"),
			LogLevel:     "info",
		}
		require.NoError(t, InitLogger(cfg))
		defer SetOutput(&bytes.Buffer{}, "error")

		Infof("space opened")
		Errorf("recovery failed")

		info, err := os.ReadFile(cfg.InfoLogPath)
		require.NoError(t, err)
		assert.Contains(t, string(info), "space opened")
		errs, err := os.ReadFile(cfg.ErrorLogPath)
		require.NoError(t, err)
		assert.Contains(t, string(errs), "recovery failed")
	})

	t.Run("解析级别", func(t *testing.T) {
		assert.Equal(t, logrus.WarnLevel, parseLogLevel("WARNING"))
		assert.Equal(t, logrus.TraceLevel, parseLogLevel("trace"))
		assert.Equal(t, logrus.InfoLevel, parseLogLevel("loud"))
	})
}
