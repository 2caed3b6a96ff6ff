package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// captureOutput captures log output during test execution
func captureOutput(f func()) string {
	oldOutput := stdLogger.Writer()
	var buf bytes.Buffer
	stdLogger.SetOutput(&buf)
	defer stdLogger.SetOutput(oldOutput)

	f()
	return buf.String()
}

func TestSetLevel(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)

	for _, level := range []LogLevel{TRACE, DEBUG, INFO, WARN, ERROR, FATAL} {
		t.Run(level.String(), func(t *testing.T) {
			SetLevel(level)
			assert.Equal(t, level, GetLevel())
		})
	}
}

func TestGetLevelFromString(t *testing.T) {
	tests := []struct {
		name     string
		levelStr string
		expected LogLevel
	}{
		{"trace level", "TRACE", TRACE},
		{"lowercase debug", "debug", DEBUG},
		{"mixed case warn", "WaRn", WARN},
		{"warning alias", "warning", WARN},
		{"padded error", " error ", ERROR},
		{"unknown level", "UNKNOWN", INFO},
		{"empty string", "", INFO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, GetLevelFromString(tt.levelStr))
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)

	SetLevel(WARN)
	output := captureOutput(func() {
		Debug("hidden %d", 1)
		Info("hidden %d", 2)
		Warn("shown %d", 3)
		Error("shown %d", 4)
	})

	assert.NotContains(t, output, "hidden")
	assert.Contains(t, output, "[WARN] shown 3")
	assert.Contains(t, output, "[ERROR] shown 4")
}

func TestForChannel(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)
	SetLevel(TRACE)

	output := captureOutput(func() {
		ForChannel("abc").Trace("tls upgraded=%t", true)
	})

	assert.True(t, strings.Contains(output, "[TRACE] [ch=abc] tls upgraded=true"), output)
}

func TestFatalExits(t *testing.T) {
	originalExit := exitFunc
	defer func() { exitFunc = originalExit }()

	code := -1
	exitFunc = func(c int) { code = c }

	output := captureOutput(func() {
		Fatal("cannot bind %s", "127.0.0.1:8080")
	})

	assert.Equal(t, 1, code)
	assert.Contains(t, output, "[FATAL] cannot bind 127.0.0.1:8080")
}
