package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestOutputSplitter_WritesEveryLevelInFull(t *testing.T) {
	splitter := OutputSplitter{}

	tests := []struct {
		name       string
		logMessage []byte
	}{
		{name: "ErrorLevel", logMessage: []byte(`time="2024-01-15T10:30:00Z" level=error msg="Database connection failed"`)},
		{name: "InfoLevel", logMessage: []byte(`time="2024-01-15T10:30:00Z" level=info msg="Service started"`)},
		{name: "WarnLevel", logMessage: []byte(`time="2024-01-15T10:30:00Z" level=warning msg="High memory usage"`)},
		{name: "DebugLevel", logMessage: []byte(`time="2024-01-15T10:30:00Z" level=debug msg="Processing request"`)},
		{name: "ErrorInMessage", logMessage: []byte(`time="2024-01-15T10:30:00Z" level=info msg="error occurred but not error level"`)},
		{name: "EmptyMessage", logMessage: []byte(``)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := splitter.Write(tt.logMessage)
			assert.NoError(t, err)
			assert.Equal(t, len(tt.logMessage), n)
		})
	}
}

func TestOutputSplitter_BytePatternMatching(t *testing.T) {
	splitter := OutputSplitter{}

	errorPatterns := [][]byte{
		[]byte("level=error"),
		[]byte("level=error msg=\"test\""),
		[]byte("prefix level=error suffix"),
	}
	for i, pattern := range errorPatterns {
		n, err := splitter.Write(pattern)
		assert.NoError(t, err, "pattern %d", i)
		assert.Equal(t, len(pattern), n)
	}

	nonErrorPatterns := [][]byte{
		[]byte("level=info"),
		[]byte("level=warning"),
		[]byte("level=debug"),
		[]byte("error in message but level=info"),
	}
	for i, pattern := range nonErrorPatterns {
		n, err := splitter.Write(pattern)
		assert.NoError(t, err, "pattern %d", i)
		assert.Equal(t, len(pattern), n)
	}
}

func TestOutputSplitter_ConcurrentWrites(t *testing.T) {
	splitter := OutputSplitter{}
	done := make(chan bool)

	for i := 0; i < 10; i++ {
		go func() {
			message := []byte("concurrent message")
			n, err := splitter.Write(message)
			assert.NoError(t, err)
			assert.Equal(t, len(message), n)
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}

func TestLogger_Initialization(t *testing.T) {
	assert.NotNil(t, Logger)
	assert.NotNil(t, Logger.Out)
	_, ok := Logger.Out.(OutputSplitter)
	assert.True(t, ok, "Logger should use OutputSplitter")
}

func TestNew_LevelAndFormat(t *testing.T) {
	l := New(Options{Level: "debug", Format: "json"})
	assert.Equal(t, "debug", l.GetLevel().String())
	_, isJSON := l.Formatter.(*logrus.JSONFormatter)
	assert.True(t, isJSON, "Format json selects the JSON formatter")

	fallback := New(Options{Level: "not-a-level", Format: "text"})
	assert.Equal(t, "info", fallback.GetLevel().String())
	_, isText := fallback.Formatter.(*logrus.TextFormatter)
	assert.True(t, isText, "Format text selects the text formatter")
}
