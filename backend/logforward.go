package backend

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"go.uber.org/zap/zapcore"
)

const (
	streamStdout = "stdout"
	streamStderr = "stderr"
)

// forwardLines copies one output stream of a child process into the host
// logger line by line until the pipe closes or the host's cancellation fires,
// whichever comes first. Cancellation is only observed between lines: Scan
// blocks while a live child stays silent, so prompt exit on a cancelled host
// depends on the shutdown sweep stopping the child, which closes the pipe.
func (b *LocalProcessBackend) forwardLines(handle InstanceHandle, stream string, r io.Reader) {
	logger := b.logger.With(
		"module", handle.Module,
		"instance_id", handle.InstanceID.String(),
		"stream", stream,
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if b.cancelCtx.Err() != nil {
			return
		}
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		switch detectLevel(line) {
		case zapcore.DebugLevel:
			logger.Debug(line)
		case zapcore.WarnLevel:
			logger.Warn(line)
		case zapcore.ErrorLevel:
			logger.Error(line)
		default:
			logger.Info(line)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Debugw("output stream closed with error", "error", err)
	}
}

// detectLevel guesses the severity of one line of child output. JSON lines
// are inspected for a "level" field; plain lines usually lead with a
// timestamp, so the second token is tried before the first. Anything
// unrecognized forwards at info.
func detectLevel(line string) zapcore.Level {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "{") {
		var entry struct {
			Level string `json:"level"`
		}
		if err := json.Unmarshal([]byte(trimmed), &entry); err == nil && entry.Level != "" {
			if lvl, ok := parseLevelToken(entry.Level); ok {
				return lvl
			}
		}
		return zapcore.InfoLevel
	}
	fields := strings.Fields(trimmed)
	if len(fields) >= 2 {
		if lvl, ok := parseLevelToken(fields[1]); ok {
			return lvl
		}
	}
	if len(fields) >= 1 {
		if lvl, ok := parseLevelToken(fields[0]); ok {
			return lvl
		}
	}
	return zapcore.InfoLevel
}

func parseLevelToken(tok string) (zapcore.Level, bool) {
	switch strings.ToUpper(strings.Trim(tok, "[]:")) {
	case "TRACE", "DEBUG":
		return zapcore.DebugLevel, true
	case "INFO":
		return zapcore.InfoLevel, true
	case "WARN", "WARNING":
		return zapcore.WarnLevel, true
	case "ERROR", "FATAL":
		return zapcore.ErrorLevel, true
	}
	return zapcore.InfoLevel, false
}
