package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Info writes record into os.stdout with log level INFO
func Info(v ...interface{}) {
	if len(v) == 1 {
		logger.Info().Interface("message", v[0]).Send()
	} else {
		logger.Info().Msg(fmt.Sprint(v...))
	}
}

// Infof writes record into os.stdout with log level INFO
func Infof(format string, v ...interface{}) {
	logger.Info().Msgf(format, v...)
}

// Debug writes record into os.stdout with log level DEBUG
func Debug(v ...interface{}) {
	logger.Debug().Msg(fmt.Sprint(v...))
}

// Debugf writes record into os.stdout with log level DEBUG
func Debugf(format string, v ...interface{}) {
	logger.Debug().Msgf(format, v...)
}

// Error writes record into os.stdout with log level ERROR
func Error(v ...interface{}) {
	logger.Error().Msg(fmt.Sprint(v...))
}

// Errorf writes record into os.stdout with log level ERROR
func Errorf(format string, v ...interface{}) {
	logger.Error().Msgf(format, v...)
}

// Fatal writes record into os.stdout with log level ERROR and exits
func Fatal(v ...interface{}) {
	logger.Fatal().Msg(fmt.Sprint(v...))
	os.Exit(1)
}

// Fatalf writes record into os.stdout with log level ERROR and exits
func Fatalf(format string, v ...interface{}) {
	logger.Fatal().Msgf(format, v...)
	os.Exit(1)
}

// Warn writes record into os.stdout with log level WARN
func Warn(v ...interface{}) {
	logger.Warn().Msg(fmt.Sprint(v...))
}

// Warnf writes record into os.stdout with log level WARN
func Warnf(format string, v ...interface{}) {
	logger.Warn().Msgf(format, v...)
}

// With returns a child logger carrying structured fields, e.g. connector or shard ids.
func With(fields map[string]any) zerolog.Logger {
	return logger.With().Fields(fields).Logger()
}

// FileLogger creates or overwrites <CONFIG_FOLDER>/<fileName><fileExtension> with content as JSON.
func FileLogger(content any, fileName, fileExtension string) error {
	filePath := viper.GetString("CONFIG_FOLDER")
	if filePath == "" {
		return fmt.Errorf("config folder is not set")
	}
	contentBytes, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to marshal content: %s", err)
	}

	fullPath := filepath.Join(filePath, fileName+fileExtension)
	if err := os.WriteFile(fullPath, contentBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write data to file: %s", err)
	}

	return nil
}

// StatsLogger periodically writes the result of statsFunc plus process memory to stats.json.
func StatsLogger(ctx context.Context, interval time.Duration, statsFunc func() map[string]any) {
	startTime := time.Now()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				Info("Monitoring stopped")
				return
			case <-ticker.C:
				memStats := new(runtime.MemStats)
				runtime.ReadMemStats(memStats)
				stats := statsFunc()
				stats["Memory"] = fmt.Sprintf("%d mb", memStats.HeapInuse/(1024*1024))
				stats["Seconds Elapsed"] = fmt.Sprintf("%.2f", time.Since(startTime).Seconds())
				if err := FileLogger(stats, "stats", ".json"); err != nil {
					Warnf("failed to write stats in file: %s", err)
				}
			}
		}
	}()
}

// Init wires the console writer and, when CONFIG_FOLDER is set, a rotating log file.
func Init() {
	zerolog.TimestampFunc = func() time.Time {
		return time.Now().UTC()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(viper.GetString("LOG_LEVEL")))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var currentLevel string
	// LogColors defines ANSI color codes for log levels
	var logColors = map[string]string{
		"debug": "\033[36m", // Cyan
		"info":  "\033[32m", // Green
		"warn":  "\033[33m", // Yellow
		"error": "\033[31m", // Red
		"fatal": "\033[31m", // Red
	}
	console := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "2006-01-02 15:04:05",
		FormatLevel: func(i interface{}) string {
			level, _ := i.(string)
			currentLevel = level
			return fmt.Sprintf("%s%s\033[0m", logColors[level], strings.ToUpper(level))
		},
		FormatMessage: func(i interface{}) string {
			msg := ""
			switch v := i.(type) {
			case string:
				msg = v
			default:
				jsonMsg, err := json.Marshal(v)
				if err != nil {
					return err.Error()
				}
				return string(jsonMsg)
			}
			if currentLevel == zerolog.ErrorLevel.String() || currentLevel == zerolog.FatalLevel.String() {
				msg = fmt.Sprintf("\033[31m%s\033[0m", msg)
			}
			return msg
		},
		FormatTimestamp: func(i interface{}) string {
			return fmt.Sprintf("\033[90m%s\033[0m", i)
		},
	}

	outputs := []io.Writer{console}
	if folder := viper.GetString("CONFIG_FOLDER"); folder != "" {
		now := time.Now().UTC()
		rotatingFile := &lumberjack.Logger{
			Filename:   fmt.Sprintf("%s/logs/cdc_%s/cdc.log", folder, now.Format("2006-01-02_15-04-05")),
			MaxSize:    100, // Max size in MB before log rotation
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		outputs = append(outputs, rotatingFile)
	}

	logger = zerolog.New(zerolog.MultiLevelWriter(outputs...)).Level(level).With().Timestamp().Logger()
}
