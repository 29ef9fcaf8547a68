package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"natpmp-renewer/config"

	"github.com/sirupsen/logrus"
)

// FieldsHook 为每条日志附加固定字段
type FieldsHook struct {
	fields logrus.Fields
}

// Levels 返回支持的日志级别
func (h *FieldsHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire 处理日志事件，已存在的字段不覆盖
func (h *FieldsHook) Fire(entry *logrus.Entry) error {
	for key, value := range h.fields {
		if _, exists := entry.Data[key]; !exists {
			entry.Data[key] = value
		}
	}
	return nil
}

// newLogger 按配置创建日志器，返回的 io.Closer 用于关闭日志文件
func newLogger(cfg *config.Config, levelOverride string) (*logrus.Logger, io.Closer, error) {
	levelName := cfg.Log.Level
	if levelOverride != "" {
		levelName = levelOverride
	}

	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		return nil, nil, fmt.Errorf("无效的日志级别: %s", levelName)
	}

	logger := logrus.New()
	logger.SetLevel(level)

	if cfg.Log.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}

	logger.AddHook(&FieldsHook{fields: logrus.Fields{
		"service":       cfg.Service,
		"internal_port": cfg.InternalPort,
	}})

	var closer io.Closer = io.NopCloser(nil)
	if cfg.Log.File != "" {
		logFile, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("无法创建日志文件: %w", err)
		}

		// 同时输出到控制台和文件
		logger.SetOutput(io.MultiWriter(os.Stdout, logFile))
		closer = logFile
	} else {
		logger.SetOutput(os.Stdout)
	}

	return logger, closer, nil
}
