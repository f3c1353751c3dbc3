package main

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blebridge/internal/config"
)

// configureLogger creates a logger from the --log-level flag, falling back
// to the configured level when the flag is unset.
func configureLogger(cmd *cobra.Command, configured string) (*logrus.Logger, error) {
	levelStr, _ := cmd.Flags().GetString("log-level")
	if levelStr == "" {
		levelStr = configured
	}

	level, err := config.ParseLevel(levelStr)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger, nil
}
