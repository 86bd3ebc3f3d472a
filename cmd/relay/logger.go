package main

import (
	"fmt"
	"os"

	"github.com/modelrelay/relay/pkg/logger"
)

// Environment variable fallbacks for logging flags.
const (
	logFileEnvVar   = "LOG_FILE"
	logLevelEnvVar  = "LOG_LEVEL"
	logFormatEnvVar = "LOG_FORMAT"
)

// initLogger initializes the process logger. Priority: CLI flags > env vars
// > defaults. Returns a cleanup function when logging to a file.
func initLogger(cliLevel, cliFile, cliFormat string) (func(), error) {
	logLevel := cliLevel
	if logLevel == "" {
		logLevel = os.Getenv(logLevelEnvVar)
	}

	logFile := cliFile
	if logFile == "" {
		logFile = os.Getenv(logFileEnvVar)
	}

	logFormat := cliFormat
	if logFormat == "" {
		logFormat = os.Getenv(logFormatEnvVar)
	}
	if logFormat == "" {
		logFormat = "simple"
	}

	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	output := os.Stderr
	var cleanup func()
	if logFile != "" {
		file, cleanupFn, err := logger.OpenLogFile(logFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		cleanup = cleanupFn
	}

	logger.Init(level, output, logFormat)
	return cleanup, nil
}
