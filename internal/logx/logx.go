// Package logx fournit un logger à niveaux au format printf, adossé à zerolog.
package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var logger atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	logger.Store(&l)
}

func ParseLevel(v string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("invalid log level %q (expected debug|info|warn|error)", v)
	}
}

// Configure fixe le niveau et le format. En mode console la sortie est lisible
// par un humain, sinon une ligne JSON par événement.
func Configure(level string, console bool) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	var w io.Writer = os.Stderr
	if console {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	SetOutput(w, lvl)
	return nil
}

// SetOutput remplace la destination des logs (utilisé par les tests).
func SetOutput(w io.Writer, lvl zerolog.Level) {
	l := zerolog.New(w).With().Timestamp().Logger().Level(lvl)
	logger.Store(&l)
}

func IsDebug() bool {
	return logger.Load().GetLevel() <= zerolog.DebugLevel
}

func Debugf(format string, args ...any) { logger.Load().Debug().Msgf(format, args...) }
func Infof(format string, args ...any)  { logger.Load().Info().Msgf(format, args...) }
func Warnf(format string, args ...any)  { logger.Load().Warn().Msgf(format, args...) }
func Errorf(format string, args ...any) { logger.Load().Error().Msgf(format, args...) }

func Fatalf(format string, args ...any) {
	logger.Load().Error().Msgf(format, args...)
	os.Exit(1)
}
