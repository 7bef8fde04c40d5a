package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	peerID     string
	peerIDOnce sync.Once

	mu     sync.RWMutex
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
)

// Setup configures the global logger from config values.
// format "json" writes raw zerolog JSON; anything else uses the console writer.
func Setup(level, format string) {
	mu.Lock()
	defer mu.Unlock()

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	var l zerolog.Logger
	if strings.ToLower(format) == "json" {
		l = zerolog.New(os.Stderr)
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	logger = l.Level(lvl).With().Timestamp().Str("peer", GetPeerID()).Logger()
}

// GetPeerID returns the short display identifier for this process.
// Used only as a log field; the wire identity lives in pkg/identity.
func GetPeerID() string {
	peerIDOnce.Do(func() {
		// Try PEER_ID first (allows a fixed id), then POD_NAME, then HOSTNAME
		peerID = os.Getenv("PEER_ID")
		if peerID == "" {
			peerID = os.Getenv("POD_NAME")
		}
		if peerID == "" {
			peerID = os.Getenv("HOSTNAME")
		}
		if peerID == "" {
			hostname, _ := os.Hostname()
			if hostname != "" {
				if len(hostname) > 8 {
					peerID = hostname[len(hostname)-8:]
				} else {
					peerID = hostname
				}
			} else {
				peerID = "unknown"
			}
		}
	})
	return peerID
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Logf logs a formatted message at info level with the peer ID attached.
func Logf(format string, v ...interface{}) {
	l := current()
	l.Info().Msgf(format, v...)
}

// Log logs a message at info level with the peer ID attached.
func Log(v ...interface{}) {
	l := current()
	l.Info().Msg(fmt.Sprint(v...))
}

// Debugf logs a formatted message at debug level.
func Debugf(format string, v ...interface{}) {
	l := current()
	l.Debug().Msgf(format, v...)
}

// Errorf logs a formatted message at error level.
func Errorf(format string, v ...interface{}) {
	l := current()
	l.Error().Msgf(format, v...)
}

// Fatalf logs a fatal error and exits.
func Fatalf(format string, v ...interface{}) {
	l := current()
	l.Fatal().Msgf(format, v...)
}
