package main

import (
	"os"
	"time"
)

// EchoService is the built-in diagnostic object so two binaries on one LAN can
// demonstrate the mesh without any application code.
type EchoService struct{}

// Echo returns its argument unchanged.
func (e *EchoService) Echo(s string) string {
	return s
}

// Reverse returns its argument reversed.
func (e *EchoService) Reverse(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}

// Ping returns "pong".
func (e *EchoService) Ping() string {
	return "pong"
}

// SysInfoService reports basic facts about the hosting process.
type SysInfoService struct {
	started time.Time
}

// Hostname returns the host's name.
func (s *SysInfoService) Hostname() string {
	hostname, _ := os.Hostname()
	return hostname
}

// PID returns the process id.
func (s *SysInfoService) PID() int {
	return os.Getpid()
}

// UptimeSeconds returns seconds since the node started.
func (s *SysInfoService) UptimeSeconds() float64 {
	return time.Since(s.started).Seconds()
}
