package utils

import (
	"net"
	"os"
	"runtime"
	"strings"
)

// AgentVersion is stamped at build time with -ldflags "-X dispatch-agent/utils.AgentVersion=...".
var AgentVersion = "dev"

// routeAddr is only used to pick the outbound interface; nothing is sent.
const routeAddr = "8.8.8.8:80"

// SystemInfo is the host snapshot carried by every heartbeat.
type SystemInfo struct {
	Hostname        string `json:"hostname"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version"`
	PlatformRelease string `json:"platform_release"`
	Architecture    string `json:"architecture"`
	AgentVersion    string `json:"agent_version"`
	IPAddress       string `json:"ip_address"`
}

// CollectSystemInfo builds a fresh snapshot of the host.
func CollectSystemInfo() SystemInfo {
	version, release := platformVersion()
	return SystemInfo{
		Hostname:        Hostname(),
		Platform:        runtime.GOOS,
		PlatformVersion: version,
		PlatformRelease: release,
		Architecture:    runtime.GOARCH,
		AgentVersion:    AgentVersion,
		IPAddress:       LocalIP(),
	}
}

// Hostname returns the host name, or "unknown".
func Hostname() string {
	if h, err := os.Hostname(); err == nil && strings.TrimSpace(h) != "" {
		return h
	}
	return "unknown"
}

// LocalIP returns the address of the interface used for outbound traffic,
// falling back to loopback.
func LocalIP() string {
	conn, err := net.Dial("udp", routeAddr)
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
