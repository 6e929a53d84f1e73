// internal/agent/lines.go
package agent

import (
	"net/netip"
	"regexp"
	"strings"

	"github.com/signalnine/ipwatch/internal/protocol"
)

// MaxLineLength caps a shipped log line
const MaxLineLength = 4096

// MaxPending caps how many unsent entries are held while the server is unreachable
const MaxPending = 5000

var (
	fromRe = regexp.MustCompile(`\bfrom\s+(\d{1,3}(?:\.\d{1,3}){3})\b`)
	srcRe  = regexp.MustCompile(`\bSRC=(\d{1,3}(?:\.\d{1,3}){3})\b`)
	ipv4Re = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}\b`)
)

// ExtractSourceIP finds the address behind a log line: sshd "from <ip>",
// packet-filter "SRC=<ip>", or the first IPv4 address that is not the
// monitored one. Returns "" when none is found.
func ExtractSourceIP(line, monitoredIP string) string {
	for _, re := range []*regexp.Regexp{fromRe, srcRe} {
		if m := re.FindStringSubmatch(line); m != nil && validIPv4(m[1]) {
			return m[1]
		}
	}
	for _, candidate := range ipv4Re.FindAllString(line, -1) {
		if candidate != monitoredIP && validIPv4(candidate) {
			return candidate
		}
	}
	return ""
}

func validIPv4(s string) bool {
	addr, err := netip.ParseAddr(s)
	return err == nil && addr.Is4()
}

// BuildEntry turns a raw line into an ingest entry. ok is false for blank
// lines and lines without a source address.
func BuildEntry(monitoredIP, line string) (entry protocol.LogEntry, ok bool) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return entry, false
	}
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength]
	}

	src := ExtractSourceIP(line, monitoredIP)
	if src == "" {
		return entry, false
	}
	return protocol.LogEntry{MonitoredIP: monitoredIP, SourceIP: src, LogLine: line}, true
}

// CapPending keeps at most MaxPending entries, dropping the oldest.
// Returns the number dropped.
func CapPending(entries []protocol.LogEntry) ([]protocol.LogEntry, int) {
	if len(entries) <= MaxPending {
		return entries, 0
	}
	dropped := len(entries) - MaxPending
	return entries[dropped:], dropped
}
