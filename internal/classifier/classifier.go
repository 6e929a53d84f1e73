// internal/classifier/classifier.go
package classifier

import (
	"strings"

	"github.com/signalnine/ipwatch/internal/protocol"
)

// rule matches when every group in allOf has at least one substring present.
// Patterns are lowercase; input is lowercased once before matching.
type rule struct {
	typ   protocol.ActivityType
	allOf [][]string
}

var (
	blockMarkers  = []string{"block", "drop"}
	packetInIface = []string{"in="}
	packetOutface = []string{"out="}
)

// Order matters: first match wins, so narrower shapes sit above the generic ones.
var rules = []rule{
	{protocol.SSHFailure, [][]string{{"failed password", "invalid user"}}},
	{protocol.SSHFailure, [][]string{{"authentication failure"}, {"sshd"}}},
	{protocol.PortScan, [][]string{{"nmap scan", "masscan"}}},
	{protocol.PortScan, [][]string{{"nmap"}, {"scan"}}},
	{protocol.BlockedSSHAttempt, [][]string{blockMarkers, packetInIface, packetOutface, {"dpt=22 "}}},
	{protocol.FirewallBlock, [][]string{blockMarkers, packetInIface, packetOutface}},
	{protocol.PotentialRCE, [][]string{{"${jndi:", "/bin/sh", "/bin/bash", "cmd.exe", "wget http", "curl http", "union select", "; chmod "}}},
	{protocol.WebEnumeration, [][]string{{"gobuster", "dirbuster", "nikto", "wp-login.php", "/.env", "/.git/", "phpmyadmin", "wfuzz"}}},
	{protocol.SuspiciousConnectionRate, [][]string{{"syn flood", "possible syn flooding", "too many connections", "limit_req", "connection rate"}}},
}

// Classify maps a raw log line to an activity type. Total and deterministic:
// unmatched input yields UNKNOWN.
func Classify(logLine string) protocol.ActivityType {
	// trailing space lets "dpt=22 " match a port at end of line without matching dpt=2222
	lower := strings.ToLower(logLine) + " "
	for _, r := range rules {
		if r.matches(lower) {
			return r.typ
		}
	}
	return protocol.Unknown
}

// Resolve keeps a caller-supplied type when it is valid, otherwise classifies the line
func Resolve(given protocol.ActivityType, logLine string) protocol.ActivityType {
	if given != "" && given.Valid() {
		return given
	}
	return Classify(logLine)
}

func (r rule) matches(lower string) bool {
	for _, group := range r.allOf {
		if !containsAny(lower, group) {
			return false
		}
	}
	return true
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
