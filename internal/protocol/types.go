// internal/protocol/types.go
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// ActivityType is the semantic category assigned to a log line
type ActivityType string

const (
	SSHFailure               ActivityType = "SSH_FAILURE"
	PortScan                 ActivityType = "PORT_SCAN"
	WebEnumeration           ActivityType = "WEB_ENUMERATION"
	PotentialRCE             ActivityType = "POTENTIAL_RCE"
	SuspiciousConnectionRate ActivityType = "SUSPICIOUS_CONNECTION_RATE"
	BlockedSSHAttempt        ActivityType = "BLOCKED_SSH_ATTEMPT"
	FirewallBlock            ActivityType = "FIREWALL_BLOCK"
	Unknown                  ActivityType = "UNKNOWN"
)

// ActivityTypes lists every valid activity type
var ActivityTypes = []ActivityType{
	SSHFailure, PortScan, WebEnumeration, PotentialRCE,
	SuspiciousConnectionRate, BlockedSSHAttempt, FirewallBlock, Unknown,
}

// Valid reports whether t is one of the closed set of activity types
func (t ActivityType) Valid() bool {
	for _, v := range ActivityTypes {
		if t == v {
			return true
		}
	}
	return false
}

// Status of a monitored target
type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusMonitoring Status = "MONITORING"
	StatusBlocked    Status = "BLOCKED"
)

// RiskLevel buckets a risk score
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Valid reports whether l is one of the closed set of risk levels
func (l RiskLevel) Valid() bool {
	switch l {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// ResultSource records which path produced a RiskResult
type ResultSource string

const (
	SourceLLM       ResultSource = "llm"
	SourceHeuristic ResultSource = "heuristic"
	SourceEmpty     ResultSource = "empty"
)

// LogEntry is one inbound log line as posted to /api/logs/ingest
type LogEntry struct {
	MonitoredIP string       `json:"monitoredIP"`
	SourceIP    string       `json:"sourceIP"`
	LogLine     string       `json:"logLine"`
	Type        ActivityType `json:"type,omitempty"`
}

// DetectedActivity is a single classified event. Never modified after creation.
type DetectedActivity struct {
	ID        string       `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
	Type      ActivityType `json:"type"`
	SourceIP  string       `json:"sourceIP"`
	Details   string       `json:"details"`
}

// NewActivity stamps a new activity with an ID and the given time
func NewActivity(ts time.Time, typ ActivityType, sourceIP, details string) DetectedActivity {
	return DetectedActivity{
		ID:        uuid.NewString(),
		Timestamp: ts,
		Type:      typ,
		SourceIP:  sourceIP,
		Details:   details,
	}
}

// GeoLocation is best-effort enrichment for a target
type GeoLocation struct {
	Country   string  `json:"country"`
	City      string  `json:"city"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	ISP       string  `json:"isp"`
	ASN       string  `json:"asn"`
}

// UnknownPlaceholder fills enrichment fields when a lookup fails
const UnknownPlaceholder = "Unknown"

// UnknownGeoLocation is stored when geolocation could not be resolved
func UnknownGeoLocation() GeoLocation {
	return GeoLocation{
		Country: UnknownPlaceholder,
		City:    UnknownPlaceholder,
		ISP:     UnknownPlaceholder,
		ASN:     UnknownPlaceholder,
	}
}

// IsEmpty reports whether no geolocation has been recorded yet
func (g *GeoLocation) IsEmpty() bool {
	return g == nil || (g.Country == "" && g.City == "" && g.ISP == "" && g.ASN == "")
}

// RiskResult is the output of one analysis pass
type RiskResult struct {
	RiskLevel       RiskLevel    `json:"riskLevel"`
	RiskScore       int          `json:"riskScore"`
	Summary         string       `json:"summary"`
	Findings        []string     `json:"findings"`
	Recommendations []string     `json:"recommendations"`
	ThreatTypes     []string     `json:"threatTypes,omitempty"`
	Source          ResultSource `json:"source"`
	AnalyzedAt      time.Time    `json:"analyzedAt"`
}

// MonitoredTarget is one IP address under observation
type MonitoredTarget struct {
	Address           string             `json:"address"`
	Status            Status             `json:"status"`
	MonitoringEnabled bool               `json:"monitoringEnabled"`
	FirstSeen         time.Time          `json:"firstSeen"`
	LastSeen          time.Time          `json:"lastSeen"`
	GeoLocation       *GeoLocation       `json:"geoLocation,omitempty"`
	ActivityHistory   []DetectedActivity `json:"activityHistory"`
	RiskAssessment    *RiskResult        `json:"riskAssessment,omitempty"`
}

// RiskEvent is published after each persisted analysis pass
type RiskEvent struct {
	Address string      `json:"address"`
	Status  Status      `json:"status"`
	Risk    *RiskResult `json:"risk"`
}
