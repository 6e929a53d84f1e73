// internal/analysis/fallback.go
package analysis

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/signalnine/ipwatch/internal/protocol"
)

// Threat type labels reported by the heuristic scorer
const (
	ThreatSSHBruteForce   = "SSH Brute Force Attempts"
	ThreatNmapScan        = "Port Scanning (NMAP)"
	ThreatGenericPortScan = "Generic Port Scanning"
	ThreatWebEnumeration  = "Web Enumeration"
	ThreatRCE             = "Injection / Remote Code Execution Attempts"
	ThreatConnectionRate  = "Anomalous Connection Rate"
	ThreatAbuseReputation = "Known Abusive IP"
	ThreatExposedServices = "Exposed Sensitive Services"
)

// Rule weights
const (
	sshPointsEach, sshPointsCap           = 2, 30
	nmapFlatPoints                        = 25
	portScanPointsEach, portScanPointsCap = 3, 20
	webEnumPointsEach, webEnumPointsCap   = 2, 15
	rcePointsEach, rcePointsCap           = 10, 40
	ratePointsEach, ratePointsCap         = 2, 20
	abuseWeight                           = 0.3
	abuseMinConfidence                    = 25
	exposedPortPoints                     = 5
)

// SensitivePorts are services whose exposure raises risk
var SensitivePorts = []int{21, 22, 23, 135, 137, 138, 139, 445, 3389}

// Signals is everything the heuristic scorer looks at
type Signals struct {
	SSHAttempts     int
	NmapScans       int
	PortScans       int
	WebEnumerations int
	RCEAttempts     int
	RateAnomalies   int
	ScannerIPs      []string

	// nil when the reputation source was unavailable
	AbuseConfidence *int
	TotalReports    int
	OpenPorts       []int
}

// SignalsFromActivities counts activity types and collects the offending
// source IPs in first-seen order
func SignalsFromActivities(activities []protocol.DetectedActivity) Signals {
	var s Signals
	seen := make(map[string]bool)
	for _, a := range activities {
		offending := true
		switch a.Type {
		case protocol.SSHFailure, protocol.BlockedSSHAttempt:
			s.SSHAttempts++
		case protocol.PortScan:
			s.NmapScans++
		case protocol.FirewallBlock:
			s.PortScans++
		case protocol.WebEnumeration:
			s.WebEnumerations++
		case protocol.PotentialRCE:
			s.RCEAttempts++
		case protocol.SuspiciousConnectionRate:
			s.RateAnomalies++
		default:
			offending = false
		}
		if offending && a.SourceIP != "" && !seen[a.SourceIP] {
			seen[a.SourceIP] = true
			s.ScannerIPs = append(s.ScannerIPs, a.SourceIP)
		}
	}
	return s
}

// Scorer is the deterministic rule-based risk scorer
type Scorer struct {
	Levels Thresholds
}

// NewScorer creates a scorer with the given level thresholds
func NewScorer(levels Thresholds) *Scorer {
	return &Scorer{Levels: levels}
}

// Score accumulates points per rule, clamps to [0,100] and buckets the level.
// Always succeeds; AnalyzedAt is left for the caller to stamp.
func (s *Scorer) Score(sig Signals) *protocol.RiskResult {
	acc := &accumulator{}
	sources := strings.Join(sig.ScannerIPs, ", ")

	if sig.SSHAttempts > 0 {
		acc.add(capped(sig.SSHAttempts, sshPointsEach, sshPointsCap), ThreatSSHBruteForce)
		acc.finding(fmt.Sprintf("Detected %d SSH login attempts", sig.SSHAttempts))
		if sources != "" {
			acc.finding("SSH attack source IPs: " + sources)
		}
		acc.recommend("Implement SSH key-based authentication only")
		acc.recommend("Deploy fail2ban or a similar intrusion prevention tool")
	}

	if sig.NmapScans > 0 {
		acc.add(nmapFlatPoints, ThreatNmapScan)
		acc.finding(fmt.Sprintf("Detected %d NMAP scanning activities", sig.NmapScans))
		if sources != "" {
			acc.finding("Scanner source IPs: " + sources)
		}
		acc.recommend("Configure IDS/IPS to detect and block scanning activity")
		acc.recommend("Implement strict firewall rules")
	}

	if sig.PortScans > 0 {
		acc.add(capped(sig.PortScans, portScanPointsEach, portScanPointsCap), ThreatGenericPortScan)
		acc.finding(fmt.Sprintf("Detected %d port scanning attempts", sig.PortScans))
		acc.recommend("Implement strict firewall rules")
		acc.recommend("Review and restrict open ports")
	}

	if sig.WebEnumerations > 0 {
		acc.add(capped(sig.WebEnumerations, webEnumPointsEach, webEnumPointsCap), ThreatWebEnumeration)
		acc.finding(fmt.Sprintf("Detected %d web enumeration requests", sig.WebEnumerations))
		acc.recommend("Put a web application firewall in front of exposed web services")
	}

	if sig.RCEAttempts > 0 {
		acc.add(capped(sig.RCEAttempts, rcePointsEach, rcePointsCap), ThreatRCE)
		acc.finding(fmt.Sprintf("Detected %d injection or remote code execution attempts", sig.RCEAttempts))
		acc.recommend("Patch exposed applications and audit them for injection flaws")
	}

	if sig.RateAnomalies > 0 {
		acc.add(capped(sig.RateAnomalies, ratePointsEach, ratePointsCap), ThreatConnectionRate)
		acc.finding(fmt.Sprintf("Detected %d anomalous connection-rate events", sig.RateAnomalies))
		acc.recommend("Enable connection rate limiting and SYN flood protection")
	}

	if sig.AbuseConfidence != nil && *sig.AbuseConfidence >= abuseMinConfidence {
		points := int(math.Round(float64(*sig.AbuseConfidence) * abuseWeight))
		acc.add(points, ThreatAbuseReputation)
		acc.finding(fmt.Sprintf("AbuseIPDB confidence score %d%% across %d reports", *sig.AbuseConfidence, sig.TotalReports))
		acc.recommend("Consider blocking this IP based on community abuse reports")
	}

	if exposed := exposedSensitivePorts(sig.OpenPorts); len(exposed) > 0 {
		acc.add(len(exposed)*exposedPortPoints, ThreatExposedServices)
		acc.finding("Sensitive ports exposed: " + joinInts(exposed))
		acc.recommend("Review exposed services and close unnecessary ports")
	}

	score := ClampScore(acc.points)
	level := s.Levels.LevelFor(score)

	summary := "No immediate threats identified by heuristic analysis."
	if len(acc.threats) > 0 {
		summary = fmt.Sprintf("Heuristic analysis detected %s; overall risk %s (%d/100).",
			strings.Join(acc.threats, ", "), level, score)
	}

	return &protocol.RiskResult{
		RiskLevel:       level,
		RiskScore:       score,
		Summary:         summary,
		Findings:        nonEmpty(acc.findings, NoFindingsPlaceholder),
		Recommendations: nonEmpty(acc.recommendations, NoRecommendationsPlaceholder),
		ThreatTypes:     acc.threats,
		Source:          protocol.SourceHeuristic,
	}
}

type accumulator struct {
	points          int
	threats         []string
	findings        []string
	recommendations []string
}

func (a *accumulator) add(points int, threat string) {
	a.points += points
	a.threats = append(a.threats, threat)
}

func (a *accumulator) finding(f string) {
	a.findings = append(a.findings, f)
}

// recommend keeps the first occurrence of each recommendation
func (a *accumulator) recommend(r string) {
	for _, existing := range a.recommendations {
		if existing == r {
			return
		}
	}
	a.recommendations = append(a.recommendations, r)
}

func capped(count, each, limit int) int {
	return min(count*each, limit)
}

func exposedSensitivePorts(open []int) []int {
	var exposed []int
	seen := make(map[int]bool)
	for _, p := range open {
		if seen[p] {
			continue
		}
		seen[p] = true
		for _, sp := range SensitivePorts {
			if p == sp {
				exposed = append(exposed, p)
				break
			}
		}
	}
	sort.Ints(exposed)
	return exposed
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ", ")
}
