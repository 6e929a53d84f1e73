// internal/analysis/prompt.go
package analysis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/signalnine/ipwatch/internal/protocol"
)

const promptTemplate = `Analyze the following stream of log activities directed at the monitored IP address %q. The goal is to detect coordinated attacks, identify patterns, and assess the overall risk.

Here are the recent activities, oldest first:
%s

Based on this data:
1. Identify attack patterns. Look for:
   - Brute-force attacks: many SSH_FAILURE or BLOCKED_SSH_ATTEMPT events from the same source IP.
   - Scanning: PORT_SCAN or FIREWALL_BLOCK events from a source IP hitting multiple ports.
   - Web enumeration: WEB_ENUMERATION events probing paths or admin panels.
   - Injection / remote code execution: POTENTIAL_RCE events.
   - Anomalous connection rate or denial of service: SUSPICIOUS_CONNECTION_RATE events.
   - Coordinated attacks: multiple source IPs performing similar activity.
2. Assess the overall risk: a risk level (LOW, MEDIUM, HIGH, CRITICAL) and an integer risk score from 0 to 100.
3. Give a one-sentence summary of the threat landscape for this IP.
4. List key findings, naming the offending source IPs and counts.
5. Give actionable recommendations to mitigate the identified threats.

Respond with strict JSON only, exactly this shape:
{
  "riskLevel": "LOW" | "MEDIUM" | "HIGH" | "CRITICAL",
  "riskScore": number,
  "summary": string,
  "findings": string[],
  "recommendations": string[],
  "threatTypes": string[]
}`

// promptActivity omits the activity ID, which only costs tokens
type promptActivity struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	SourceIP  string `json:"sourceIP"`
	Details   string `json:"details"`
}

// BuildPrompt renders the analysis request for an address and its ordered history
func BuildPrompt(address string, activities []protocol.DetectedActivity) string {
	items := make([]promptActivity, 0, len(activities))
	for _, a := range activities {
		items = append(items, promptActivity{
			Timestamp: a.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
			Type:      string(a.Type),
			SourceIP:  a.SourceIP,
			Details:   a.Details,
		})
	}

	// Marshalling a slice of flat string structs cannot fail
	body, _ := json.MarshalIndent(items, "", "  ")
	return strings.TrimSpace(fmt.Sprintf(promptTemplate, address, body))
}
