package healthedge

import (
	"encoding/json"
	"net/http"
	"time"
)

// Emergency contact codes used verbatim in synthesized payloads.
const (
	EmergencyMedical = "108"
	EmergencyPolice  = "100"
	EmergencyFire    = "101"
)

// Every synthesized payload carries Synthesized=true so callers can
// detect canned responses programmatically, never by content
// heuristics.

type contactResource struct {
	Name    string `json:"name"`
	Contact string `json:"contact"`
}

type guidancePayload struct {
	Guidance          string            `json:"guidance"`
	Severity          string            `json:"severity"`
	EmergencyDetected bool              `json:"emergency_detected"`
	ImmediateActions  []string          `json:"immediate_actions"`
	LocalResources    []contactResource `json:"local_resources"`
	ProcessingMode    string            `json:"processing_mode"`
	InternetRequired  bool              `json:"internet_required"`
	Synthesized       bool              `json:"synthesized"`
}

type connectivityPayload struct {
	OverallStatus     bool   `json:"overall_status"`
	InternetAvailable bool   `json:"internet_available"`
	ProcessingMode    string `json:"processing_mode"`
	CheckedAt         string `json:"checked_at"`
	Synthesized       bool   `json:"synthesized"`
}

type emergencyPayload struct {
	EmergencyGuidance guidancePayload   `json:"emergency_guidance"`
	EmergencyContacts []contactResource `json:"emergency_contacts"`
	ProcessingMode    string            `json:"processing_mode"`
	Synthesized       bool              `json:"synthesized"`
}

type unavailablePayload struct {
	Error          string `json:"error"`
	ProcessingMode string `json:"processing_mode"`
	Synthesized    bool   `json:"synthesized"`
}

var fallbackTable = map[string]func() (int, []byte){
	"/connectivity-status": func() (int, []byte) {
		return http.StatusOK, mustJSON(connectivityPayload{
			OverallStatus:     false,
			InternetAvailable: false,
			ProcessingMode:    "offline",
			CheckedAt:         time.Now().UTC().Format(time.RFC3339),
			Synthesized:       true,
		})
	},
	"/smart-process":     func() (int, []byte) { return http.StatusOK, mustJSON(offlineGuidance()) },
	"/offline-guidance":  func() (int, []byte) { return http.StatusOK, mustJSON(offlineGuidance()) },
	"/emergency-protocol": func() (int, []byte) {
		g := offlineGuidance()
		g.Guidance = "Medical emergency suspected. Call " + EmergencyMedical + " immediately and stay with the person."
		g.Severity = "emergency"
		g.EmergencyDetected = true
		g.ProcessingMode = "offline_emergency"
		return http.StatusOK, mustJSON(emergencyPayload{
			EmergencyGuidance: g,
			EmergencyContacts: []contactResource{
				{Name: "Medical Emergency", Contact: EmergencyMedical},
				{Name: "Police", Contact: EmergencyPolice},
				{Name: "Fire", Contact: EmergencyFire},
			},
			ProcessingMode: "offline_emergency",
			Synthesized:    true,
		})
	},
}

func offlineGuidance() guidancePayload {
	return guidancePayload{
		Guidance: "You are offline. General advice: rest, stay hydrated, and monitor" +
			" your symptoms. Seek in-person care if symptoms worsen or persist.",
		Severity:          "unknown",
		EmergencyDetected: false,
		ImmediateActions: []string{
			"If this is an emergency, call " + EmergencyMedical + " immediately",
			"Visit the nearest primary health centre if symptoms persist",
		},
		LocalResources: []contactResource{
			{Name: "Emergency Medical Services", Contact: EmergencyMedical},
		},
		ProcessingMode:   "offline",
		InternetRequired: false,
		Synthesized:      true,
	}
}

// synthesizeAPI manufactures a degraded-but-usable answer for a known
// API path, or the generic unavailable-offline payload (503) for
// anything unregistered.
func synthesizeAPI(path string) (int, []byte) {
	if build, ok := fallbackTable[path]; ok {
		return build()
	}
	return http.StatusServiceUnavailable, mustJSON(unavailablePayload{
		Error:          "service unavailable offline",
		ProcessingMode: "offline",
		Synthesized:    true,
	})
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// All payloads are static structs; this cannot fail at runtime.
		panic(err)
	}
	return b
}

// offlineNoticePage is the inline navigation fallback used when even
// the cached shell is missing. Never fetched from network.
const offlineNoticePage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Offline - Sahaaya Health Guidance</title>
<style>
body { font-family: sans-serif; margin: 15vh auto; max-width: 32em; padding: 0 1em; text-align: center; }
.emergency { margin-top: 2em; font-size: 1.2em; }
</style>
</head>
<body>
<h1>You are offline</h1>
<p>Health guidance is temporarily unavailable. Cached guidance will be used where possible.</p>
<p class="emergency">In an emergency, call <strong>108</strong> (medical), <strong>100</strong> (police) or <strong>101</strong> (fire).</p>
</body>
</html>
`
