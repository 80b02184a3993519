package gateway

import "strings"

var airtelStatuses = map[string]Outcome{
	"success":   OutcomeSuccess,
	"completed": OutcomeSuccess,
	"ts":        OutcomeSuccess,
	"failed":    OutcomeFailure,
	"tf":        OutcomeFailure,
	"pending":   OutcomePending,
	"tip":       OutcomePending,
	"ta":        OutcomePending,
}

var mtnStatuses = map[string]Outcome{
	"SUCCESSFUL": OutcomeSuccess,
	"FAILED":     OutcomeFailure,
	"REJECTED":   OutcomeFailure,
	"TIMEOUT":    OutcomeFailure,
	"PENDING":    OutcomePending,
}

// NormalizeAirtelStatus maps an Airtel status to an Outcome. Unknown values
// are pending.
func NormalizeAirtelStatus(status string) Outcome {
	if o, ok := airtelStatuses[strings.ToLower(strings.TrimSpace(status))]; ok {
		return o
	}
	return OutcomePending
}

// NormalizeMTNStatus maps an MTN MoMo status to an Outcome. Unknown values
// are pending.
func NormalizeMTNStatus(status string) Outcome {
	if o, ok := mtnStatuses[strings.ToUpper(strings.TrimSpace(status))]; ok {
		return o
	}
	return OutcomePending
}
