// Package sandbox separates structural limitations of the pixel sandbox from genuine
// tracking faults in verification results.
package sandbox

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/pixelverify/internal/extract"
	"github.com/Aidin1998/pixelverify/internal/verification"
	"github.com/Aidin1998/pixelverify/pkg/models"
)

// Limitation reasons
const (
	ReasonFieldUnavailable = "field is not reachable from the pixel sandbox for this event"
	ReasonEventUnavailable = "event is not emitted inside the pixel sandbox; source it from webhooks instead"
)

// customerFields are unreachable for checkout events inside the sandbox
var customerFields = []string{extract.FieldEmail, extract.FieldPhone, extract.FieldAddress, "customer_name"}

// unavailableFields maps event type to fields the sandbox cannot provide
var unavailableFields = map[string][]string{
	"checkout_started":                 customerFields,
	"checkout_completed":               customerFields,
	"purchase":                         customerFields,
	"payment_info_submitted":           customerFields,
	"checkout_contact_info_submitted":  {extract.FieldPhone, extract.FieldAddress},
	"checkout_address_info_submitted":  {extract.FieldEmail, extract.FieldPhone},
	"checkout_shipping_info_submitted": customerFields,
}

// unavailableEvents never fire inside the sandbox
var unavailableEvents = map[string]bool{
	"refund":                 true,
	"order_cancelled":        true,
	"order_edited":           true,
	"order_fulfilled":        true,
	"subscription_created":   true,
	"subscription_renewed":   true,
	"subscription_cancelled": true,
	"subscription_updated":   true,
}

// CapabilityNotes describe what code running in the pixel sandbox cannot do
var CapabilityNotes = []string{
	"Pixels run in an isolated sandbox without DOM access.",
	"The window and document globals of the storefront page are not available.",
	"No persistent client storage (localStorage, sessionStorage) is available to pixels.",
	"Third-party cookies cannot be read or written from the sandbox.",
	"Customer personal data (email, phone, address) is not exposed to pixel code.",
	"Refunds, cancellations and subscription lifecycle events must come from webhooks.",
}

// IsEventUnavailable reports whether eventType never fires inside the sandbox
func IsEventUnavailable(eventType string) bool {
	return unavailableEvents[eventType]
}

// UnavailableFields returns the sandbox-unreachable fields of eventType
func UnavailableFields(eventType string) []string {
	return unavailableFields[eventType]
}

// EventAnnotation is the classification of one result
type EventAnnotation struct {
	Index                int                        `json:"index"`
	EventType            string                     `json:"event_type"`
	Platform             string                     `json:"platform"`
	OrderID              string                     `json:"order_id,omitempty"`
	Limitations          []models.SandboxLimitation `json:"limitations,omitempty"`
	GenuineDiscrepancies []string                   `json:"genuine_discrepancies,omitempty"`
	// EnvironmentLimited is set when every discrepancy is explained by the sandbox
	EnvironmentLimited bool `json:"environment_limited"`
}

// Summary aggregates annotations across a result set
type Summary struct {
	Total              int                 `json:"total"`
	Success            int                 `json:"success"`
	MissingParams      int                 `json:"missing_params"`
	Failed             int                 `json:"failed"`
	NotTested          int                 `json:"not_tested"`
	EnvironmentLimited int                 `json:"environment_limited"`
	CompletenessRate   float64             `json:"completeness_rate"`
	AccuracyRate       float64             `json:"accuracy_rate"`
	LimitationsByEvent map[string][]string `json:"limitations_by_event"`
	CapabilityNotes    []string            `json:"capability_notes"`
}

// Report is the output of Annotate
type Report struct {
	Results  []models.VerificationEventResult `json:"results"`
	PerEvent []EventAnnotation                `json:"per_event"`
	Summary  Summary                          `json:"summary"`
}

// Annotate classifies results. The input slice is left untouched; Report.Results holds
// copies with SandboxLimitations filled in.
func Annotate(results []models.VerificationEventResult) Report {
	report := Report{
		Results:  make([]models.VerificationEventResult, len(results)),
		PerEvent: make([]EventAnnotation, len(results)),
		Summary: Summary{
			Total:              len(results),
			LimitationsByEvent: map[string][]string{},
			CapabilityNotes:    append([]string(nil), CapabilityNotes...),
		},
	}

	byEvent := map[string]map[string]struct{}{}
	complete, evaluated, accurate := 0, 0, 0

	for i, in := range results {
		ann := annotateOne(i, in)
		out := in
		out.Discrepancies = append([]string(nil), in.Discrepancies...)
		out.SandboxLimitations = append(append([]models.SandboxLimitation(nil), in.SandboxLimitations...), ann.Limitations...)
		report.Results[i] = out
		report.PerEvent[i] = ann

		switch in.Status {
		case models.StatusSuccess:
			report.Summary.Success++
		case models.StatusMissingParams:
			report.Summary.MissingParams++
		case models.StatusFailed:
			report.Summary.Failed++
		default:
			report.Summary.NotTested++
		}
		if ann.EnvironmentLimited {
			report.Summary.EnvironmentLimited++
		}

		if len(ann.Limitations) > 0 {
			set := byEvent[in.EventType]
			if set == nil {
				set = map[string]struct{}{}
				byEvent[in.EventType] = set
			}
			for _, l := range ann.Limitations {
				key := l.Field
				if key == "" {
					key = "event"
				}
				set[key] = struct{}{}
			}
		}

		if !hasMissingField(ann.GenuineDiscrepancies) {
			complete++
		}
		if in.Status != models.StatusNotTested {
			evaluated++
			if !hasMismatch(in.Discrepancies) {
				accurate++
			}
		}
	}

	for event, set := range byEvent {
		fields := make([]string, 0, len(set))
		for f := range set {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		report.Summary.LimitationsByEvent[event] = fields
	}
	report.Summary.CompletenessRate = percent(complete, len(results))
	report.Summary.AccuracyRate = percent(accurate, evaluated)
	return report
}

func annotateOne(index int, r models.VerificationEventResult) EventAnnotation {
	ann := EventAnnotation{
		Index:     index,
		EventType: r.EventType,
		Platform:  r.Platform,
		OrderID:   r.OrderID,
	}

	if IsEventUnavailable(r.EventType) {
		ann.Limitations = append(ann.Limitations, models.SandboxLimitation{Reason: ReasonEventUnavailable})
	}

	if r.Status != models.StatusMissingParams && r.Status != models.StatusFailed {
		ann.EnvironmentLimited = len(ann.Limitations) > 0
		return ann
	}

	known := map[string]bool{}
	for _, f := range UnavailableFields(r.EventType) {
		known[f] = true
	}
	for _, d := range r.Discrepancies {
		if known[d] {
			ann.Limitations = append(ann.Limitations, models.SandboxLimitation{Field: d, Reason: ReasonFieldUnavailable})
		} else {
			ann.GenuineDiscrepancies = append(ann.GenuineDiscrepancies, d)
		}
	}
	ann.EnvironmentLimited = len(ann.Limitations) > 0 && len(ann.GenuineDiscrepancies) == 0
	return ann
}

func hasMissingField(discrepancies []string) bool {
	for _, d := range discrepancies {
		if d != verification.DiscrepancyValueMismatch && d != verification.DiscrepancyCurrencyMismatch {
			return true
		}
	}
	return false
}

func hasMismatch(discrepancies []string) bool {
	for _, d := range discrepancies {
		if d == verification.DiscrepancyValueMismatch || d == verification.DiscrepancyCurrencyMismatch {
			return true
		}
	}
	return false
}

func percent(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	rate, _ := decimal.NewFromInt(int64(part)).
		Div(decimal.NewFromInt(int64(whole))).
		Mul(decimal.NewFromInt(100)).
		Round(2).
		Float64()
	return rate
}
