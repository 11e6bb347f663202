package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type Metric string

const (
	MetricShoulderTilt Metric = "shoulder_tilt"
	MetricHipTilt      Metric = "hip_tilt"
	MetricAxisShift    Metric = "axis_shift"
	MetricSideLean     Metric = "side_lean"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Label is the display text of the verdict tier.
func (r RiskLevel) Label() string {
	return string(r) + " risk"
}

// Severity is the presentation color tag of the tier.
func (r RiskLevel) Severity() string {
	switch r {
	case RiskHigh:
		return "red"
	case RiskMedium:
		return "orange"
	default:
		return "green"
	}
}

// LevelForScore maps a risk score onto its verdict tier.
func LevelForScore(score int) RiskLevel {
	switch {
	case score >= 60:
		return RiskHigh
	case score >= 25:
		return RiskMedium
	default:
		return RiskLow
	}
}

// AnalysisReport is the outcome of one screening. Verdict and display strings
// are derived from the stored fields on every call.
type AnalysisReport struct {
	RiskScore       int      `json:"risk_score"`
	ShoulderTiltDeg *float64 `json:"shoulder_tilt_deg"`
	HipTiltDeg      *float64 `json:"hip_tilt_deg"`
	AxisShift       *float64 `json:"axis_shift"`
	SideLeanDeg     *float64 `json:"side_lean_deg"`
	Note            string   `json:"note"`
	Recommendations []string `json:"recommendations"`
}

func (r AnalysisReport) Verdict() RiskLevel {
	return LevelForScore(r.RiskScore)
}

func (r AnalysisReport) Severity() string {
	return r.Verdict().Severity()
}

func (r AnalysisReport) RiskText() string {
	return fmt.Sprintf("%d%%", r.RiskScore)
}

// Value returns the stored value of a metric, or nil when it was not measured.
func (r AnalysisReport) Value(m Metric) *float64 {
	switch m {
	case MetricShoulderTilt:
		return r.ShoulderTiltDeg
	case MetricHipTilt:
		return r.HipTiltDeg
	case MetricAxisShift:
		return r.AxisShift
	case MetricSideLean:
		return r.SideLeanDeg
	}
	return nil
}

// MetricText formats a metric for display: degrees for angles, a percentage
// for the axis shift and a dash when absent.
func (r AnalysisReport) MetricText(m Metric) string {
	v := r.Value(m)
	if v == nil {
		return "—"
	}
	if m == MetricAxisShift {
		return fmt.Sprintf("%.0f%%", *v*100)
	}
	return fmt.Sprintf("%.1f°", *v)
}

// HasData reports whether any metric was measured.
func (r AnalysisReport) HasData() bool {
	return r.ShoulderTiltDeg != nil || r.HipTiltDeg != nil || r.AxisShift != nil || r.SideLeanDeg != nil
}

type plainReport AnalysisReport

// MarshalJSON adds the derived presentation fields to the stored ones.
func (r AnalysisReport) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		plainReport
		Verdict  RiskLevel         `json:"verdict"`
		Label    string            `json:"verdict_label"`
		Severity string            `json:"severity"`
		RiskText string            `json:"risk_text"`
		Metrics  map[Metric]string `json:"metrics_text"`
	}{
		plainReport: plainReport(r),
		Verdict:     r.Verdict(),
		Label:       r.Verdict().Label(),
		Severity:    r.Severity(),
		RiskText:    r.RiskText(),
		Metrics: map[Metric]string{
			MetricShoulderTilt: r.MetricText(MetricShoulderTilt),
			MetricHipTilt:      r.MetricText(MetricHipTilt),
			MetricAxisShift:    r.MetricText(MetricAxisShift),
			MetricSideLean:     r.MetricText(MetricSideLean),
		},
	})
}

// UnmarshalJSON reads only the stored fields; derived ones are ignored.
func (r *AnalysisReport) UnmarshalJSON(data []byte) error {
	var p plainReport
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = AnalysisReport(p)
	return nil
}

// AnalysisRequest carries the encoded photographs of one screening. Either
// image may be empty.
type AnalysisRequest struct {
	BackImage []byte
	SideImage []byte
	ClientID  string
}

func (r *AnalysisRequest) Image(v View) []byte {
	switch v {
	case ViewBack:
		return r.BackImage
	case ViewSide:
		return r.SideImage
	}
	return nil
}

// StoredReport is a persisted report with its identity.
type StoredReport struct {
	ID        string         `json:"id"`
	ClientID  string         `json:"client_id"`
	CreatedAt time.Time      `json:"created_at"`
	Report    AnalysisReport `json:"report"`
}

// Comparison relates the two most recent reports of a client.
type Comparison struct {
	Latest   *StoredReport `json:"latest"`
	Previous *StoredReport `json:"previous,omitempty"`
	Delta    *int          `json:"score_delta,omitempty"`
}

type APIResponse struct {
	Success bool          `json:"success"`
	Data    any           `json:"data"`
	Error   *APIError     `json:"error"`
	Meta    *ResponseMeta `json:"meta"`
}

type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

type ResponseMeta struct {
	RequestID      string    `json:"request_id"`
	Timestamp      time.Time `json:"timestamp"`
	ProcessingTime float64   `json:"processing_time"`
	Version        string    `json:"version"`
}
