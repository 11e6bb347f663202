// Package scoring turns detected body keypoints into a heuristic postural
// asymmetry report. It is a screening aid and not a diagnostic measurement.
package scoring

import (
	"math"

	"github.com/san-kum/posture-screen/server/models"
)

// Thresholds holds the full-scale divisors and weights of the risk score.
// The values are heuristic and kept exactly as calibrated.
type Thresholds struct {
	ShoulderTiltDeg float64
	HipTiltDeg      float64
	AxisShift       float64
	SideLeanDeg     float64

	ShoulderWeight float64
	HipWeight      float64
	AxisWeight     float64
	SideWeight     float64

	// MinVerticalDelta guards the side lean angle against a near-horizontal
	// torso.
	MinVerticalDelta float64
}

// DefaultThresholds are the calibrated values used by Analyze.
var DefaultThresholds = Thresholds{
	ShoulderTiltDeg:  12,
	HipTiltDeg:       10,
	AxisShift:        0.35,
	SideLeanDeg:      10,
	ShoulderWeight:   0.34,
	HipWeight:        0.26,
	AxisWeight:       0.20,
	SideWeight:       0.20,
	MinVerticalDelta: 1e-6,
}

const (
	// NoteNoPose is the note of a report where no pose was found.
	NoteNoPose     = "Could not recognize a pose in the photos. Retake them following the tips below."
	// NoteDisclaimer accompanies every report that carries metrics.
	NoteDisclaimer = "Estimate from shoulder tilt, hip tilt and shoulder-to-hip axis shift (back view) and torso lean (side view). This is a screening aid, not a diagnosis."
)

var (
	photoTips = []string{
		"Stand straight with your arms relaxed down along the body.",
		"Keep 2–3 m between you and the camera so the whole body is in frame.",
		"Hold the camera level at chest height, without tilting it.",
	}

	baseRecommendations = []string{
		"Distribute loads evenly: carry bags on both shoulders and avoid long one-sided postures.",
		"Do core-strengthening and back exercises several times a week.",
		"See a doctor if you have back pain or notice the asymmetry progressing.",
	}

	highRiskRecommendations = []string{
		"Book a consultation with an orthopedist.",
		"Confirmation usually needs an X-ray with a Cobb angle measurement.",
	}

	mediumRiskRecommendations = []string{
		"Retake the photos in 2–4 weeks and compare the results.",
	}

	lowRiskRecommendations = []string{
		"The risk is low. Stay active and keep an eye on your posture.",
	}
)

// Scorer computes reports with a fixed set of thresholds. The zero value is
// not usable; use New or Analyze.
type Scorer struct {
	t Thresholds
}

// New returns a Scorer using t.
func New(t Thresholds) *Scorer {
	return &Scorer{t: t}
}

var defaultScorer = New(DefaultThresholds)

const scoreEpsilon = 1e-9

// Analyze scores the back and side observations with the default thresholds.
// Either observation may be nil.
func Analyze(back, side *models.PoseObservation) models.AnalysisReport {
	return defaultScorer.Analyze(back, side)
}

// Analyze never fails: missing images or joints only leave metrics absent, and
// with no observation at all the no-data report is returned.
func (s *Scorer) Analyze(back, side *models.PoseObservation) models.AnalysisReport {
	if back == nil && side == nil {
		return NoPoseReport()
	}

	var report models.AnalysisReport
	if back != nil {
		report.ShoulderTiltDeg = tilt(back, models.JointLeftShoulder, models.JointRightShoulder)
		report.HipTiltDeg = tilt(back, models.JointLeftHip, models.JointRightHip)
		report.AxisShift = finite(axisShift(back))
	}
	if side != nil {
		report.SideLeanDeg = s.sideLean(side)
	}

	report.RiskScore = s.riskScore(report)
	report.Note = NoteDisclaimer
	report.Recommendations = Recommendations(report.RiskScore)
	return report
}

// NoPoseReport is the sentinel report for a request where no pose was found.
func NoPoseReport() models.AnalysisReport {
	return models.AnalysisReport{
		RiskScore:       0,
		Note:            NoteNoPose,
		Recommendations: append([]string(nil), photoTips...),
	}
}

// Recommendations returns the tier-specific items followed by the general
// ones, most urgent first.
func Recommendations(score int) []string {
	var head []string
	switch models.LevelForScore(score) {
	case models.RiskHigh:
		head = highRiskRecommendations
	case models.RiskMedium:
		head = mediumRiskRecommendations
	default:
		head = lowRiskRecommendations
	}
	out := make([]string, 0, len(head)+len(baseRecommendations))
	out = append(out, head...)
	return append(out, baseRecommendations...)
}

func (s *Scorer) riskScore(r models.AnalysisReport) int {
	shoulder := normalized(r.ShoulderTiltDeg, s.t.ShoulderTiltDeg)
	hip := normalized(r.HipTiltDeg, s.t.HipTiltDeg)
	axis := normalized(r.AxisShift, s.t.AxisShift)
	side := normalized(r.SideLeanDeg, s.t.SideLeanDeg)

	raw := s.t.ShoulderWeight*shoulder + s.t.HipWeight*hip + s.t.AxisWeight*axis + s.t.SideWeight*side
	// Fraction is discarded, not rounded. scoreEpsilon absorbs float noise at
	// exact tier boundaries.
	score := int(math.Trunc(100*raw + scoreEpsilon))
	return clampInt(score, 0, 100)
}

// sideLean is the torso angle from vertical, from the pelvis root to the nose
// or, failing that, the neck. Both root and neck must be detected.
func (s *Scorer) sideLean(p *models.PoseObservation) *float64 {
	root, ok := p.Point(models.JointRoot)
	if !ok {
		return nil
	}
	neck, ok := p.Point(models.JointNeck)
	if !ok {
		return nil
	}
	top := neck
	if nose, ok := p.Point(models.JointNose); ok {
		top = nose
	}

	dx := top.X - root.X
	dy := top.Y - root.Y
	if math.Abs(dy) < s.t.MinVerticalDelta {
		return nil
	}
	return finite(degrees(math.Atan2(dx, dy)))
}

func tilt(p *models.PoseObservation, left, right models.Joint) *float64 {
	l, ok := p.Point(left)
	if !ok {
		return nil
	}
	r, ok := p.Point(right)
	if !ok {
		return nil
	}
	return finite(degrees(math.Atan2(r.Y-l.Y, r.X-l.X)))
}

func axisShift(p *models.PoseObservation) float64 {
	shoulders := midpoint(p, models.JointLeftShoulder, models.JointRightShoulder)
	hips := midpoint(p, models.JointLeftHip, models.JointRightHip)
	return clamp(2*math.Abs(shoulders.X-hips.X), 0, 1)
}

func midpoint(p *models.PoseObservation, a, b models.Joint) models.Coordinate {
	pa, okA := p.Point(a)
	pb, okB := p.Point(b)
	if !okA || !okB {
		return models.Center
	}
	return models.Coordinate{X: (pa.X + pb.X) / 2, Y: (pa.Y + pb.Y) / 2}
}

func normalized(v *float64, fullScale float64) float64 {
	if v == nil || fullScale <= 0 {
		return 0
	}
	return clamp(math.Abs(*v)/fullScale, 0, 1)
}

// finite drops values that malformed coordinates turned into NaN or Inf.
func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
