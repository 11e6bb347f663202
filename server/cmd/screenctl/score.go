package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/san-kum/posture-screen/server/models"
	"github.com/san-kum/posture-screen/server/scoring"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

var (
	backFileFlag = &cli.StringFlag{
		Name:  "back",
		Usage: "Keypoint file (JSON or YAML) detected on the photo taken from behind",
	}

	sideFileFlag = &cli.StringFlag{
		Name:  "side",
		Usage: "Keypoint file (JSON or YAML) detected on the photo taken from the side",
	}

	scoreCmd = &cli.Command{
		Name:    "score",
		Aliases: []string{"s"},
		Usage:   "Scores keypoint files without the detector",
		Flags: []cli.Flag{
			backFileFlag,
			sideFileFlag,
		},
		Action: cmdScore,
	}
)

// reportOutput is the printable form of a report, derived text included.
type reportOutput struct {
	RiskScore       int                      `json:"risk_score" yaml:"risk_score"`
	RiskText        string                   `json:"risk_text" yaml:"risk_text"`
	Verdict         models.RiskLevel         `json:"verdict" yaml:"verdict"`
	VerdictLabel    string                   `json:"verdict_label" yaml:"verdict_label"`
	Severity        string                   `json:"severity" yaml:"severity"`
	Metrics         map[models.Metric]string `json:"metrics" yaml:"metrics"`
	Note            string                   `json:"note" yaml:"note"`
	Recommendations []string                 `json:"recommendations" yaml:"recommendations"`
}

func newReportOutput(r models.AnalysisReport) reportOutput {
	metrics := make(map[models.Metric]string, 4)
	for _, m := range []models.Metric{
		models.MetricShoulderTilt,
		models.MetricHipTilt,
		models.MetricAxisShift,
		models.MetricSideLean,
	} {
		metrics[m] = r.MetricText(m)
	}

	return reportOutput{
		RiskScore:       r.RiskScore,
		RiskText:        r.RiskText(),
		Verdict:         r.Verdict(),
		VerdictLabel:    r.Verdict().Label(),
		Severity:        r.Severity(),
		Metrics:         metrics,
		Note:            r.Note,
		Recommendations: r.Recommendations,
	}
}

func cmdScore(c *cli.Context) error {
	back, err := readKeypoints(c.String(backFileFlag.Name))
	if err != nil {
		return err
	}
	side, err := readKeypoints(c.String(sideFileFlag.Name))
	if err != nil {
		return err
	}

	log.Debugf("scoring %d back and %d side keypoints", back.Len(), side.Len())
	report := scoring.Analyze(back, side)

	return printOutput(c, newReportOutput(report))
}

// readKeypoints loads one observation. An empty path means the photo was not
// taken; an empty list means no person was found.
func readKeypoints(path string) (*models.PoseObservation, error) {
	if path == "" {
		return nil, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read keypoint file: %s", path)
	}

	// JSON is valid YAML, so one decoder serves both
	var kps []models.NamedKeypoint
	if err := yaml.Unmarshal(b, &kps); err != nil {
		return nil, errors.Wrapf(err, "failed to parse keypoint file: %s", path)
	}
	return models.ObservationFromKeypoints(kps), nil
}
