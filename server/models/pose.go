package models

import "sort"

// MinJointConfidence is the detector confidence at or below which a joint is
// treated as unknown.
const MinJointConfidence = 0.2

type Joint string

const (
	JointNose          Joint = "nose"
	JointNeck          Joint = "neck"
	JointLeftEye       Joint = "left_eye"
	JointRightEye      Joint = "right_eye"
	JointLeftEar       Joint = "left_ear"
	JointRightEar      Joint = "right_ear"
	JointLeftShoulder  Joint = "left_shoulder"
	JointRightShoulder Joint = "right_shoulder"
	JointLeftElbow     Joint = "left_elbow"
	JointRightElbow    Joint = "right_elbow"
	JointLeftWrist     Joint = "left_wrist"
	JointRightWrist    Joint = "right_wrist"
	JointRoot          Joint = "root"
	JointLeftHip       Joint = "left_hip"
	JointRightHip      Joint = "right_hip"
	JointLeftKnee      Joint = "left_knee"
	JointRightKnee     Joint = "right_knee"
	JointLeftAnkle     Joint = "left_ankle"
	JointRightAnkle    Joint = "right_ankle"
)

// jointAliases maps names used by common detectors onto our identifiers.
var jointAliases = map[string]Joint{
	"pelvis":     JointRoot,
	"root":       JointRoot,
	"mid_hip":    JointRoot,
	"neck_1":     JointNeck,
	"head":       JointNose,
	"nose":       JointNose,
	"l_shoulder": JointLeftShoulder,
	"r_shoulder": JointRightShoulder,
	"l_hip":      JointLeftHip,
	"r_hip":      JointRightHip,
}

// ParseJoint normalizes a detector joint name. Unknown names are kept as-is.
func ParseJoint(name string) Joint {
	if j, ok := jointAliases[name]; ok {
		return j
	}
	return Joint(name)
}

type View string

const (
	ViewBack View = "back"
	ViewSide View = "side"
)

func (v View) Valid() bool {
	return v == ViewBack || v == ViewSide
}

type Coordinate struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Center is the image center, used where a midpoint cannot be measured.
var Center = Coordinate{X: 0.5, Y: 0.5}

type Keypoint struct {
	Coordinate
	Confidence float64 `json:"confidence"`
}

// PoseObservation is the set of keypoints detected in one image. It is not
// modified after construction.
type PoseObservation struct {
	joints map[Joint]Keypoint
}

func NewPoseObservation(joints map[Joint]Keypoint) *PoseObservation {
	copied := make(map[Joint]Keypoint, len(joints))
	for j, kp := range joints {
		copied[j] = kp
	}
	return &PoseObservation{joints: copied}
}

// Point returns the coordinate of a joint when it was detected with enough
// confidence. Every read of joint data goes through here.
func (p *PoseObservation) Point(j Joint) (Coordinate, bool) {
	if p == nil {
		return Coordinate{}, false
	}
	kp, ok := p.joints[j]
	if !ok || kp.Confidence <= MinJointConfidence {
		return Coordinate{}, false
	}
	return kp.Coordinate, true
}

// Keypoints returns a copy of the raw detector output.
func (p *PoseObservation) Keypoints() map[Joint]Keypoint {
	if p == nil {
		return nil
	}
	out := make(map[Joint]Keypoint, len(p.joints))
	for j, kp := range p.joints {
		out[j] = kp
	}
	return out
}

func (p *PoseObservation) Len() int {
	if p == nil {
		return 0
	}
	return len(p.joints)
}

// NamedKeypoint is the wire form of a keypoint as sent by detectors and API
// clients.
type NamedKeypoint struct {
	Name       string  `json:"name" yaml:"name"`
	X          float64 `json:"x" yaml:"x"`
	Y          float64 `json:"y" yaml:"y"`
	Confidence float64 `json:"confidence" yaml:"confidence"`
}

// ObservationFromKeypoints builds an observation from wire keypoints. An empty
// list yields nil, meaning no observation.
func ObservationFromKeypoints(kps []NamedKeypoint) *PoseObservation {
	if len(kps) == 0 {
		return nil
	}
	joints := make(map[Joint]Keypoint, len(kps))
	for _, kp := range kps {
		joints[ParseJoint(kp.Name)] = Keypoint{
			Coordinate: Coordinate{X: kp.X, Y: kp.Y},
			Confidence: kp.Confidence,
		}
	}
	return &PoseObservation{joints: joints}
}

// NamedKeypoints returns the observation in wire form, ordered by joint name.
func (p *PoseObservation) NamedKeypoints() []NamedKeypoint {
	if p == nil {
		return nil
	}
	out := make([]NamedKeypoint, 0, len(p.joints))
	for j, kp := range p.joints {
		out = append(out, NamedKeypoint{
			Name:       string(j),
			X:          kp.X,
			Y:          kp.Y,
			Confidence: kp.Confidence,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}
