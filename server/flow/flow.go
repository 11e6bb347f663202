// Package flow drives a screening session through its screens as an explicit
// state machine: welcome, instructions, upload, analyzing and results.
package flow

import (
	"errors"
	"fmt"
	"time"

	"github.com/san-kum/posture-screen/server/models"
)

type State string

const (
	StateWelcome      State = "welcome"
	StateInstructions State = "instructions"
	StateUpload       State = "upload"
	StateAnalyzing    State = "analyzing"
	StateResults      State = "results"
)

type EventType string

const (
	EventStart      EventType = "start"
	EventContinue   EventType = "continue"
	EventBack       EventType = "back"
	EventSetImage   EventType = "set_image"
	EventClearImage EventType = "clear_image"
	EventAnalyze    EventType = "analyze"
	EventComplete   EventType = "complete"
	EventFail       EventType = "fail"
	EventRestart    EventType = "restart"
	EventRetake     EventType = "retake"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNoImages          = errors.New("at least one photo is required")
	ErrInvalidView       = errors.New("invalid view")
)

// Checklist is shown on the instructions screen, in order.
var Checklist = []string{
	"Wear fitted clothing or stay bare-backed so shoulders and hips are visible.",
	"Stand straight, feet together, arms relaxed along the body.",
	"Ask someone to take the photos from 2–3 m away.",
	"Keep the camera level at chest height.",
	"Take one photo from behind and one from the side.",
}

// Event is an input to the state machine. View and Image are used by
// set_image and clear_image, Report by complete and Err by fail.
type Event struct {
	Type   EventType
	View   models.View
	Image  []byte
	Report *models.AnalysisReport
	Err    error
}

// Upload holds the photos picked on the upload screen.
type Upload struct {
	Back []byte
	Side []byte
}

func (u *Upload) Set(v models.View, image []byte) error {
	switch v {
	case models.ViewBack:
		u.Back = image
	case models.ViewSide:
		u.Side = image
	default:
		return fmt.Errorf("%w: %q", ErrInvalidView, v)
	}
	return nil
}

func (u *Upload) Empty() bool {
	return len(u.Back) == 0 && len(u.Side) == 0
}

func (u *Upload) Request(clientID string) *models.AnalysisRequest {
	return &models.AnalysisRequest{
		BackImage: u.Back,
		SideImage: u.Side,
		ClientID:  clientID,
	}
}

// Session is one user's walk through the screens. It is not safe for
// concurrent use; Manager serializes access.
type Session struct {
	ID        string
	ClientID  string
	State     State
	Upload    *Upload
	Report    *models.AnalysisReport
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewSession(id, clientID string) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		ClientID:  clientID,
		State:     StateWelcome,
		Upload:    &Upload{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

type handler func(s *Session, e Event) (State, error)

var transitions = map[State]map[EventType]handler{
	StateWelcome: {
		EventStart: goTo(StateInstructions),
	},
	StateInstructions: {
		EventContinue: goTo(StateUpload),
		EventBack:     goTo(StateWelcome),
	},
	StateUpload: {
		EventBack:       goTo(StateInstructions),
		EventSetImage:   setImage,
		EventClearImage: clearImage,
		EventAnalyze:    startAnalysis,
	},
	StateAnalyzing: {
		EventComplete: complete,
		EventFail:     fail,
	},
	StateResults: {
		EventRestart: restart,
		EventRetake:  retake,
	},
}

// Fire applies an event. On error the session is left unchanged.
func (s *Session) Fire(e Event) error {
	h, ok := transitions[s.State][e.Type]
	if !ok {
		return fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, e.Type, s.State)
	}
	next, err := h(s, e)
	if err != nil {
		return err
	}
	s.State = next
	s.UpdatedAt = time.Now()
	return nil
}

// Allowed lists the events accepted in the current state.
func (s *Session) Allowed() []EventType {
	order := []EventType{
		EventStart, EventContinue, EventBack, EventSetImage, EventClearImage,
		EventAnalyze, EventComplete, EventFail, EventRestart, EventRetake,
	}
	var out []EventType
	for _, et := range order {
		if _, ok := transitions[s.State][et]; ok {
			out = append(out, et)
		}
	}
	return out
}

func goTo(next State) handler {
	return func(*Session, Event) (State, error) {
		return next, nil
	}
}

func setImage(s *Session, e Event) (State, error) {
	if len(e.Image) == 0 {
		return "", fmt.Errorf("%w: empty image", ErrInvalidTransition)
	}
	if err := s.Upload.Set(e.View, e.Image); err != nil {
		return "", err
	}
	return StateUpload, nil
}

func clearImage(s *Session, e Event) (State, error) {
	if err := s.Upload.Set(e.View, nil); err != nil {
		return "", err
	}
	return StateUpload, nil
}

func startAnalysis(s *Session, _ Event) (State, error) {
	if s.Upload.Empty() {
		return "", ErrNoImages
	}
	s.LastError = ""
	return StateAnalyzing, nil
}

func complete(s *Session, e Event) (State, error) {
	if e.Report == nil {
		return "", fmt.Errorf("%w: complete without report", ErrInvalidTransition)
	}
	s.Report = e.Report
	return StateResults, nil
}

func fail(s *Session, e Event) (State, error) {
	if e.Err != nil {
		s.LastError = e.Err.Error()
	}
	return StateUpload, nil
}

func restart(s *Session, _ Event) (State, error) {
	s.Upload = &Upload{}
	s.Report = nil
	s.LastError = ""
	return StateWelcome, nil
}

func retake(s *Session, _ Event) (State, error) {
	s.Upload = &Upload{}
	s.Report = nil
	return StateUpload, nil
}

// View is the client-facing snapshot of a session.
type View struct {
	ID        string                 `json:"id"`
	State     State                  `json:"state"`
	Allowed   []EventType            `json:"allowed_events"`
	Checklist []string               `json:"checklist,omitempty"`
	HasBack   bool                   `json:"has_back"`
	HasSide   bool                   `json:"has_side"`
	Report    *models.AnalysisReport `json:"report,omitempty"`
	Error     string                 `json:"error,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
}

func (s *Session) Snapshot() View {
	v := View{
		ID:        s.ID,
		State:     s.State,
		Allowed:   s.Allowed(),
		HasBack:   len(s.Upload.Back) > 0,
		HasSide:   len(s.Upload.Side) > 0,
		Report:    s.Report,
		Error:     s.LastError,
		UpdatedAt: s.UpdatedAt,
	}
	if s.State == StateInstructions {
		v.Checklist = append([]string(nil), Checklist...)
	}
	return v
}
