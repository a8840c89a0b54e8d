// Package session holds the OncoView view state and the controller that drives it.
//
// ViewState is a plain serializable value. Every user or service event is a pure
// transition function taking the current state and returning the next one, so the
// whole lifecycle can be tested without a rendering surface:
//
//	Idle -> Selected -> Submitting -> Completed | Failed
//
// Failed behaves like Selected (the file is kept for a retry) and Reset returns to
// Idle from anywhere. History and Stats are only ever replaced wholesale with what
// the prediction service returned.
package session

import (
	"errors"

	"github.com/oncodetect/oncoview/pkg/api"
)

// Phase is the submission lifecycle position.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSelected   Phase = "selected"
	PhaseSubmitting Phase = "submitting"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
)

// User-facing notices. Submit failures are deliberately not distinguished here.
const (
	NoticeSelectImage  = "Please select an image first"
	NoticeSubmitFailed = "Error making prediction. Please try again."
)

var (
	// ErrNoImage is returned by Submit when no image is selected.
	ErrNoImage = errors.New("no image selected")
	// ErrSubmitInProgress is returned by Submit while another submission is in flight.
	ErrSubmitInProgress = errors.New("a submission is already in progress")
)

// SelectedImage is the file chosen by the user.
type SelectedImage struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data,omitempty"`
}

// Upload converts the selection into a service upload.
func (s SelectedImage) Upload() api.Upload {
	return api.Upload{
		Filename:    s.Filename,
		ContentType: s.ContentType,
		Data:        s.Data,
	}
}

// ViewState is everything the client displays. Values reachable from a ViewState
// are never mutated in place; transitions replace them.
type ViewState struct {
	Phase Phase `json:"phase"`

	// Revision increments on every change applied by a Controller. Persisted
	// copies are compared by revision to detect changes made elsewhere.
	Revision uint64 `json:"revision"`

	// Selection increments on every SelectFile and Reset so a preview computed for
	// an earlier selection can be recognized and dropped.
	Selection uint64 `json:"selection"`

	Selected *SelectedImage `json:"selected,omitempty"`
	// Preview is a data: URL for the selected image.
	Preview string          `json:"preview,omitempty"`
	Result  *api.Prediction `json:"result,omitempty"`

	History []api.HistoryEntry `json:"history"`
	Stats   *api.Stats         `json:"stats,omitempty"`

	// Submitting is the in-progress flag; the Analyze control is disabled while set.
	Submitting bool `json:"submitting"`

	// Notice is a pending user notification.
	Notice string `json:"notice,omitempty"`
}

// NewViewState returns the Idle state.
func NewViewState() ViewState {
	return ViewState{Phase: PhaseIdle, History: []api.HistoryEntry{}}
}

// CanSubmit reports whether the Analyze control should be enabled.
func (s ViewState) CanSubmit() bool {
	return s.Selected != nil && !s.Submitting
}

// CanReset reports whether the Reset control should be enabled.
func (s ViewState) CanReset() bool {
	return s.Selected != nil
}

// SelectFile stores a new selection. Any prior result and preview are invalidated.
func SelectFile(s ViewState, img SelectedImage) ViewState {
	s.Selection++
	s.Selected = &img
	s.Preview = ""
	s.Result = nil
	if !s.Submitting {
		s.Phase = PhaseSelected
	}
	return s
}

// PreviewReady stores a preview computed for the given selection generation.
// Previews for superseded selections are ignored.
func PreviewReady(s ViewState, selection uint64, preview string) ViewState {
	if s.Selected == nil || s.Selection != selection {
		return s
	}
	s.Preview = preview
	return s
}

// BeginSubmit enters Submitting. It fails with ErrNoImage when nothing is selected
// and with ErrSubmitInProgress when the in-progress flag is already set.
func BeginSubmit(s ViewState) (ViewState, error) {
	if s.Selected == nil {
		return s, ErrNoImage
	}
	if s.Submitting {
		return s, ErrSubmitInProgress
	}
	s.Submitting = true
	s.Phase = PhaseSubmitting
	return s, nil
}

// SubmitSucceeded stores the service result and clears the in-progress flag.
func SubmitSucceeded(s ViewState, result api.Prediction) ViewState {
	s.Result = &result
	s.Submitting = false
	s.Phase = PhaseCompleted
	return s
}

// SubmitFailed clears the in-progress flag and records the notice. The prior
// result and the selection are kept so the user can retry.
func SubmitFailed(s ViewState, notice string) ViewState {
	s.Submitting = false
	if s.Selected != nil {
		s.Phase = PhaseFailed
	} else {
		s.Phase = PhaseIdle
	}
	s.Notice = notice
	return s
}

// HistoryLoaded replaces the history with what the service returned.
func HistoryLoaded(s ViewState, entries []api.HistoryEntry) ViewState {
	if entries == nil {
		entries = []api.HistoryEntry{}
	}
	s.History = entries
	return s
}

// StatsLoaded replaces the statistics with what the service returned.
func StatsLoaded(s ViewState, stats api.Stats) ViewState {
	s.Stats = &stats
	return s
}

// Notify records a pending user notification.
func Notify(s ViewState, notice string) ViewState {
	s.Notice = notice
	return s
}

// ClearNotice drops the pending notification once it has been shown.
func ClearNotice(s ViewState) ViewState {
	s.Notice = ""
	return s
}

// Reset clears the selection, preview and result. History and Stats are kept.
// A submission already in flight keeps its in-progress flag until it completes.
func Reset(s ViewState) ViewState {
	s.Selection++
	s.Selected = nil
	s.Preview = ""
	s.Result = nil
	if s.Submitting {
		s.Phase = PhaseSubmitting
	} else {
		s.Phase = PhaseIdle
	}
	return s
}

// Restored adapts a persisted state for a controller that did not write it. The
// persisted in-progress flag belongs to whichever process wrote it, so it is dropped.
func Restored(s ViewState) ViewState {
	if s.History == nil {
		s.History = []api.HistoryEntry{}
	}
	if !s.Submitting && s.Phase != PhaseSubmitting {
		return s
	}
	s.Submitting = false
	switch {
	case s.Result != nil:
		s.Phase = PhaseCompleted
	case s.Selected != nil:
		s.Phase = PhaseSelected
	default:
		s.Phase = PhaseIdle
	}
	return s
}
