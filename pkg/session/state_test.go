package session

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/oncodetect/oncoview/pkg/api"
)

var testImage = SelectedImage{Filename: "scan.png", ContentType: "image/png", Data: []byte("png")}

func TestSelectFile_ClearsResult(t *testing.T) {
	s := NewViewState()
	s = SubmitSucceeded(s, api.Prediction{Label: api.LabelBenign})
	s.Preview = "data:old"

	next := SelectFile(s, testImage)

	if next.Result != nil {
		t.Error("selection should clear the previous result")
	}
	if next.Preview != "" {
		t.Error("selection should clear the previous preview")
	}
	if next.Phase != PhaseSelected {
		t.Errorf("Phase = %s, want %s", next.Phase, PhaseSelected)
	}
	if next.Selection != s.Selection+1 {
		t.Errorf("Selection = %d, want %d", next.Selection, s.Selection+1)
	}
	if s.Result == nil {
		t.Error("transition mutated its input")
	}
}

func TestPreviewReady_DropsStale(t *testing.T) {
	s := SelectFile(NewViewState(), testImage)
	stale := s.Selection
	s = SelectFile(s, SelectedImage{Filename: "other.jpg", Data: []byte("jpg")})

	if got := PreviewReady(s, stale, "data:stale"); got.Preview != "" {
		t.Errorf("stale preview applied: %q", got.Preview)
	}
	if got := PreviewReady(s, s.Selection, "data:fresh"); got.Preview != "data:fresh" {
		t.Errorf("Preview = %q, want data:fresh", got.Preview)
	}

	reset := Reset(s)
	if got := PreviewReady(reset, s.Selection, "data:late"); got.Preview != "" {
		t.Error("preview should not be applied after reset")
	}
}

func TestBeginSubmit(t *testing.T) {
	tests := []struct {
		name    string
		state   ViewState
		wantErr error
	}{
		{name: "nothing selected", state: NewViewState(), wantErr: ErrNoImage},
		{name: "selected", state: SelectFile(NewViewState(), testImage)},
		{
			name:    "already submitting",
			state:   ViewState{Selected: &testImage, Submitting: true, Phase: PhaseSubmitting},
			wantErr: ErrSubmitInProgress,
		},
		{
			name:  "retry after failure",
			state: SubmitFailed(SelectFile(NewViewState(), testImage), NoticeSubmitFailed),
		},
		{
			name:  "again after completion",
			state: SubmitSucceeded(SelectFile(NewViewState(), testImage), api.Prediction{}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BeginSubmit(tt.state)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("BeginSubmit() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}
			if !got.Submitting || got.Phase != PhaseSubmitting {
				t.Errorf("got Submitting=%v Phase=%s", got.Submitting, got.Phase)
			}
			if got.CanSubmit() {
				t.Error("Analyze should be disabled while submitting")
			}
		})
	}
}

func TestSubmitFailed_KeepsPriorResult(t *testing.T) {
	prior := api.Prediction{Label: api.LabelBenign, Confidence: 70}
	s := SubmitSucceeded(SelectFile(NewViewState(), testImage), prior)
	s, err := BeginSubmit(s)
	if err != nil {
		t.Fatalf("BeginSubmit() error = %v", err)
	}

	got := SubmitFailed(s, NoticeSubmitFailed)

	if got.Submitting {
		t.Error("in-progress flag should be cleared")
	}
	if got.Result == nil || *got.Result != prior {
		t.Errorf("Result = %v, want prior %v", got.Result, prior)
	}
	if got.Selected == nil || got.Selected.Filename != testImage.Filename {
		t.Error("selection should be kept for retry")
	}
	if got.Phase != PhaseFailed {
		t.Errorf("Phase = %s, want %s", got.Phase, PhaseFailed)
	}
	if got.Notice != NoticeSubmitFailed {
		t.Errorf("Notice = %q", got.Notice)
	}
}

func TestReset(t *testing.T) {
	stats := api.Stats{TotalPredictions: 3}
	history := []api.HistoryEntry{{ID: "1", Filename: "a.png"}}

	states := map[string]ViewState{
		"idle":      NewViewState(),
		"selected":  SelectFile(NewViewState(), testImage),
		"completed": SubmitSucceeded(SelectFile(NewViewState(), testImage), api.Prediction{Label: api.LabelMalignant}),
		"failed":    SubmitFailed(SelectFile(NewViewState(), testImage), NoticeSubmitFailed),
	}

	for name, s := range states {
		t.Run(name, func(t *testing.T) {
			s = HistoryLoaded(StatsLoaded(s, stats), history)
			s.Preview = "data:x"

			got := Reset(s)

			if got.Selected != nil || got.Preview != "" || got.Result != nil {
				t.Errorf("Reset left selection=%v preview=%q result=%v", got.Selected, got.Preview, got.Result)
			}
			if got.Phase != PhaseIdle {
				t.Errorf("Phase = %s, want idle", got.Phase)
			}
			if got.Stats == nil || *got.Stats != stats {
				t.Error("Reset altered stats")
			}
			if len(got.History) != 1 || got.History[0] != history[0] {
				t.Error("Reset altered history")
			}

			again := Reset(got)
			if again.Selected != nil || again.Phase != PhaseIdle {
				t.Error("Reset should be idempotent")
			}
		})
	}
}

func TestReset_DuringSubmit(t *testing.T) {
	s, _ := BeginSubmit(SelectFile(NewViewState(), testImage))
	got := Reset(s)
	if !got.Submitting || got.Phase != PhaseSubmitting {
		t.Error("in-flight submission should keep its flag through Reset")
	}
	if got.CanReset() {
		t.Error("Reset should be disabled with nothing selected")
	}
}

func TestHistoryLoaded_Nil(t *testing.T) {
	got := HistoryLoaded(NewViewState(), nil)
	if got.History == nil {
		t.Error("history should never be nil")
	}
}

func TestRestored(t *testing.T) {
	tests := []struct {
		name      string
		state     ViewState
		wantPhase Phase
	}{
		{name: "idle untouched", state: NewViewState(), wantPhase: PhaseIdle},
		{
			name:      "stale submit with selection",
			state:     ViewState{Phase: PhaseSubmitting, Submitting: true, Selected: &testImage},
			wantPhase: PhaseSelected,
		},
		{
			name:      "stale submit with result",
			state:     ViewState{Phase: PhaseSubmitting, Submitting: true, Selected: &testImage, Result: &api.Prediction{}},
			wantPhase: PhaseCompleted,
		},
		{
			name:      "stale submit after reset",
			state:     ViewState{Phase: PhaseSubmitting, Submitting: true},
			wantPhase: PhaseIdle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Restored(tt.state)
			if got.Submitting {
				t.Error("restored state must not be submitting")
			}
			if got.Phase != tt.wantPhase {
				t.Errorf("Phase = %s, want %s", got.Phase, tt.wantPhase)
			}
			if got.History == nil {
				t.Error("history should be non-nil")
			}
		})
	}
}

func TestViewState_JSON(t *testing.T) {
	s := SubmitSucceeded(SelectFile(NewViewState(), testImage), api.Prediction{
		Label:        api.LabelMalignant,
		Confidence:   88,
		PredictionID: "p1",
	})
	s = StatsLoaded(s, api.Stats{TotalPredictions: 10, BenignCount: 7, MalignantCount: 3})

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var got ViewState
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if got.Phase != PhaseCompleted || got.Result.PredictionID != "p1" || got.Stats.TotalPredictions != 10 {
		t.Errorf("decoded state = %+v", got)
	}
	if string(got.Selected.Data) != string(testImage.Data) {
		t.Errorf("selected data = %q", got.Selected.Data)
	}
}
