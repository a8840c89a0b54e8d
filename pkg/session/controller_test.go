package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oncodetect/oncoview/pkg/api"
	"github.com/oncodetect/oncoview/pkg/client"
)

type fakeService struct {
	mu sync.Mutex

	history    []api.HistoryEntry
	historyErr error
	stats      api.Stats
	statsErr   error
	result     api.Prediction
	predictErr error

	// release, when set, blocks Predict until it is closed.
	release chan struct{}
	started chan struct{}

	historyCalls atomic.Int32
	statsCalls   atomic.Int32
	predictCalls atomic.Int32
	lastLimit    int
	lastUpload   api.Upload
}

func (f *fakeService) ListPredictions(_ context.Context, limit int) ([]api.HistoryEntry, error) {
	f.historyCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	return f.history, f.historyErr
}

func (f *fakeService) Stats(context.Context) (api.Stats, error) {
	f.statsCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, f.statsErr
}

func (f *fakeService) Predict(ctx context.Context, upload api.Upload) (api.Prediction, error) {
	f.predictCalls.Add(1)
	f.mu.Lock()
	f.lastUpload = upload
	release, started := f.release, f.started
	f.mu.Unlock()
	if started != nil {
		close(started)
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return api.Prediction{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.predictErr
}

type notices struct {
	mu   sync.Mutex
	msgs []string
}

func (n *notices) Notify(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *notices) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

func newTestController(svc Service) (*Controller, *notices) {
	c := NewController(svc, 0, nil)
	n := &notices{}
	c.SetNotifier(n)
	return c, n
}

func TestController_Mount(t *testing.T) {
	svc := &fakeService{
		history: []api.HistoryEntry{{
			ID:         "1",
			Filename:   "a.png",
			Timestamp:  "2024-01-01T00:00:00Z",
			Label:      api.LabelBenign,
			Confidence: 91,
		}},
		stats: api.Stats{TotalPredictions: 10, BenignCount: 7, MalignantCount: 3},
	}
	c, _ := newTestController(svc)

	c.Mount(context.Background())
	s := c.State()

	if len(s.History) != 1 {
		t.Fatalf("len(History) = %d, want 1", len(s.History))
	}
	h := s.History[0]
	if h.Filename != "a.png" || h.Label != api.LabelBenign || h.Confidence != 91 {
		t.Errorf("History[0] = %+v", h)
	}
	if s.Stats == nil || *s.Stats != svc.stats {
		t.Errorf("Stats = %+v, want %+v", s.Stats, svc.stats)
	}
	if svc.lastLimit != client.DefaultHistoryLimit {
		t.Errorf("history limit = %d, want %d", svc.lastLimit, client.DefaultHistoryLimit)
	}
}

func TestController_RefreshFailureLeavesState(t *testing.T) {
	svc := &fakeService{
		history: []api.HistoryEntry{{ID: "1"}},
		stats:   api.Stats{TotalPredictions: 1},
	}
	c, n := newTestController(svc)
	c.Mount(context.Background())

	svc.mu.Lock()
	svc.historyErr = errors.New("boom")
	svc.statsErr = errors.New("boom")
	svc.mu.Unlock()

	if err := c.RefreshHistory(context.Background()); err == nil {
		t.Error("RefreshHistory() should return the service error")
	}
	if err := c.RefreshStats(context.Background()); err == nil {
		t.Error("RefreshStats() should return the service error")
	}

	s := c.State()
	if len(s.History) != 1 || s.Stats.TotalPredictions != 1 {
		t.Errorf("failed refresh altered state: %+v", s)
	}
	if len(n.all()) != 0 || s.Notice != "" {
		t.Error("refresh failures must not notify the user")
	}
}

func TestController_SubmitWithoutImage(t *testing.T) {
	svc := &fakeService{}
	c, n := newTestController(svc)

	_, err := c.Submit(context.Background())

	if !errors.Is(err, ErrNoImage) {
		t.Fatalf("Submit() error = %v, want ErrNoImage", err)
	}
	if client.KindOf(err) != client.KindValidation {
		t.Errorf("KindOf() = %v, want validation", client.KindOf(err))
	}
	if svc.predictCalls.Load() != 0 {
		t.Error("no network call expected")
	}
	if got := n.all(); len(got) != 1 || got[0] != NoticeSelectImage {
		t.Errorf("notices = %v", got)
	}
	if c.State().Notice != NoticeSelectImage {
		t.Errorf("state notice = %q", c.State().Notice)
	}
}

func TestController_SubmitSuccess(t *testing.T) {
	svc := &fakeService{
		result: api.Prediction{
			Label:        api.LabelMalignant,
			Confidence:   88,
			PredictionID: "p1",
			Timestamp:    "2024-02-02T00:00:00Z",
		},
		history: []api.HistoryEntry{{ID: "p1", Label: api.LabelMalignant}},
		stats:   api.Stats{TotalPredictions: 1, MalignantCount: 1},
	}
	c, n := newTestController(svc)
	c.SelectFile(testImage)

	got, err := c.Submit(context.Background())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if got != svc.result {
		t.Errorf("Submit() = %+v, want %+v", got, svc.result)
	}

	s := c.State()
	if s.Result == nil || *s.Result != svc.result {
		t.Errorf("Result = %+v", s.Result)
	}
	if s.Result.HasHeatmap() {
		t.Error("no heatmap expected")
	}
	if s.Submitting || s.Phase != PhaseCompleted {
		t.Errorf("Submitting=%v Phase=%s", s.Submitting, s.Phase)
	}
	if svc.historyCalls.Load() != 1 || svc.statsCalls.Load() != 1 {
		t.Errorf("refresh calls = %d/%d, want 1/1", svc.historyCalls.Load(), svc.statsCalls.Load())
	}
	if len(s.History) != 1 || s.Stats.MalignantCount != 1 {
		t.Errorf("refreshed state = %+v", s)
	}
	if svc.lastUpload.Filename != testImage.Filename || string(svc.lastUpload.Data) != string(testImage.Data) {
		t.Errorf("upload = %+v", svc.lastUpload)
	}
	if len(n.all()) != 0 {
		t.Errorf("unexpected notices %v", n.all())
	}
}

func TestController_SubmitFailure(t *testing.T) {
	svc := &fakeService{
		predictErr: &client.Error{Kind: client.KindService, Op: "predict", StatusCode: 500, Err: errors.New("internal")},
	}
	c, n := newTestController(svc)
	c.SelectFile(testImage)

	_, err := c.Submit(context.Background())
	if client.KindOf(err) != client.KindService {
		t.Fatalf("Submit() error = %v, want service error", err)
	}

	s := c.State()
	if s.Result != nil {
		t.Error("Result should stay nil")
	}
	if s.Submitting {
		t.Error("in-progress flag should be false")
	}
	if s.Selected == nil || s.Selected.Filename != testImage.Filename {
		t.Error("selection should be kept for retry")
	}
	if !s.CanSubmit() {
		t.Error("retry should be possible")
	}
	if got := n.all(); len(got) != 1 || got[0] != NoticeSubmitFailed {
		t.Errorf("notices = %v", got)
	}
	if svc.historyCalls.Load() != 0 || svc.statsCalls.Load() != 0 {
		t.Error("failed submit must not refresh")
	}
}

func TestController_SubmitFailureKeepsPriorResult(t *testing.T) {
	prior := api.Prediction{Label: api.LabelBenign, Confidence: 60, PredictionID: "p0"}
	svc := &fakeService{result: prior}
	c, _ := newTestController(svc)
	c.SelectFile(testImage)
	if _, err := c.Submit(context.Background()); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}

	svc.mu.Lock()
	svc.predictErr = &client.Error{Kind: client.KindTransport, Op: "predict", Err: errors.New("reset")}
	svc.mu.Unlock()

	if _, err := c.Submit(context.Background()); err == nil {
		t.Fatal("second Submit() should fail")
	}
	s := c.State()
	if s.Result == nil || *s.Result != prior {
		t.Errorf("Result = %+v, want prior %+v", s.Result, prior)
	}
	if s.Phase != PhaseFailed {
		t.Errorf("Phase = %s, want failed", s.Phase)
	}
}

func TestController_SingleSubmitInFlight(t *testing.T) {
	svc := &fakeService{
		result:  api.Prediction{Label: api.LabelBenign},
		release: make(chan struct{}),
		started: make(chan struct{}),
	}
	c, _ := newTestController(svc)
	c.SelectFile(testImage)

	done := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background())
		done <- err
	}()
	<-svc.started

	if !c.State().Submitting {
		t.Error("state should show submitting")
	}
	for i := 0; i < 5; i++ {
		if _, err := c.Submit(context.Background()); !errors.Is(err, ErrSubmitInProgress) {
			t.Errorf("concurrent Submit() error = %v, want ErrSubmitInProgress", err)
		}
	}

	close(svc.release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("first Submit() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Submit did not finish")
	}

	if got := svc.predictCalls.Load(); got != 1 {
		t.Errorf("predict calls = %d, want 1", got)
	}
}

func TestController_SelectDuringSubmit(t *testing.T) {
	svc := &fakeService{
		result:  api.Prediction{Label: api.LabelBenign},
		release: make(chan struct{}),
		started: make(chan struct{}),
	}
	c, _ := newTestController(svc)
	c.SelectFile(testImage)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Submit(context.Background())
	}()
	<-svc.started

	s := c.SelectFile(SelectedImage{Filename: "second.png", Data: []byte("2")})
	if s.Phase != PhaseSubmitting || !s.Submitting {
		t.Errorf("selection during submit changed phase to %s", s.Phase)
	}
	close(svc.release)
	<-done

	s = c.State()
	if s.Submitting {
		t.Error("in-progress flag should clear")
	}
	if s.Selected.Filename != "second.png" {
		t.Errorf("Selected = %q, want second.png", s.Selected.Filename)
	}
}

func TestController_SelectFilePreview(t *testing.T) {
	c, _ := newTestController(&fakeService{})

	s := c.SelectFile(SelectedImage{Filename: "a.png", Data: encodePNG(t, 8, 8)})

	if s.Preview == "" {
		t.Error("preview should be set after selection")
	}
	if !s.CanSubmit() {
		t.Error("Analyze should be enabled after selection")
	}
}

func TestController_Reset(t *testing.T) {
	svc := &fakeService{
		result:  api.Prediction{Label: api.LabelBenign},
		history: []api.HistoryEntry{{ID: "1"}},
		stats:   api.Stats{TotalPredictions: 1},
	}
	c, _ := newTestController(svc)
	c.SelectFile(testImage)
	if _, err := c.Submit(context.Background()); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	calls := svc.historyCalls.Load() + svc.statsCalls.Load()

	s := c.Reset()

	if s.Selected != nil || s.Preview != "" || s.Result != nil {
		t.Errorf("Reset left %+v", s)
	}
	if len(s.History) != 1 || s.Stats == nil {
		t.Error("Reset altered history or stats")
	}
	if svc.historyCalls.Load()+svc.statsCalls.Load() != calls {
		t.Error("Reset must not call the service")
	}
}

func TestController_TakeNotice(t *testing.T) {
	c, _ := newTestController(&fakeService{})
	_, _ = c.Submit(context.Background())

	if got := c.TakeNotice(); got != NoticeSelectImage {
		t.Errorf("TakeNotice() = %q", got)
	}
	if got := c.TakeNotice(); got != "" {
		t.Errorf("second TakeNotice() = %q, want empty", got)
	}
}

func TestController_OnChange(t *testing.T) {
	c, _ := newTestController(&fakeService{})
	var phases []Phase
	c.OnChange(func(s ViewState) { phases = append(phases, s.Phase) })

	c.SelectFile(testImage)
	c.Reset()

	want := []Phase{PhaseSelected, PhaseIdle}
	if fmt.Sprint(phases) != fmt.Sprint(want) {
		t.Errorf("phases = %v, want %v", phases, want)
	}
}

func TestController_OnChangeRunsUnlocked(t *testing.T) {
	c, _ := newTestController(&fakeService{})
	var revisions []uint64
	c.OnChange(func(s ViewState) {
		// Reading back must not block: the hook runs without the controller lock.
		if got := c.State(); got.Revision < s.Revision {
			t.Errorf("State().Revision = %d, want >= %d", got.Revision, s.Revision)
		}
		revisions = append(revisions, s.Revision)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.SelectFile(testImage)
		c.Notify("hello")
		c.TakeNotice()
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("change hook deadlocked")
	}

	if fmt.Sprint(revisions) != "[1 2 3]" {
		t.Errorf("revisions = %v, want [1 2 3]", revisions)
	}
}

func TestController_RestoreKeepsInFlightFlag(t *testing.T) {
	svc := &fakeService{release: make(chan struct{}), started: make(chan struct{})}
	c, _ := newTestController(svc)
	c.SelectFile(testImage)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Submit(context.Background())
	}()
	<-svc.started

	c.Restore(ViewState{Phase: PhaseSelected, Revision: 9, Selected: &testImage})
	if s := c.State(); !s.Submitting || s.Phase != PhaseSubmitting || s.Revision != 9 {
		t.Errorf("restored during submit: %+v", s)
	}

	close(svc.release)
	<-done
	if s := c.State(); s.Phase != PhaseCompleted || s.Result == nil {
		t.Errorf("after submit: phase = %s, result = %+v", s.Phase, s.Result)
	}
}

func TestController_ContextCanceled(t *testing.T) {
	svc := &fakeService{release: make(chan struct{})}
	c, n := newTestController(svc)
	c.SelectFile(testImage)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Submit(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Submit() error = %v, want context.Canceled", err)
	}
	if c.State().Submitting {
		t.Error("in-progress flag should clear")
	}
	if len(n.all()) != 1 {
		t.Errorf("notices = %v", n.all())
	}
}
