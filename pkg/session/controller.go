package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/oncodetect/oncoview/pkg/api"
	"github.com/oncodetect/oncoview/pkg/client"
)

// Service is the subset of the prediction service client the controller needs.
type Service interface {
	ListPredictions(ctx context.Context, limit int) ([]api.HistoryEntry, error)
	Stats(ctx context.Context) (api.Stats, error)
	Predict(ctx context.Context, upload api.Upload) (api.Prediction, error)
}

// Notifier receives user-facing notices as they are raised.
type Notifier interface {
	Notify(message string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(message string)

func (f NotifierFunc) Notify(message string) { f(message) }

// Controller owns one ViewState and applies service events to it.
// It is safe for concurrent use; at most one Submit is in flight at a time.
type Controller struct {
	svc          Service
	historyLimit int
	logger       *slog.Logger

	notifier Notifier
	onChange func(ViewState)

	mu    sync.Mutex
	state ViewState

	inFlight atomic.Bool
}

// NewController creates a controller in the Idle state.
func NewController(svc Service, historyLimit int, logger *slog.Logger) *Controller {
	if historyLimit <= 0 {
		historyLimit = client.DefaultHistoryLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		svc:          svc,
		historyLimit: historyLimit,
		logger:       logger,
		state:        NewViewState(),
	}
}

// SetNotifier installs the receiver for user-facing notices.
func (c *Controller) SetNotifier(n Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifier = n
}

// OnChange installs a hook called with every new state. The hook runs after the
// controller lock is released, so concurrent changes may reach it out of order;
// use ViewState.Revision to order them.
func (c *Controller) OnChange(fn func(ViewState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// State returns the current view state.
func (c *Controller) State() ViewState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Restore replaces the current state with a persisted one, keeping its revision.
// The change hook is not called. A submission in flight on this controller keeps
// its in-progress flag.
func (c *Controller) Restore(s ViewState) {
	s = Restored(s)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight.Load() {
		s.Submitting = true
		s.Phase = PhaseSubmitting
	}
	c.state = s
}

// Mount loads history and statistics concurrently. Failures are logged and leave
// the corresponding part of the state untouched.
func (c *Controller) Mount(ctx context.Context) {
	c.refresh(ctx)
}

// RefreshHistory replaces the history with the service's most recent entries.
func (c *Controller) RefreshHistory(ctx context.Context) error {
	entries, err := c.svc.ListPredictions(ctx, c.historyLimit)
	if err != nil {
		c.logger.Warn("failed to refresh history", "error", err)
		return err
	}
	c.apply(func(s ViewState) ViewState { return HistoryLoaded(s, entries) })
	return nil
}

// RefreshStats replaces the statistics with the service's aggregate counts.
func (c *Controller) RefreshStats(ctx context.Context) error {
	stats, err := c.svc.Stats(ctx)
	if err != nil {
		c.logger.Warn("failed to refresh stats", "error", err)
		return err
	}
	c.apply(func(s ViewState) ViewState { return StatsLoaded(s, stats) })
	return nil
}

// SelectFile records a new selection together with its preview as one change.
func (c *Controller) SelectFile(img SelectedImage) ViewState {
	preview := BuildPreview(img)
	return c.apply(func(s ViewState) ViewState {
		s = SelectFile(s, img)
		return PreviewReady(s, s.Selection, preview)
	})
}

// Submit sends the selected image for classification. On success the result is
// stored and history and statistics are refreshed before Submit returns. On
// failure the previous result and the selection are kept.
func (c *Controller) Submit(ctx context.Context) (api.Prediction, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return api.Prediction{}, client.NewValidationError("submit", ErrSubmitInProgress)
	}

	c.mu.Lock()
	next, err := BeginSubmit(c.state)
	if err != nil {
		notice := ""
		publish := func() {}
		if errors.Is(err, ErrNoImage) {
			notice = NoticeSelectImage
			publish = c.setLocked(Notify(c.state, notice))
		}
		notifier := c.notifier
		c.mu.Unlock()
		c.inFlight.Store(false)
		publish()
		if notice != "" && notifier != nil {
			notifier.Notify(notice)
		}
		return api.Prediction{}, client.NewValidationError("submit", err)
	}
	publish := c.setLocked(next)
	upload := next.Selected.Upload()
	c.mu.Unlock()
	publish()

	c.logger.Debug("submitting image", "filename", upload.Filename, "bytes", len(upload.Data))

	result, err := c.svc.Predict(ctx, upload)
	if err != nil {
		c.logger.Error("prediction failed", "filename", upload.Filename, "kind", client.KindOf(err), "error", err)
		c.apply(func(s ViewState) ViewState { return SubmitFailed(s, NoticeSubmitFailed) })
		c.inFlight.Store(false)
		c.notify(NoticeSubmitFailed)
		return api.Prediction{}, err
	}

	c.logger.Info("prediction complete",
		"prediction_id", result.PredictionID,
		"prediction", result.Label,
		"confidence", result.Confidence,
	)
	c.apply(func(s ViewState) ViewState { return SubmitSucceeded(s, result) })
	c.inFlight.Store(false)

	c.refresh(ctx)
	return result, nil
}

// Reset clears the selection, preview and result.
func (c *Controller) Reset() ViewState {
	return c.apply(Reset)
}

// Notify raises a user-facing notice outside the submit flow, such as a
// rejected upload.
func (c *Controller) Notify(message string) {
	c.apply(func(s ViewState) ViewState { return Notify(s, message) })
	c.notify(message)
}

// TakeNotice returns and clears the pending notice.
func (c *Controller) TakeNotice() string {
	c.mu.Lock()
	notice := c.state.Notice
	publish := func() {}
	if notice != "" {
		publish = c.setLocked(ClearNotice(c.state))
	}
	c.mu.Unlock()
	publish()
	return notice
}

func (c *Controller) refresh(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = c.RefreshHistory(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = c.RefreshStats(ctx)
	}()
	wg.Wait()
}

func (c *Controller) apply(fn func(ViewState) ViewState) ViewState {
	c.mu.Lock()
	publish := c.setLocked(fn(c.state))
	s := c.state
	c.mu.Unlock()
	publish()
	return s
}

// setLocked installs s as the next revision. The returned function hands it to
// the change hook and must be called after the lock is released.
func (c *Controller) setLocked(s ViewState) func() {
	s.Revision = c.state.Revision + 1
	c.state = s
	hook := c.onChange
	return func() {
		if hook != nil {
			hook(s)
		}
	}
}

func (c *Controller) notify(message string) {
	c.mu.Lock()
	n := c.notifier
	c.mu.Unlock()
	if n != nil {
		n.Notify(message)
	}
}
