package engine

import (
	"context"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/config"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/events"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/notify"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/ozon"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/store"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/task"
)

// fakeAPI serves scripted responses per method. The last response of a
// queue is sticky so polling loops can repeat it.
type fakeAPI struct {
	mu        sync.Mutex
	calls     map[string]int
	resp      map[string][]ozon.Response
	labelData []byte
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		calls:     make(map[string]int),
		resp:      make(map[string][]ozon.Response),
		labelData: []byte("%PDF-1.4 labels"),
	}
}

func (f *fakeAPI) on(method string, responses ...ozon.Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resp[method] = responses
}

func (f *fakeAPI) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeAPI) next(method string) ozon.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	q := f.resp[method]
	if len(q) == 0 {
		return ozon.Response{OK: true, Status: 200, Body: map[string]any{}}
	}
	r := q[0]
	if len(q) > 1 {
		f.resp[method] = q[1:]
	}
	return r
}

func (f *fakeAPI) DraftCreate(context.Context, map[string]any) ozon.Response {
	return f.next("DraftCreate")
}
func (f *fakeAPI) DraftCreateInfo(context.Context, string) ozon.Response {
	return f.next("DraftCreateInfo")
}
func (f *fakeAPI) DraftTimeslotSet(_ context.Context, _, _ int64, _, _ time.Time) ozon.Response {
	return f.next("DraftTimeslotSet")
}
func (f *fakeAPI) TimeslotInfo(_ context.Context, _ int64, _ []int64, _, _ time.Time) ozon.Response {
	return f.next("TimeslotInfo")
}
func (f *fakeAPI) SupplyCreate(context.Context, map[string]any) ozon.Response {
	return f.next("SupplyCreate")
}
func (f *fakeAPI) SupplyCreateStatus(context.Context, string) ozon.Response {
	return f.next("SupplyCreateStatus")
}
func (f *fakeAPI) OrderGet(context.Context, []int64) ozon.Response {
	return f.next("OrderGet")
}
func (f *fakeAPI) OrderTimeslotUpdate(_ context.Context, _ int64, _, _ time.Time, _ string) ozon.Response {
	return f.next("OrderTimeslotUpdate")
}
func (f *fakeAPI) CargoesCreate(context.Context, map[string]any) ozon.Response {
	return f.next("CargoesCreate")
}
func (f *fakeAPI) CargoesCreateInfo(context.Context, string) ozon.Response {
	return f.next("CargoesCreateInfo")
}
func (f *fakeAPI) LabelsCreate(_ context.Context, _ int64, _ []int64) ozon.Response {
	return f.next("LabelsCreate")
}
func (f *fakeAPI) LabelsGet(context.Context, string) ozon.Response {
	return f.next("LabelsGet")
}
func (f *fakeAPI) LabelFile(_ context.Context, _ string) ([]byte, ozon.Response) {
	return f.labelData, f.next("LabelFile")
}

func ok(body map[string]any) ozon.Response {
	return ozon.Response{OK: true, Status: 200, Body: body}
}

func clientErr(status int, message string) ozon.Response {
	return ozon.Response{Status: status, Body: map[string]any{"message": message}, Raw: message}
}

func rateLimited(retryAfter string) ozon.Response {
	h := http.Header{}
	if retryAfter != "" {
		h.Set("Retry-After", retryAfter)
	}
	return ozon.Response{Status: 429, Headers: h, Raw: "too many requests"}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Limits.DraftMinSpacing = config.Duration(time.Millisecond)
	cfg.Negotiation.FastAdvanceDelay = config.Duration(time.Millisecond)
	cfg.Negotiation.NormalAdvanceDelay = config.Duration(time.Millisecond)
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, api SellerAPI, notifier notify.Notifier) *Engine {
	t.Helper()
	return newTestEngineAt(t, cfg, api, notifier, t.TempDir())
}

// newTestEngineAt builds an engine over an existing store directory so
// restart scenarios can run a second engine against the same records.
func newTestEngineAt(t *testing.T, cfg *config.Config, api SellerAPI, notifier notify.Notifier, dir string) *Engine {
	t.Helper()
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	st := store.NewFileStore(dir)
	bus := events.NewBus(256)
	t.Cleanup(bus.Close)

	e, err := New(cfg, st, api, NewGovernor(cfg.Limits), bus, notifier)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func newBookingTask(t *testing.T, e *Engine) *task.Task {
	t.Helper()
	tk, err := e.Submit(BookingRequest{
		Items:      []task.LineItem{{SKU: 1234567, OfferID: "OFR-1", Quantity: 10}},
		WindowFrom: time.Now().Add(24 * time.Hour).UTC().Truncate(time.Hour),
		WindowTo:   time.Now().Add(48 * time.Hour).UTC().Truncate(time.Hour),
		Recipient:  "chat-1",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return tk
}

// drive advances the task until it reaches a terminal state or the step
// limit trips.
func drive(t *testing.T, e *Engine, tk *task.Task, maxSteps int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < maxSteps; i++ {
		if tk.Status.IsTerminal() {
			return
		}
		if tk.Status == task.StatusRateLimited && tk.RateLimitResumeTS != nil {
			past := time.Now().Add(-time.Second)
			tk.RateLimitResumeTS = &past
		}
		e.Advance(ctx, tk)
	}
	if !tk.Status.IsTerminal() {
		t.Fatalf("task did not reach a terminal state in %d steps, stuck at %s", maxSteps, tk.Status)
	}
}

func TestHappyPathToDone(t *testing.T) {
	api := newFakeAPI()
	api.on("DraftCreate", ok(map[string]any{"operation_id": "op-draft-1"}))
	api.on("DraftCreateInfo",
		ok(map[string]any{"status": "IN_PROGRESS"}),
		ok(map[string]any{
			"status":   "CALCULATION_STATUS_SUCCESS",
			"draft_id": float64(900144),
			"clusters": []any{
				map[string]any{"warehouses": []any{
					map[string]any{"supply_warehouse": map[string]any{
						"warehouse_id": float64(22), "name": "Хоругвино",
					}},
				}},
			},
		}),
	)
	from := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Hour)
	api.on("TimeslotInfo", ok(map[string]any{
		"timeslots": []any{
			map[string]any{
				"from_in_timezone": from.Format(time.RFC3339),
				"to_in_timezone":   from.Add(time.Hour).Format(time.RFC3339),
			},
		},
	}))
	api.on("DraftTimeslotSet", ok(nil))
	api.on("SupplyCreate", ok(map[string]any{"operation_id": "op-supply-1"}))
	api.on("SupplyCreateStatus", ok(map[string]any{
		"status": "SUCCESS", "result": map[string]any{"order_ids": []any{float64(777001)}},
	}))
	api.on("OrderGet", ok(map[string]any{
		"orders": []any{map[string]any{
			"supply_order_id": float64(777001),
			"timeslot":        map[string]any{},
			"supplies":        []any{map[string]any{"supply_id": float64(880001)}},
		}},
	}))
	api.on("CargoesCreate", ok(map[string]any{"operation_id": "op-cargo-1"}))
	api.on("CargoesCreateInfo", ok(map[string]any{
		"status": "SUCCESS", "cargoes": []any{map[string]any{"cargo_id": float64(31)}},
	}))
	api.on("LabelsCreate", ok(map[string]any{"operation_id": "op-label-1"}))
	api.on("LabelsGet", ok(map[string]any{"status": "SUCCESS", "file_guid": "guid-9"}))
	api.on("LabelFile", ok(nil))

	var texts, files []string
	notifier := notify.FuncNotifier{
		Text: func(_, text string) { texts = append(texts, text) },
		File: func(_, path, _ string) { files = append(files, path) },
	}
	cfg := testConfig()
	e := newTestEngine(t, cfg, api, notifier)
	tk := newBookingTask(t, e)

	tk.WindowFrom = from
	tk.WindowTo = from.Add(time.Hour)
	drive(t, e, tk, 50)

	if tk.Status != task.StatusDone {
		t.Fatalf("status = %s (%s), want done", tk.Status, tk.LastError)
	}
	if tk.OrderID != 777001 || tk.SupplyID != 880001 {
		t.Errorf("order=%d supply=%d", tk.OrderID, tk.SupplyID)
	}
	if tk.WinningStrategy == "" {
		t.Error("winning strategy not recorded")
	}
	if n := api.count("DraftCreate"); n != 1 {
		t.Errorf("DraftCreate called %d times, want 1", n)
	}
	if n := api.count("CargoesCreate"); n != 1 {
		t.Errorf("CargoesCreate called %d times, want 1", n)
	}
	if len(texts) != 1 || !strings.Contains(texts[0], "777001") {
		t.Errorf("order notification = %v, want exactly one mentioning the order", texts)
	}
	if len(files) != 1 {
		t.Fatalf("label file notifications = %d, want 1", len(files))
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("read label file: %v", err)
	}
	if string(data) != "%PDF-1.4 labels" {
		t.Error("label file content mismatch")
	}

	// The persisted record must agree with the in-memory task.
	got, err := e.Store().Get(tk.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusDone || got.LabelFilePath == "" {
		t.Errorf("persisted status=%s labels=%q", got.Status, got.LabelFilePath)
	}
}

func TestThirdCandidateWins(t *testing.T) {
	api := newFakeAPI()
	api.on("DraftCreate",
		clientErr(400, "supply type is unknown"),
		clientErr(400, "supply type is unknown"),
		ok(map[string]any{"operation_id": "op-draft-3"}),
	)

	cfg := testConfig()
	e := newTestEngine(t, cfg, api, nil)
	tk := newBookingTask(t, e)
	ctx := context.Background()

	e.Advance(ctx, tk) // waiting_window -> draft_creating
	for i := 0; i < 3; i++ {
		e.Advance(ctx, tk)
	}

	if tk.Status != task.StatusPollingDraft {
		t.Fatalf("status = %s, want polling_draft", tk.Status)
	}
	if tk.DraftAttempts != 3 {
		t.Errorf("attempts = %d, want 3", tk.DraftAttempts)
	}
	if len(tk.DraftStrategiesTried) != 3 {
		t.Errorf("tried = %v, want 3 entries", tk.DraftStrategiesTried)
	}
	if tk.WinningStrategy != tk.DraftStrategies[2] {
		t.Errorf("winner = %q, want third candidate %q", tk.WinningStrategy, tk.DraftStrategies[2])
	}
	if tk.DraftOperationID != "op-draft-3" {
		t.Errorf("operation id = %q", tk.DraftOperationID)
	}
}

func TestStrategiesExhaustedFails(t *testing.T) {
	api := newFakeAPI()
	api.on("DraftCreate", clientErr(400, "supply type is unknown"))

	dir := t.TempDir()
	file := dir + "/strategies.yaml"
	yaml := `- name: a
  field: supply_type
  value: direct
- name: b
  field: supply_type
  value: xdock
- name: c
  field: type
  value: CREATE_TYPE_FBO
`
	if err := os.WriteFile(file, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.Negotiation.StrategiesFile = file
	e := newTestEngine(t, cfg, api, nil)
	tk := newBookingTask(t, e)

	drive(t, e, tk, 20)

	if tk.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", tk.Status)
	}
	if tk.FailReason != "strategies_exhausted" {
		t.Errorf("fail reason = %q", tk.FailReason)
	}
	if n := api.count("DraftCreate"); n != 3 {
		t.Errorf("DraftCreate called %d times, want exactly one per candidate", n)
	}
}

func TestDraftAttemptCapFails(t *testing.T) {
	api := newFakeAPI()
	api.on("DraftCreate", ozon.Response{Status: 502, Raw: "bad gateway"})

	cfg := testConfig()
	cfg.Negotiation.MaxDraftAttempts = 4
	e := newTestEngine(t, cfg, api, nil)
	tk := newBookingTask(t, e)

	drive(t, e, tk, 20)

	if tk.FailReason != "draft_attempts_exhausted" {
		t.Fatalf("fail reason = %q, status %s", tk.FailReason, tk.Status)
	}
	if n := api.count("DraftCreate"); n != 4 {
		t.Errorf("DraftCreate called %d times, want 4", n)
	}
}

func TestRateLimitParksAndResumesSameStage(t *testing.T) {
	api := newFakeAPI()
	api.on("TimeslotInfo", rateLimited("2"), ok(nil))

	cfg := testConfig()
	e := newTestEngine(t, cfg, api, nil)
	tk := newBookingTask(t, e)
	tk.DraftID = 900144
	tk.Status = task.StatusTimeslotSearch
	ctx := context.Background()

	e.Advance(ctx, tk)
	if tk.Status != task.StatusRateLimited {
		t.Fatalf("status = %s, want rate_limited", tk.Status)
	}
	if tk.RateLimitHits != 1 || tk.RateLimitResumeTS == nil {
		t.Fatalf("hits=%d resume=%v", tk.RateLimitHits, tk.RateLimitResumeTS)
	}

	// Still cooling down: no remote call may go out.
	e.Advance(ctx, tk)
	if n := api.count("TimeslotInfo"); n != 1 {
		t.Fatalf("TimeslotInfo called %d times during cooldown, want 1", n)
	}

	past := time.Now().Add(-time.Second)
	tk.RateLimitResumeTS = &past
	e.Advance(ctx, tk)
	if tk.Status != task.StatusTimeslotSearch {
		t.Fatalf("resumed to %s, want timeslot_search", tk.Status)
	}
}

func TestRateLimitDoesNotConsumeAttempt(t *testing.T) {
	api := newFakeAPI()
	api.on("DraftCreate", rateLimited(""), ok(map[string]any{"operation_id": "op-1"}))

	cfg := testConfig()
	e := newTestEngine(t, cfg, api, nil)
	tk := newBookingTask(t, e)
	ctx := context.Background()

	e.Advance(ctx, tk) // waiting_window -> draft_creating
	e.Advance(ctx, tk) // 429
	if tk.Status != task.StatusRateLimited {
		t.Fatalf("status = %s, want rate_limited", tk.Status)
	}
	if tk.DraftAttempts != 0 {
		t.Fatalf("attempts = %d after 429, want 0", tk.DraftAttempts)
	}
	if tk.DraftStrategyIndex != 0 {
		t.Fatalf("strategy index advanced on 429")
	}

	past := time.Now().Add(-time.Second)
	tk.RateLimitResumeTS = &past
	e.Advance(ctx, tk) // resume -> draft_creating
	e.Advance(ctx, tk) // accepted
	if tk.Status != task.StatusPollingDraft || tk.DraftAttempts != 1 {
		t.Fatalf("status=%s attempts=%d", tk.Status, tk.DraftAttempts)
	}
}

func TestAcquiredIdentifiersSkipRemoteCalls(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(*task.Task)
		want   task.Status
		method string
	}{
		{
			name:   "draft operation survives restart",
			setup:  func(tk *task.Task) { tk.Status = task.StatusDraftCreating; tk.DraftOperationID = "op-1" },
			want:   task.StatusPollingDraft,
			method: "DraftCreate",
		},
		{
			name:   "supply operation survives restart",
			setup:  func(tk *task.Task) { tk.Status = task.StatusSupplyCreating; tk.SupplyOperationID = "op-2" },
			want:   task.StatusPollingSupply,
			method: "SupplyCreate",
		},
		{
			name:   "cargo operation survives restart",
			setup:  func(tk *task.Task) { tk.Status = task.StatusCargoCreating; tk.CargoOperationID = "op-3" },
			want:   task.StatusPollingCargo,
			method: "CargoesCreate",
		},
		{
			name:   "label operation survives restart",
			setup:  func(tk *task.Task) { tk.Status = task.StatusLabelsCreating; tk.LabelOperationID = "op-4" },
			want:   task.StatusPollingLabels,
			method: "LabelsCreate",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := newFakeAPI()
			cfg := testConfig()
			e := newTestEngine(t, cfg, api, nil)
			tk := newBookingTask(t, e)
			tc.setup(tk)

			e.Advance(context.Background(), tk)
			if tk.Status != tc.want {
				t.Fatalf("status = %s, want %s", tk.Status, tc.want)
			}
			if n := api.count(tc.method); n != 0 {
				t.Fatalf("%s called %d times, want 0", tc.method, n)
			}
		})
	}
}

func TestWindowExpiredFailsBeforeOrder(t *testing.T) {
	api := newFakeAPI()
	cfg := testConfig()
	e := newTestEngine(t, cfg, api, nil)
	tk := newBookingTask(t, e)
	tk.WindowFrom = time.Now().Add(-2 * time.Hour)
	tk.WindowTo = time.Now().Add(-time.Hour)

	e.Advance(context.Background(), tk)

	if tk.Status != task.StatusFailed || tk.FailReason != "window_expired" {
		t.Fatalf("status=%s reason=%q", tk.Status, tk.FailReason)
	}
}

func TestWindowExpiryIgnoredAfterOrderExists(t *testing.T) {
	api := newFakeAPI()
	api.on("OrderGet", ok(map[string]any{
		"orders": []any{map[string]any{
			"timeslot": map[string]any{},
			"supplies": []any{map[string]any{"supply_id": float64(5)}},
		}},
	}))
	cfg := testConfig()
	e := newTestEngine(t, cfg, api, nil)
	tk := newBookingTask(t, e)
	tk.WindowTo = time.Now().Add(-time.Hour)
	tk.OrderID = 777
	tk.Status = task.StatusOrderDataFilling

	e.Advance(context.Background(), tk)

	if tk.Status != task.StatusCargoPrep {
		t.Fatalf("status = %s, want cargo_prep", tk.Status)
	}
}

func TestPollBudgets(t *testing.T) {
	t.Run("retry budget", func(t *testing.T) {
		api := newFakeAPI()
		cfg := testConfig()
		e := newTestEngine(t, cfg, api, nil)
		tk := newBookingTask(t, e)
		tk.Status = task.StatusPollingDraft
		tk.DraftOperationID = "op-1"
		now := time.Now().UTC()
		tk.PollStartedAt = &now
		tk.PollAttempts = cfg.Worker.MaxOperationRetries

		e.Advance(context.Background(), tk)
		if tk.FailReason != "operation_retry_budget" {
			t.Fatalf("reason = %q, status %s", tk.FailReason, tk.Status)
		}
		if api.count("DraftCreateInfo") != 0 {
			t.Error("polled past the budget")
		}
	})

	t.Run("wall clock budget", func(t *testing.T) {
		api := newFakeAPI()
		cfg := testConfig()
		e := newTestEngine(t, cfg, api, nil)
		tk := newBookingTask(t, e)
		tk.Status = task.StatusPollingSupply
		tk.SupplyOperationID = "op-2"
		old := time.Now().Add(-cfg.Worker.OperationPollTimeout.Duration() - time.Minute)
		tk.PollStartedAt = &old

		e.Advance(context.Background(), tk)
		if tk.FailReason != "operation_timeout" {
			t.Fatalf("reason = %q, status %s", tk.FailReason, tk.Status)
		}
	})
}

func TestTimeslotSearchWaitsForOffers(t *testing.T) {
	api := newFakeAPI()
	api.on("TimeslotInfo", ok(map[string]any{"timeslots": []any{}}))

	cfg := testConfig()
	e := newTestEngine(t, cfg, api, nil)
	tk := newBookingTask(t, e)
	tk.DraftID = 1
	tk.Status = task.StatusTimeslotSearch

	e.Advance(context.Background(), tk)

	if tk.Status != task.StatusTimeslotSearch {
		t.Fatalf("status = %s, want timeslot_search", tk.Status)
	}
	wait := time.Until(tk.NextAttemptTS)
	if wait < cfg.Worker.SlotPollInterval.Duration()-time.Second {
		t.Errorf("next attempt in %s, want about %s", wait, cfg.Worker.SlotPollInterval.Duration())
	}
}

func TestOrderDataFillingConfirmsTimeslotOnce(t *testing.T) {
	api := newFakeAPI()
	api.on("OrderGet",
		ok(map[string]any{"orders": []any{map[string]any{"supplies": []any{}}}}),
		ok(map[string]any{"orders": []any{map[string]any{
			"supplies": []any{map[string]any{"supply_id": float64(880)}},
		}}}),
	)
	api.on("OrderTimeslotUpdate", ok(nil))

	cfg := testConfig()
	e := newTestEngine(t, cfg, api, nil)
	tk := newBookingTask(t, e)
	tk.OrderID = 777
	tk.Status = task.StatusOrderDataFilling
	from := time.Now().Add(24 * time.Hour).UTC()
	to := from.Add(time.Hour)
	tk.SlotFrom = &from
	tk.SlotTo = &to
	ctx := context.Background()

	e.Advance(ctx, tk)
	if tk.Status != task.StatusOrderDataFilling {
		t.Fatalf("status = %s, want order_data_filling while supply id is missing", tk.Status)
	}
	if !tk.OrderTimeslotSet {
		t.Fatal("order timeslot not confirmed")
	}

	e.Advance(ctx, tk)
	if tk.Status != task.StatusCargoPrep {
		t.Fatalf("status = %s, want cargo_prep", tk.Status)
	}
	if n := api.count("OrderTimeslotUpdate"); n != 1 {
		t.Errorf("OrderTimeslotUpdate called %d times, want 1", n)
	}
}

func TestValidationFailures(t *testing.T) {
	api := newFakeAPI()
	cfg := testConfig()
	e := newTestEngine(t, cfg, api, nil)

	if _, err := e.Submit(BookingRequest{
		WindowFrom: time.Now(), WindowTo: time.Now().Add(time.Hour),
	}); err == nil {
		t.Error("empty items accepted")
	}
	if _, err := e.Submit(BookingRequest{
		Items:      []task.LineItem{{SKU: 1, Quantity: 0}},
		WindowFrom: time.Now(), WindowTo: time.Now().Add(time.Hour),
	}); err == nil {
		t.Error("zero quantity accepted")
	}
	if _, err := e.Submit(BookingRequest{
		Items:      []task.LineItem{{SKU: 1, Quantity: 1}},
		WindowFrom: time.Now().Add(time.Hour), WindowTo: time.Now(),
	}); err == nil {
		t.Error("inverted window accepted")
	}

	// A record that went bad on disk still fails hard, not with a retry.
	tk := newBookingTask(t, e)
	tk.Items[0].Quantity = -3
	e.Advance(context.Background(), tk)
	if tk.Status != task.StatusFailed || tk.FailReason != "validation" {
		t.Errorf("status=%s reason=%q", tk.Status, tk.FailReason)
	}
}

func TestCancelAndRetry(t *testing.T) {
	api := newFakeAPI()
	cfg := testConfig()
	e := newTestEngine(t, cfg, api, nil)
	tk := newBookingTask(t, e)

	got, err := e.Cancel(tk.ID, "operator changed plans")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != task.StatusCanceled {
		t.Fatalf("status = %s, want canceled", got.Status)
	}
	if _, err := e.Cancel(tk.ID, ""); err == nil {
		t.Error("canceling a terminal task succeeded")
	}

	re, err := e.Retry(tk.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if re.Status != task.StatusWaitingWindow {
		t.Fatalf("status = %s, want waiting_window", re.Status)
	}
	if re.DraftOperationID != "" || re.OrderID != 0 || re.DraftAttempts != 0 || re.FailReason != "" {
		t.Error("retry did not clear acquired state")
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	api := newFakeAPI()
	cfg := testConfig()
	e := newTestEngine(t, cfg, api, nil)
	tk := newBookingTask(t, e)
	// SlotFrom nil at timeslot_setting dereferences in the handler.
	tk.Status = task.StatusTimeslotSetting

	e.Advance(context.Background(), tk)

	if tk.Status != task.StatusTimeslotSetting {
		t.Fatalf("status = %s, want unchanged after contained panic", tk.Status)
	}
	if !strings.Contains(tk.LastError, "internal:") {
		t.Errorf("last error = %q, want recorded panic", tk.LastError)
	}
}

func TestRestartContinuesNegotiation(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := testConfig()

	// First process: one candidate rejected for an unrecognized shape.
	api1 := newFakeAPI()
	api1.on("DraftCreate", clientErr(400, "supply type is unknown"))
	e1 := newTestEngineAt(t, cfg, api1, nil, dir)
	tk := newBookingTask(t, e1)

	e1.Advance(ctx, tk) // waiting_window -> draft_creating
	e1.Advance(ctx, tk) // candidate 1 rejected

	if tk.DraftStrategyIndex != 1 {
		t.Fatalf("strategy index = %d, want 1 after one rejection", tk.DraftStrategyIndex)
	}

	// Second process over the same store picks up where the first stopped.
	api2 := newFakeAPI()
	api2.on("DraftCreate", ok(map[string]any{"operation_id": "op-draft-2"}))
	e2 := newTestEngineAt(t, cfg, api2, nil, dir)

	reloaded, err := e2.Store().Get(tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	e2.Advance(ctx, reloaded)

	if reloaded.Status == task.StatusFailed {
		t.Fatalf("restarted task failed: %s (%s)", reloaded.FailReason, reloaded.LastError)
	}
	if reloaded.Status != task.StatusPollingDraft {
		t.Fatalf("status = %s, want polling_draft", reloaded.Status)
	}
	if reloaded.WinningStrategy != reloaded.DraftStrategies[1] {
		t.Errorf("winner = %q, want second candidate %q",
			reloaded.WinningStrategy, reloaded.DraftStrategies[1])
	}
	if n := api2.count("DraftCreate"); n != 1 {
		t.Errorf("DraftCreate called %d times after restart, want 1", n)
	}
}

func TestRestartResumesPipelineWithoutDuplicateCreates(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := testConfig()

	// First process runs until the supply operation is submitted.
	api1 := newFakeAPI()
	api1.on("DraftCreate", ok(map[string]any{"operation_id": "op-draft-1"}))
	api1.on("DraftCreateInfo", ok(map[string]any{
		"status":   "CALCULATION_STATUS_SUCCESS",
		"draft_id": float64(900155),
		"clusters": []any{
			map[string]any{"warehouses": []any{
				map[string]any{"supply_warehouse": map[string]any{
					"warehouse_id": float64(22), "name": "Хоругвино",
				}},
			}},
		},
	}))
	from := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Hour)
	api1.on("TimeslotInfo", ok(map[string]any{
		"timeslots": []any{
			map[string]any{
				"from_in_timezone": from.Format(time.RFC3339),
				"to_in_timezone":   from.Add(time.Hour).Format(time.RFC3339),
			},
		},
	}))
	api1.on("DraftTimeslotSet", ok(nil))
	api1.on("SupplyCreate", ok(map[string]any{"operation_id": "op-supply-1"}))

	e1 := newTestEngineAt(t, cfg, api1, nil, dir)
	tk := newBookingTask(t, e1)
	for i := 0; i < 20 && tk.Status != task.StatusPollingSupply; i++ {
		e1.Advance(ctx, tk)
	}
	if tk.Status != task.StatusPollingSupply {
		t.Fatalf("setup stuck at %s, want polling_supply", tk.Status)
	}

	// Second process finishes the pipeline from the reloaded record.
	api2 := newFakeAPI()
	api2.on("SupplyCreateStatus", ok(map[string]any{
		"status": "SUCCESS", "result": map[string]any{"order_ids": []any{float64(777002)}},
	}))
	api2.on("OrderGet", ok(map[string]any{
		"orders": []any{map[string]any{
			"supply_order_id": float64(777002),
			"timeslot":        map[string]any{"from": "x"},
			"supplies":        []any{map[string]any{"supply_id": float64(880002)}},
		}},
	}))
	api2.on("CargoesCreate", ok(map[string]any{"operation_id": "op-cargo-1"}))
	api2.on("CargoesCreateInfo", ok(map[string]any{
		"status": "SUCCESS", "cargoes": []any{map[string]any{"cargo_id": float64(41)}},
	}))
	api2.on("LabelsCreate", ok(map[string]any{"operation_id": "op-label-1"}))
	api2.on("LabelsGet", ok(map[string]any{"status": "SUCCESS", "file_guid": "guid-10"}))
	api2.on("LabelFile", ok(nil))

	e2 := newTestEngineAt(t, cfg, api2, nil, dir)
	reloaded, err := e2.Store().Get(tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	drive(t, e2, reloaded, 40)

	if reloaded.Status != task.StatusDone {
		t.Fatalf("status = %s (%s), want done", reloaded.Status, reloaded.LastError)
	}
	if reloaded.OrderID != 777002 || reloaded.SupplyID != 880002 {
		t.Errorf("order/supply = %d/%d", reloaded.OrderID, reloaded.SupplyID)
	}
	if reloaded.LabelFilePath == "" {
		t.Error("label file path not recorded")
	}

	// The creation calls belong to the first process alone.
	for _, method := range []string{"DraftCreate", "SupplyCreate"} {
		if n := api1.count(method); n != 1 {
			t.Errorf("%s called %d times before restart, want 1", method, n)
		}
		if n := api2.count(method); n != 0 {
			t.Errorf("%s called %d times after restart, want 0", method, n)
		}
	}
}
