package processing

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"price_sync/internal/marketplace"
	"price_sync/internal/notifications"
	"price_sync/internal/pricing"
	"price_sync/internal/sheets"
	"price_sync/internal/store"
	"price_sync/internal/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testColumns = pricing.Bindings{
	ID:             "id",
	ProductID:      "product_id",
	NewPrice:       "t_price",
	ReferencePrice: "old_price",
	Remark:         "prim",
}

type fakeSource struct {
	mu       sync.Mutex
	tables   map[string]*pricing.Table
	errs     map[string]error
	writeErr error
	written  map[string]*pricing.Table
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		tables:  map[string]*pricing.Table{},
		errs:    map[string]error{},
		written: map[string]*pricing.Table{},
	}
}

func (f *fakeSource) Fetch(ctx context.Context, readRange string) (*pricing.Table, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[readRange]; err != nil {
		return nil, err
	}
	t, ok := f.tables[readRange]
	if !ok {
		return nil, sheets.ErrNoData
	}
	return t.Clone(), nil
}

func (f *fakeSource) WriteRows(ctx context.Context, writeRange string, table *pricing.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written[writeRange] = table
	return nil
}

type fakePublisher struct {
	mu      sync.Mutex
	name    string
	err     error
	updates []marketplace.PriceUpdate
	creds   []marketplace.Credentials
}

func (p *fakePublisher) Name() string { return p.name }

func (p *fakePublisher) Publish(ctx context.Context, updates []marketplace.PriceUpdate, creds marketplace.Credentials, debug bool) (*marketplace.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, updates...)
	p.creds = append(p.creds, creds)
	if p.err != nil {
		return &marketplace.Result{Failed: []marketplace.Failure{{Key: updates[0].Key(), Reason: p.err.Error()}}}, p.err
	}
	return &marketplace.Result{Sent: len(updates)}, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	review   map[string][]notifications.ReviewItem
	failures []string
}

func (n *fakeNotifier) NotifyReview(ctx context.Context, mp, rangeName string, items []notifications.ReviewItem) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.review == nil {
		n.review = map[string][]notifications.ReviewItem{}
	}
	n.review[mp+"/"+rangeName] = items
}

func (n *fakeNotifier) NotifyPublishFailure(ctx context.Context, mp, rangeName string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, mp+"/"+rangeName)
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "prices.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func scenarioTable() *pricing.Table {
	return &pricing.Table{
		Columns: []string{"id", "product_id", "offer_id", "old_price", "t_price", "prim"},
		Rows: []pricing.Row{
			{"id": "caption", "product_id": "Product", "offer_id": "Offer", "old_price": "Old", "t_price": "New", "prim": "Remark"},
			{"id": "1", "product_id": "X", "offer_id": "OF-1", "old_price": "100", "t_price": "140", "prim": ""},
			{"id": "2", "product_id": "Y", "offer_id": "OF-2", "old_price": "100", "t_price": "40", "prim": ""},
			{"id": "3", "product_id": "Z", "offer_id": "OF-3", "old_price": "0", "t_price": "500", "prim": ""},
			{"id": "4", "product_id": "W", "offer_id": "OF-4", "old_price": "100", "t_price": "not_a_number", "prim": ""},
		},
	}
}

func testTarget(p marketplace.Publisher, ranges ...Range) Target {
	return Target{
		Marketplace: Marketplace{
			Name:    p.Name(),
			Kind:    p.Name(),
			Enabled: true,
			Columns: testColumns,
			Ranges:  ranges,
		},
		Publisher: p,
	}
}

type logRow struct {
	ID      string
	Remark  string
	Applied bool
	OldNull bool
}

func readLog(t *testing.T, s *store.Store) []logRow {
	t.Helper()
	rows, err := s.DB().Query(`SELECT id, remark, change_applied, old_price IS NULL FROM price_log ORDER BY rowid`)
	require.NoError(t, err)
	defer rows.Close()
	var out []logRow
	for rows.Next() {
		var r logRow
		require.NoError(t, rows.Scan(&r.ID, &r.Remark, &r.Applied, &r.OldNull))
		out = append(out, r)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestProcessRangeEndToEnd(t *testing.T) {
	src := newFakeSource()
	src.tables["Ozon!A1:F"] = scenarioTable()
	db := openStore(t)
	pub := &fakePublisher{name: "ozon"}
	notifier := &fakeNotifier{}
	metrics := telemetry.New()

	r := &Runner{
		Source:   src,
		Store:    db,
		Notifier: notifier,
		Metrics:  metrics,
		LogTable: "price_log",
		SkipRows: 1,
		Now:      func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local) },
	}
	rg := Range{
		Name:        "ozon1",
		Read:        "Ozon!A1:F",
		Write:       "Ozon!A3:F",
		Table:       "product_data_ozon1",
		Credentials: marketplace.Credentials{ClientID: "1", APIKey: "k"},
	}

	rep := r.ProcessRange(context.Background(), testTarget(pub, rg), rg)
	require.Empty(t, rep.FailedStage, "unexpected failure: %v", rep.Err)
	assert.Equal(t, 4, rep.Snapshot.Inserted)
	assert.Equal(t, 2, rep.Accepted)
	assert.Equal(t, 2, rep.Review)
	assert.Equal(t, 1, rep.Outcomes[pricing.OutcomePriceUpdated])
	assert.Equal(t, 1, rep.Outcomes[pricing.OutcomeOutlierRejected])
	assert.Equal(t, 1, rep.Outcomes[pricing.OutcomeZeroBootstrap])
	assert.Equal(t, 1, rep.Outcomes[pricing.OutcomeMalformed])

	written := src.written["Ozon!A3:F"]
	require.NotNil(t, written)
	require.Len(t, written.Rows, 4)
	assert.Equal(t, "140", written.Rows[0]["old_price"])
	assert.Contains(t, written.Rows[0]["prim"], "100")
	assert.Contains(t, written.Rows[0]["prim"], "140")
	assert.Equal(t, "100", written.Rows[1]["old_price"])
	assert.Contains(t, written.Rows[1]["prim"], ">50%")
	assert.Equal(t, "500", written.Rows[2]["old_price"])
	assert.Equal(t, "data format error", written.Rows[3]["prim"])

	require.Len(t, pub.updates, 2)
	assert.Equal(t, "OF-1", pub.updates[0].OfferID)
	assert.Equal(t, "140", pub.updates[0].Price.String())
	assert.Equal(t, "OF-3", pub.updates[1].OfferID)
	assert.Equal(t, "500", pub.updates[1].Price.String())
	assert.Equal(t, rg.Credentials, pub.creds[0])
	assert.Equal(t, 2, rep.Published.Sent)

	log := readLog(t, db)
	require.Len(t, log, 4)
	assert.Equal(t, logRow{ID: "1", Remark: "price changed from 100 to 140", Applied: true}, log[0])
	assert.Equal(t, "2", log[1].ID)
	assert.False(t, log[1].Applied)
	assert.Equal(t, logRow{ID: "3", Remark: "old price was 0, updated to 500", Applied: true}, log[2])
	assert.Equal(t, logRow{ID: "4", Remark: "data format error", OldNull: true}, log[3])

	review := notifier.review["ozon/ozon1"]
	require.Len(t, review, 2)
	assert.Equal(t, "Y", review[0].ProductID)
	assert.Equal(t, "W", review[1].ProductID)
	assert.Empty(t, notifier.failures)
}

func TestProcessRangeIdempotent(t *testing.T) {
	src := newFakeSource()
	src.tables["R"] = scenarioTable()
	db := openStore(t)
	pub := &fakePublisher{name: "ozon"}
	r := &Runner{Source: src, Store: db, LogTable: "price_log", SkipRows: 1}
	rg := Range{Name: "r", Read: "R", Write: "W", Table: "snap"}
	target := testTarget(pub, rg)

	r.ProcessRange(context.Background(), target, rg)
	require.Len(t, pub.updates, 2)

	// Feed the corrected rows back in as the next fetch.
	next := src.written["W"].Clone()
	next.Rows = append([]pricing.Row{{"id": "caption"}}, next.Rows...)
	src.tables["R"] = next

	rep := r.ProcessRange(context.Background(), target, rg)
	assert.Zero(t, rep.Accepted)
	assert.Len(t, pub.updates, 2, "second pass must not publish")
	assert.Equal(t, 4, rep.Snapshot.Updated, "corrected prices and remarks differ from the first snapshot")
	assert.Zero(t, rep.Snapshot.Inserted)
	assert.Zero(t, rep.Snapshot.Deleted)
}

func TestProcessRangeNoData(t *testing.T) {
	src := newFakeSource()
	pub := &fakePublisher{name: "wildberries"}
	r := &Runner{Source: src, Store: openStore(t), LogTable: "price_log"}
	rg := Range{Name: "wb1", Read: "missing", Write: "w", Table: "t"}

	rep := r.ProcessRange(context.Background(), testTarget(pub, rg), rg)
	assert.Equal(t, StageFetch, rep.FailedStage)
	assert.ErrorIs(t, rep.Err, sheets.ErrNoData)
	assert.Empty(t, src.written)
	assert.Empty(t, pub.updates)
}

func TestProcessRangeUnboundColumn(t *testing.T) {
	src := newFakeSource()
	src.tables["R"] = &pricing.Table{
		Columns: []string{"id", "product_id", "t_price", "prim"},
		Rows:    []pricing.Row{{"id": "1", "product_id": "X", "t_price": "1", "prim": ""}},
	}
	pub := &fakePublisher{name: "ozon"}
	r := &Runner{Source: src, Store: openStore(t), LogTable: "price_log"}
	rg := Range{Name: "r", Read: "R", Write: "W", Table: "snap"}

	rep := r.ProcessRange(context.Background(), testTarget(pub, rg), rg)
	assert.Equal(t, StageBindings, rep.FailedStage)
	assert.ErrorIs(t, rep.Err, pricing.ErrUnboundColumn)
	assert.Equal(t, 1, rep.Snapshot.Inserted, "snapshot sync runs before bindings are checked")
	assert.Empty(t, src.written)
}

func TestProcessRangeWriteFailureSkipsPublish(t *testing.T) {
	src := newFakeSource()
	src.tables["R"] = scenarioTable()
	src.writeErr = errors.New("quota exceeded")
	db := openStore(t)
	pub := &fakePublisher{name: "ozon"}
	r := &Runner{Source: src, Store: db, LogTable: "price_log", SkipRows: 1}
	rg := Range{Name: "r", Read: "R", Write: "W", Table: "snap"}

	rep := r.ProcessRange(context.Background(), testTarget(pub, rg), rg)
	assert.Equal(t, StageWrite, rep.FailedStage)
	assert.Empty(t, pub.updates)
	assert.Len(t, readLog(t, db), 4, "decisions are logged before write-back")
}

func TestProcessRangePublishFailure(t *testing.T) {
	src := newFakeSource()
	src.tables["R"] = scenarioTable()
	pub := &fakePublisher{name: "megamarket", err: errors.New("token expired")}
	notifier := &fakeNotifier{}
	metrics := telemetry.New()
	r := &Runner{Source: src, Store: openStore(t), Notifier: notifier, Metrics: metrics, LogTable: "price_log", SkipRows: 1}
	rg := Range{Name: "mm1", Read: "R", Write: "W", Table: "snap"}

	rep := r.ProcessRange(context.Background(), testTarget(pub, rg), rg)
	assert.Equal(t, StagePublish, rep.FailedStage)
	assert.EqualError(t, rep.Err, "token expired")
	assert.Equal(t, []string{"megamarket/mm1"}, notifier.failures)
	assert.NotNil(t, src.written["W"], "write-back happens before publishing")
}

type failingStore struct {
	Store
	syncErr error
	logErr  error
}

func (f failingStore) SyncSnapshot(ctx context.Context, name string, table *pricing.Table, pk []string) (store.SyncStats, error) {
	if f.syncErr != nil {
		return store.SyncStats{}, f.syncErr
	}
	return f.Store.SyncSnapshot(ctx, name, table, pk)
}

func (f failingStore) AppendChangeLog(ctx context.Context, logTable string, entries []pricing.Entry) error {
	if f.logErr != nil {
		return f.logErr
	}
	return f.Store.AppendChangeLog(ctx, logTable, entries)
}

func TestProcessRangeStoreFailuresDoNotStopRange(t *testing.T) {
	src := newFakeSource()
	src.tables["R"] = scenarioTable()
	pub := &fakePublisher{name: "ozon"}
	st := failingStore{Store: openStore(t), syncErr: errors.New("disk full"), logErr: errors.New("locked")}
	r := &Runner{Source: src, Store: st, LogTable: "price_log", SkipRows: 1}
	rg := Range{Name: "r", Read: "R", Write: "W", Table: "snap"}

	rep := r.ProcessRange(context.Background(), testTarget(pub, rg), rg)
	assert.Equal(t, StageSnapshot, rep.FailedStage)
	assert.NotNil(t, src.written["W"])
	assert.Len(t, pub.updates, 2)
}

func TestRunCycleIsolatesFailures(t *testing.T) {
	src := newFakeSource()
	src.tables["Ozon1"] = scenarioTable()
	src.tables["Ozon2"] = scenarioTable()
	src.errs["WB1"] = errors.New("503 backend error")
	src.tables["WB2"] = scenarioTable()
	db := openStore(t)

	ozon := &fakePublisher{name: "ozon"}
	wb := &fakePublisher{name: "wildberries"}
	r := &Runner{Source: src, Store: db, LogTable: "price_log", SkipRows: 1, Metrics: telemetry.New()}
	targets := []Target{
		testTarget(ozon,
			Range{Name: "ozon1", Read: "Ozon1", Write: "Ozon1w", Table: "product_data_ozon1"},
			Range{Name: "ozon2", Read: "Ozon2", Write: "Ozon2w", Table: "product_data_ozon2"}),
		testTarget(wb,
			Range{Name: "wb1", Read: "WB1", Write: "WB1w", Table: "product_data_wb1"},
			Range{Name: "wb2", Read: "WB2", Write: "WB2w", Table: "product_data_wb2"}),
	}

	reports := r.RunCycle(context.Background(), targets)
	require.Len(t, reports, 4)
	assert.Equal(t, "ozon1", reports[0].Range)
	assert.Equal(t, "ozon2", reports[1].Range)
	assert.Equal(t, "wb1", reports[2].Range)
	assert.Equal(t, StageFetch, reports[2].FailedStage)
	assert.Equal(t, "wb2", reports[3].Range)
	assert.Empty(t, reports[3].FailedStage)

	assert.Len(t, ozon.updates, 4)
	assert.Len(t, wb.updates, 2)
	assert.Len(t, readLog(t, db), 12)
}

type panickingPublisher struct{ name string }

func (p panickingPublisher) Name() string { return p.name }

func (p panickingPublisher) Publish(ctx context.Context, updates []marketplace.PriceUpdate, creds marketplace.Credentials, debug bool) (*marketplace.Result, error) {
	panic("nil map in payload builder")
}

func TestRunCycleRecoversPanickingMarketplace(t *testing.T) {
	src := newFakeSource()
	src.tables["Ozon1"] = scenarioTable()
	src.tables["MM1"] = scenarioTable()
	src.tables["MM2"] = scenarioTable()
	metrics := telemetry.New()
	ozon := &fakePublisher{name: "ozon"}
	r := &Runner{Source: src, Store: openStore(t), LogTable: "price_log", SkipRows: 1, Metrics: metrics}
	targets := []Target{
		testTarget(ozon, Range{Name: "ozon1", Read: "Ozon1", Write: "Ozon1w", Table: "product_data_ozon1"}),
		testTarget(panickingPublisher{name: "megamarket"},
			Range{Name: "mm1", Read: "MM1", Write: "MM1w", Table: "product_data_mm1"},
			Range{Name: "mm2", Read: "MM2", Write: "MM2w", Table: "product_data_mm2"}),
	}

	var reports []RangeReport
	require.NotPanics(t, func() { reports = r.RunCycle(context.Background(), targets) })
	require.Len(t, reports, 2)
	assert.Equal(t, "ozon1", reports[0].Range)
	assert.Empty(t, reports[0].FailedStage)
	assert.Len(t, ozon.updates, 2)

	assert.Equal(t, "megamarket", reports[1].Marketplace)
	assert.Equal(t, "mm1", reports[1].Range)
	assert.Equal(t, StagePanic, reports[1].FailedStage)
	require.Error(t, reports[1].Err)
	assert.Contains(t, reports[1].Err.Error(), "nil map in payload builder")
	assert.Contains(t, src.written, "MM1w")
	assert.NotContains(t, src.written, "MM2w")

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `price_sync_stage_failures_total{marketplace="megamarket",stage="panic"} 1`)
}

func TestRunCycleCancelled(t *testing.T) {
	src := newFakeSource()
	src.tables["R"] = scenarioTable()
	pub := &fakePublisher{name: "ozon"}
	r := &Runner{Source: src, Store: openStore(t), LogTable: "price_log", SkipRows: 1}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reports := r.RunCycle(ctx, []Target{testTarget(pub, Range{Name: "r", Read: "R", Write: "W", Table: "t"})})
	assert.Empty(t, reports)
	assert.Empty(t, pub.updates)
}

func TestDropLeadingRows(t *testing.T) {
	in := &pricing.Table{Columns: []string{"a"}, Rows: []pricing.Row{{"a": "1"}, {"a": "2"}}}

	assert.Same(t, in, dropLeadingRows(in, 0))
	assert.Equal(t, []pricing.Row{{"a": "2"}}, dropLeadingRows(in, 1).Rows)
	assert.Empty(t, dropLeadingRows(in, 5).Rows)
	assert.Len(t, in.Rows, 2)
}
