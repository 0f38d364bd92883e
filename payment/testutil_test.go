package payment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/gateway"
	"escrowflow/listing"
)

type auditEntry struct {
	PaymentID string
	Action    string
	ActorID   string
	Detail    map[string]any
}

type fakeStore struct {
	mu      sync.Mutex
	records map[string]*Record
	events  map[string]bool
	audits  []auditEntry
}

func newFakeStore(records ...Record) *fakeStore {
	s := &fakeStore{
		records: make(map[string]*Record),
		events:  make(map[string]bool),
	}
	for i := range records {
		rec := records[i]
		if rec.Kind == "" {
			rec.Kind = KindPayment
		}
		s.records[key(rec.Kind, rec.ID)] = &rec
	}
	return s
}

func key(kind TargetKind, id string) string {
	return string(kind) + "/" + id
}

func (s *fakeStore) find(kind TargetKind, id string) (*Record, error) {
	rec, ok := s.records[key(kind, id)]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *fakeStore) findByIntentRef(intentRef string) (*Record, error) {
	for _, rec := range s.records {
		if rec.IntentRef != nil && *rec.IntentRef == intentRef {
			return rec, nil
		}
	}
	return nil, ErrNotFound
}

func (s *fakeStore) Find(_ context.Context, kind TargetKind, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.find(kind, id)
	if err != nil {
		return Record{}, err
	}
	return *rec, nil
}

func (s *fakeStore) FindByIntentRef(_ context.Context, intentRef string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.findByIntentRef(intentRef)
	if err != nil {
		return Record{}, err
	}
	return *rec, nil
}

func (s *fakeStore) GetForUpdate(_ context.Context, _ pgx.Tx, kind TargetKind, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.find(kind, id)
	if err != nil {
		return Record{}, err
	}
	return *rec, nil
}

func (s *fakeStore) GetByIntentRefForUpdate(_ context.Context, _ pgx.Tx, intentRef string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.findByIntentRef(intentRef)
	if err != nil {
		return Record{}, err
	}
	return *rec, nil
}

func (s *fakeStore) InsertPayment(_ context.Context, _ pgx.Tx, rec Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Kind = KindPayment
	rec.Status = StatusRequiresCapture
	rec.CreatedAt = time.Now().UTC()
	s.records[key(rec.Kind, rec.ID)] = &rec
	return rec, nil
}

func (s *fakeStore) InsertMilestone(_ context.Context, _ pgx.Tx, rec Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Kind = KindMilestone
	rec.Status = StatusPending
	rec.CreatedAt = time.Now().UTC()
	s.records[key(rec.Kind, rec.ID)] = &rec
	return rec, nil
}

func (s *fakeStore) FundMilestone(_ context.Context, _ pgx.Tx, id, intentRef string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.find(KindMilestone, id)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != StatusPending {
		return Record{}, ErrStateConflict
	}
	for _, other := range s.records {
		if other.Kind == KindMilestone && other.ListingID == rec.ListingID && other.Status == StatusRequiresCapture {
			return Record{}, ErrMilestoneInFlight
		}
	}
	rec.Status = StatusRequiresCapture
	rec.IntentRef = &intentRef
	return *rec, nil
}

func (s *fakeStore) SetConfirmed(_ context.Context, _ pgx.Tx, kind TargetKind, id string, role PartyRole) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.find(kind, id)
	if err != nil {
		return Record{}, err
	}
	if role == PartySeller {
		rec.SellerConfirmed = true
	} else {
		rec.BuyerConfirmed = true
	}
	return *rec, nil
}

func (s *fakeStore) MarkCompleted(_ context.Context, _ pgx.Tx, kind TargetKind, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.find(kind, id)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != StatusRequiresCapture {
		return Record{}, ErrStateConflict
	}
	rec.Status = StatusCompleted
	now := time.Now().UTC()
	rec.CompletedAt = &now
	return *rec, nil
}

func (s *fakeStore) MarkFailed(_ context.Context, _ pgx.Tx, kind TargetKind, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.find(kind, id)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != StatusRequiresCapture {
		return Record{}, ErrStateConflict
	}
	rec.Status = StatusFailed
	now := time.Now().UTC()
	rec.FailedAt = &now
	return *rec, nil
}

func (s *fakeStore) InsertProcessorEvent(_ context.Context, _ pgx.Tx, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events[eventID] {
		return ErrDuplicateEvent
	}
	s.events[eventID] = true
	return nil
}

func (s *fakeStore) AppendAudit(_ context.Context, _ pgx.Tx, paymentID, action string, actorID *string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := auditEntry{PaymentID: paymentID, Action: action, Detail: detail}
	if actorID != nil {
		entry.ActorID = *actorID
	}
	s.audits = append(s.audits, entry)
	return nil
}

func (s *fakeStore) auditActions(paymentID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.audits))
	for _, a := range s.audits {
		if a.PaymentID == paymentID {
			out = append(out, a.Action)
		}
	}
	return out
}

type fakeGateway struct {
	mu           sync.Mutex
	captures     int
	captureKeys  map[string]int
	refunds      int
	createdRefs  []string
	latency      time.Duration
	captureErr   error
	refundErr    error
	createErr    error
	intentStatus gateway.IntentStatus
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		captureKeys:  make(map[string]int),
		intentStatus: gateway.IntentSucceeded,
	}
}

func (g *fakeGateway) CreateIntent(_ context.Context, params gateway.CreateIntentParams) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return "", g.createErr
	}
	ref := "pi_test_" + time.Now().Format("150405.000000000")
	g.createdRefs = append(g.createdRefs, ref)
	return ref, nil
}

func (g *fakeGateway) Capture(_ context.Context, intentRef, idempotencyKey string) (gateway.IntentStatus, error) {
	if g.latency > 0 {
		time.Sleep(g.latency)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.captureErr != nil {
		return "", g.captureErr
	}
	g.captures++
	g.captureKeys[idempotencyKey]++
	return g.intentStatus, nil
}

func (g *fakeGateway) Refund(_ context.Context, intentRef string) (gateway.IntentStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundErr != nil {
		return "", g.refundErr
	}
	g.refunds++
	return gateway.IntentCanceled, nil
}

func (g *fakeGateway) captureCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.captures
}

func (g *fakeGateway) uniqueCaptureKeys() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.captureKeys)
}

type fakeListings struct {
	listings map[string]listing.Listing
}

func (f *fakeListings) GetByID(_ context.Context, id string) (listing.Listing, error) {
	l, ok := f.listings[id]
	if !ok {
		return listing.Listing{}, listing.ErrNotFound
	}
	return l, nil
}

type sentNotification struct {
	UserIDs []string
	Type    string
	Payload map[string]any
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (f *fakeNotifier) NotifyAll(_ context.Context, userIDs []string, typ string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentNotification{UserIDs: userIDs, Type: typ, Payload: payload})
}

type fakePool struct {
	mu  sync.Mutex
	txs []*fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
