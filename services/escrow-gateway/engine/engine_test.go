package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"booklink/native/escrow"
	"booklink/services/escrow-gateway/identity"
	"booklink/services/escrow-gateway/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type recordedEvent struct {
	Recipient uuid.UUID
	Type      string
	Attrs     map[string]string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (n *recordingNotifier) Notify(recipient uuid.UUID, eventType string, attrs map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedEvent{Recipient: recipient, Type: eventType, Attrs: attrs})
}

func (n *recordingNotifier) byType(eventType string) []recordedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []recordedEvent
	for _, ev := range n.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type stubIdentity struct {
	admins   map[uuid.UUID]bool
	contacts map[uuid.UUID]identity.ContactInfo
}

func (s *stubIdentity) Contact(ctx context.Context, userID uuid.UUID) (*identity.ContactInfo, error) {
	if info, ok := s.contacts[userID]; ok {
		return &info, nil
	}
	return &identity.ContactInfo{Email: userID.String() + "@example.com"}, nil
}

func (s *stubIdentity) IsAdministrator(ctx context.Context, userID uuid.UUID) (bool, error) {
	return s.admins[userID], nil
}

type fixture struct {
	engine   *Engine
	db       *gorm.DB
	notifier *recordingNotifier
	identity *stubIdentity
	buyer    uuid.UUID
	seller   uuid.UUID
	admin    uuid.UUID
	book     models.Book
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := openTestDB(t)
	notifier := &recordingNotifier{}
	buyer, seller, admin := uuid.New(), uuid.New(), uuid.New()
	idStore := &stubIdentity{
		admins: map[uuid.UUID]bool{admin: true},
		contacts: map[uuid.UUID]identity.ContactInfo{
			buyer:  {Email: "buyer@example.com", Phone: "555-0101"},
			seller: {Email: "seller@example.com", Address: "12 Shelf Lane"},
		},
	}
	eng, err := New(db, Options{
		Identity: idStore,
		Notifier: notifier,
		Now:      time.Now,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	book := models.Book{
		ID:        uuid.New(),
		OwnerID:   seller,
		Title:     "The Go Programming Language",
		Author:    "Donovan & Kernighan",
		Price:     100,
		Available: true,
	}
	if err := db.Create(&book).Error; err != nil {
		t.Fatalf("seed book: %v", err)
	}
	return &fixture{
		engine:   eng,
		db:       db,
		notifier: notifier,
		identity: idStore,
		buyer:    buyer,
		seller:   seller,
		admin:    admin,
		book:     book,
	}
}

func (f *fixture) mustRequest(t *testing.T) *models.Transaction {
	t.Helper()
	record, err := f.engine.Request(context.Background(), f.buyer, f.book.ID)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return record
}

func (f *fixture) mustAccept(t *testing.T, id uuid.UUID) *models.Transaction {
	t.Helper()
	record, err := f.engine.SetStatus(context.Background(), id, f.seller, escrow.StatusAccepted)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return record
}

func (f *fixture) reloadBook(t *testing.T) models.Book {
	t.Helper()
	var book models.Book
	if err := f.db.First(&book, "id = ?", f.book.ID).Error; err != nil {
		t.Fatalf("reload book: %v", err)
	}
	return book
}

func TestRequestCreatesPendingTransaction(t *testing.T) {
	f := newFixture(t)
	record := f.mustRequest(t)

	if record.Status != escrow.StatusPending {
		t.Fatalf("expected pending, got %s", record.Status)
	}
	if record.Price != 100 {
		t.Fatalf("expected price snapshot 100, got %v", record.Price)
	}
	if record.CommissionRate != 0.08 {
		t.Fatalf("expected default rate 0.08, got %v", record.CommissionRate)
	}
	if record.CommissionAmount != 8 {
		t.Fatalf("expected commission 8, got %v", record.CommissionAmount)
	}
	if book := f.reloadBook(t); book.Available {
		t.Fatalf("expected listing claimed")
	}
	created := f.notifier.byType(escrow.EventTypeRequestCreated)
	if len(created) != 1 || created[0].Recipient != f.seller {
		t.Fatalf("expected one request_created notification to seller, got %v", created)
	}
}

func TestRequestOwnListing(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Request(context.Background(), f.seller, f.book.ID)
	if err != escrow.ErrInvalidOwner {
		t.Fatalf("expected ErrInvalidOwner, got %v", err)
	}
	var count int64
	f.db.Model(&models.Transaction{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected no transaction created")
	}
	if book := f.reloadBook(t); !book.Available {
		t.Fatalf("listing should stay available")
	}
}

func TestRequestMissingListing(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Request(context.Background(), f.buyer, uuid.New())
	if err != escrow.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRequestUnavailableListing(t *testing.T) {
	f := newFixture(t)
	f.mustRequest(t)
	_, err := f.engine.Request(context.Background(), uuid.New(), f.book.ID)
	if err != escrow.ErrUnavailable {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	var count int64
	f.db.Model(&models.Transaction{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected exactly one transaction, got %d", count)
	}
}

func TestRequestDuplicateBuyer(t *testing.T) {
	f := newFixture(t)
	f.mustRequest(t)
	_, err := f.engine.Request(context.Background(), f.buyer, f.book.ID)
	if err != escrow.ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestAcceptPromotesToCommissionPending(t *testing.T) {
	f := newFixture(t)
	record := f.mustRequest(t)
	updated := f.mustAccept(t, record.ID)

	if updated.Status != escrow.StatusCommissionPending {
		t.Fatalf("expected commission_pending, got %s", updated.Status)
	}
	var stored models.Transaction
	if err := f.db.First(&stored, "id = ?", record.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Status != escrow.StatusCommissionPending {
		t.Fatalf("accepted must never rest in storage, got %s", stored.Status)
	}
	requested := f.notifier.byType(escrow.EventTypeCommissionRequested)
	if len(requested) != 2 {
		t.Fatalf("expected commission requests to both parties, got %d", len(requested))
	}
}

func TestRejectRestoresListing(t *testing.T) {
	f := newFixture(t)
	record := f.mustRequest(t)
	updated, err := f.engine.SetStatus(context.Background(), record.ID, f.seller, escrow.StatusRejected)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if updated.Status != escrow.StatusRejected {
		t.Fatalf("expected rejected, got %s", updated.Status)
	}
	if book := f.reloadBook(t); !book.Available {
		t.Fatalf("expected listing restored")
	}
	rejected := f.notifier.byType(escrow.EventTypeRequestRejected)
	if len(rejected) != 1 || rejected[0].Recipient != f.buyer {
		t.Fatalf("expected rejection notification to buyer")
	}
}

func TestSetStatusForbiddenForNonSeller(t *testing.T) {
	f := newFixture(t)
	record := f.mustRequest(t)
	if _, err := f.engine.SetStatus(context.Background(), record.ID, f.buyer, escrow.StatusAccepted); err != escrow.ErrForbidden {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestSetStatusRejectsUnreachableStates(t *testing.T) {
	f := newFixture(t)
	record := f.mustRequest(t)

	if _, err := f.engine.SetStatus(context.Background(), record.ID, f.seller, escrow.StatusCompleted); err != escrow.ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition for completed, got %v", err)
	}

	f.mustAccept(t, record.ID)
	if _, err := f.engine.SetStatus(context.Background(), record.ID, f.seller, escrow.StatusRejected); err != escrow.ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition after acceptance, got %v", err)
	}
}

func TestRecordCommissionPaymentLifecycle(t *testing.T) {
	f := newFixture(t)
	record := f.mustRequest(t)
	f.mustAccept(t, record.ID)

	updated, bothPaid, err := f.engine.RecordCommissionPayment(context.Background(), record.ID, f.buyer, "pay_b1")
	if err != nil {
		t.Fatalf("buyer payment: %v", err)
	}
	if bothPaid {
		t.Fatalf("one payment must not report both paid")
	}
	if !updated.BuyerCommissionPaid || updated.BuyerPaymentID != "pay_b1" || updated.BuyerCommissionPaidAt == nil {
		t.Fatalf("buyer payment fields not recorded: %+v", updated)
	}
	if updated.Status != escrow.StatusCommissionPending {
		t.Fatalf("status must stay commission_pending, got %s", updated.Status)
	}

	updated, bothPaid, err = f.engine.RecordCommissionPayment(context.Background(), record.ID, f.seller, "pay_s1")
	if err != nil {
		t.Fatalf("seller payment: %v", err)
	}
	if !bothPaid {
		t.Fatalf("expected bothPaid after second payment")
	}
	if updated.Status != escrow.StatusCommissionPaid {
		t.Fatalf("expected auto-advance to commission_paid, got %s", updated.Status)
	}
	if updated.SellerPaymentID != "pay_s1" {
		t.Fatalf("seller payment id not recorded")
	}
	confirmed := f.notifier.byType(escrow.EventTypeCommissionConfirmed)
	if len(confirmed) != 2 {
		t.Fatalf("expected two confirmation notifications, got %d", len(confirmed))
	}
}

func TestRecordCommissionPaymentIdempotentRejection(t *testing.T) {
	f := newFixture(t)
	record := f.mustRequest(t)
	f.mustAccept(t, record.ID)

	if _, _, err := f.engine.RecordCommissionPayment(context.Background(), record.ID, f.buyer, "pay_b1"); err != nil {
		t.Fatalf("first payment: %v", err)
	}
	_, _, err := f.engine.RecordCommissionPayment(context.Background(), record.ID, f.buyer, "pay_b2")
	if err != escrow.ErrAlreadyPaid {
		t.Fatalf("expected ErrAlreadyPaid, got %v", err)
	}
	var stored models.Transaction
	if err := f.db.First(&stored, "id = ?", record.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.BuyerPaymentID != "pay_b1" {
		t.Fatalf("second submission must not alter state, got %s", stored.BuyerPaymentID)
	}
}

func TestRecordCommissionPaymentOutsideCommissionPending(t *testing.T) {
	f := newFixture(t)
	record := f.mustRequest(t)
	_, _, err := f.engine.RecordCommissionPayment(context.Background(), record.ID, f.buyer, "pay_b1")
	if err != escrow.ErrInvalidState {
		t.Fatalf("expected ErrInvalidState on pending transaction, got %v", err)
	}
}

func TestRecordCommissionPaymentForbiddenForStranger(t *testing.T) {
	f := newFixture(t)
	record := f.mustRequest(t)
	f.mustAccept(t, record.ID)
	_, _, err := f.engine.RecordCommissionPayment(context.Background(), record.ID, uuid.New(), "pay_x1")
	if err != escrow.ErrForbidden {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestShareContactInfoCompletesTransaction(t *testing.T) {
	f := newFixture(t)
	record := f.mustRequest(t)
	f.mustAccept(t, record.ID)
	if _, _, err := f.engine.RecordCommissionPayment(context.Background(), record.ID, f.buyer, "pay_b1"); err != nil {
		t.Fatalf("buyer payment: %v", err)
	}
	if _, _, err := f.engine.RecordCommissionPayment(context.Background(), record.ID, f.seller, "pay_s1"); err != nil {
		t.Fatalf("seller payment: %v", err)
	}

	updated, err := f.engine.ShareContactInfo(context.Background(), record.ID, f.admin)
	if err != nil {
		t.Fatalf("share contact info: %v", err)
	}
	if updated.Status != escrow.StatusCompleted {
		t.Fatalf("expected completed, got %s", updated.Status)
	}
	if !updated.ContactInfoShared || updated.ContactInfoSharedAt == nil || updated.ContactInfoSharedBy == nil {
		t.Fatalf("disclosure metadata not recorded: %+v", updated)
	}
	if *updated.ContactInfoSharedBy != f.admin {
		t.Fatalf("expected disclosing admin recorded")
	}

	disclosed := f.notifier.byType(escrow.EventTypeContactDisclosed)
	if len(disclosed) != 2 {
		t.Fatalf("expected two disclosure notifications, got %d", len(disclosed))
	}
	for _, ev := range disclosed {
		switch ev.Recipient {
		case f.seller:
			if ev.Attrs["email"] != "buyer@example.com" {
				t.Fatalf("seller should see buyer contact, got %v", ev.Attrs)
			}
		case f.buyer:
			if ev.Attrs["email"] != "seller@example.com" {
				t.Fatalf("buyer should see seller contact, got %v", ev.Attrs)
			}
		default:
			t.Fatalf("unexpected disclosure recipient %s", ev.Recipient)
		}
	}

	if _, err := f.engine.ShareContactInfo(context.Background(), record.ID, f.admin); err != escrow.ErrAlreadyShared {
		t.Fatalf("expected ErrAlreadyShared on repeat, got %v", err)
	}
}

func TestShareContactInfoRequiresBothPayments(t *testing.T) {
	cases := []struct {
		name                  string
		buyerPaid, sellerPaid bool
	}{
		{"neither paid", false, false},
		{"only buyer paid", true, false},
		{"only seller paid", false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			record := f.mustRequest(t)
			f.mustAccept(t, record.ID)
			if tc.buyerPaid {
				if _, _, err := f.engine.RecordCommissionPayment(context.Background(), record.ID, f.buyer, "pay_b1"); err != nil {
					t.Fatalf("buyer payment: %v", err)
				}
			}
			if tc.sellerPaid {
				if _, _, err := f.engine.RecordCommissionPayment(context.Background(), record.ID, f.seller, "pay_s1"); err != nil {
					t.Fatalf("seller payment: %v", err)
				}
			}
			if _, err := f.engine.ShareContactInfo(context.Background(), record.ID, f.admin); err != escrow.ErrPaymentIncomplete {
				t.Fatalf("expected ErrPaymentIncomplete, got %v", err)
			}
		})
	}
}

func TestShareContactInfoForbiddenForNonAdmin(t *testing.T) {
	f := newFixture(t)
	record := f.mustRequest(t)
	if _, err := f.engine.ShareContactInfo(context.Background(), record.ID, f.buyer); err != escrow.ErrForbidden {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestViewsSplitByRole(t *testing.T) {
	f := newFixture(t)
	record := f.mustRequest(t)

	outgoing, err := f.engine.Outgoing(context.Background(), f.buyer)
	if err != nil {
		t.Fatalf("outgoing: %v", err)
	}
	if len(outgoing) != 1 || outgoing[0].ID != record.ID {
		t.Fatalf("unexpected outgoing view: %v", outgoing)
	}

	incoming, err := f.engine.Incoming(context.Background(), f.seller)
	if err != nil {
		t.Fatalf("incoming: %v", err)
	}
	if len(incoming) != 1 || incoming[0].ID != record.ID {
		t.Fatalf("unexpected incoming view: %v", incoming)
	}

	if other, err := f.engine.Outgoing(context.Background(), f.seller); err != nil || len(other) != 0 {
		t.Fatalf("seller has no outgoing requests, got %v (%v)", other, err)
	}

	union, err := f.engine.ForUser(context.Background(), f.seller)
	if err != nil || len(union) != 1 {
		t.Fatalf("unexpected union view: %v (%v)", union, err)
	}
}

func TestViewsNewestFirst(t *testing.T) {
	f := newFixture(t)
	base := time.Now().Add(-time.Hour)
	tick := 0
	f.engine.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	first := f.mustRequest(t)
	second := models.Book{ID: uuid.New(), OwnerID: f.seller, Title: "Second", Price: 10, Available: true}
	if err := f.db.Create(&second).Error; err != nil {
		t.Fatalf("seed second book: %v", err)
	}
	later, err := f.engine.Request(context.Background(), f.buyer, second.ID)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}

	outgoing, err := f.engine.Outgoing(context.Background(), f.buyer)
	if err != nil {
		t.Fatalf("outgoing: %v", err)
	}
	if len(outgoing) != 2 || outgoing[0].ID != later.ID || outgoing[1].ID != first.ID {
		t.Fatalf("expected newest first ordering")
	}
}

func TestGetRestrictedToParties(t *testing.T) {
	f := newFixture(t)
	record := f.mustRequest(t)

	got, err := f.engine.Get(context.Background(), record.ID, f.buyer)
	if err != nil || got.ID != record.ID {
		t.Fatalf("buyer fetch failed: %v", err)
	}
	if _, err := f.engine.Get(context.Background(), record.ID, uuid.New()); err != escrow.ErrForbidden {
		t.Fatalf("expected ErrForbidden for stranger, got %v", err)
	}
	if _, err := f.engine.Get(context.Background(), uuid.New(), f.buyer); err != escrow.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPendingCommissionsAdminView(t *testing.T) {
	f := newFixture(t)
	record := f.mustRequest(t)
	f.mustAccept(t, record.ID)

	listed, err := f.engine.PendingCommissions(context.Background(), f.admin)
	if err != nil {
		t.Fatalf("pending commissions: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != record.ID {
		t.Fatalf("unexpected admin view: %v", listed)
	}
	if _, err := f.engine.PendingCommissions(context.Background(), f.buyer); err != escrow.ErrForbidden {
		t.Fatalf("expected ErrForbidden for non-admin, got %v", err)
	}
}

func TestSetCommissionRateAffectsOnlyNewTransactions(t *testing.T) {
	f := newFixture(t)
	existing := f.mustRequest(t)

	rate, err := f.engine.SetCommissionRate(context.Background(), f.admin, 0.1)
	if err != nil {
		t.Fatalf("set rate: %v", err)
	}
	if rate != 0.1 {
		t.Fatalf("unexpected normalized rate %v", rate)
	}

	second := models.Book{ID: uuid.New(), OwnerID: f.seller, Title: "Second", Price: 31.25, Available: true}
	if err := f.db.Create(&second).Error; err != nil {
		t.Fatalf("seed second book: %v", err)
	}
	created, err := f.engine.Request(context.Background(), f.buyer, second.ID)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if created.CommissionRate != 0.1 {
		t.Fatalf("expected new rate 0.1, got %v", created.CommissionRate)
	}
	if created.CommissionAmount != 3.13 {
		t.Fatalf("expected rounded commission 3.13, got %v", created.CommissionAmount)
	}

	var stored models.Transaction
	if err := f.db.First(&stored, "id = ?", existing.ID).Error; err != nil {
		t.Fatalf("reload existing: %v", err)
	}
	if stored.CommissionRate != 0.08 || stored.CommissionAmount != 8 {
		t.Fatalf("existing transaction must keep its snapshot, got %+v", stored)
	}
}

func TestSetCommissionRateValidation(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.SetCommissionRate(context.Background(), f.buyer, 0.1); err != escrow.ErrForbidden {
		t.Fatalf("expected ErrForbidden for non-admin, got %v", err)
	}
	if _, err := f.engine.SetCommissionRate(context.Background(), f.admin, 1.5); !errors.Is(err, escrow.ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate for out of range rate, got %v", err)
	}
}

// interceptNextUpdate runs fn immediately before the next UPDATE the engine
// issues, on the engine's own transaction connection. The conflicting write
// lands after the engine's reads but before its conditional update, which is
// exactly the window a concurrent caller would win.
func interceptNextUpdate(t *testing.T, db *gorm.DB, fn func(tx *gorm.DB)) {
	t.Helper()
	fired := false
	err := db.Callback().Update().Before("gorm:update").Register("conflicting_write", func(tx *gorm.DB) {
		if fired {
			return
		}
		fired = true
		fn(tx.Session(&gorm.Session{NewDB: true}))
	})
	if err != nil {
		t.Fatalf("register update callback: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Callback().Update().Remove("conflicting_write"); err != nil {
			t.Fatalf("remove update callback: %v", err)
		}
	})
}

func TestRequestLosesListingClaimRace(t *testing.T) {
	f := newFixture(t)
	interceptNextUpdate(t, f.db, func(tx *gorm.DB) {
		if err := tx.Model(&models.Book{}).Where("id = ?", f.book.ID).Update("available", false).Error; err != nil {
			t.Errorf("claim listing out of band: %v", err)
		}
	})

	_, err := f.engine.Request(context.Background(), f.buyer, f.book.ID)
	if err != escrow.ErrUnavailable {
		t.Fatalf("expected ErrUnavailable for lost claim, got %v", err)
	}
	var count int64
	f.db.Model(&models.Transaction{}).Count(&count)
	if count != 0 {
		t.Fatalf("losing request must not create a transaction, got %d", count)
	}
	if got := f.notifier.byType(escrow.EventTypeRequestCreated); len(got) != 0 {
		t.Fatalf("losing request must not notify the seller, got %v", got)
	}
}

func TestSetStatusLosesDecisionRace(t *testing.T) {
	f := newFixture(t)
	record := f.mustRequest(t)
	interceptNextUpdate(t, f.db, func(tx *gorm.DB) {
		if err := tx.Model(&models.Transaction{}).Where("id = ?", record.ID).Update("status", escrow.StatusRejected).Error; err != nil {
			t.Errorf("reject out of band: %v", err)
		}
	})

	_, err := f.engine.SetStatus(context.Background(), record.ID, f.seller, escrow.StatusAccepted)
	if err != escrow.ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition for lost decision, got %v", err)
	}
	var stored models.Transaction
	if err := f.db.First(&stored, "id = ?", record.ID).Error; err != nil {
		t.Fatalf("reload transaction: %v", err)
	}
	if stored.Status != escrow.StatusRejected {
		t.Fatalf("first decision must stand, got %s", stored.Status)
	}
}

func TestRecordCommissionPaymentLosesFlagRace(t *testing.T) {
	f := newFixture(t)
	record := f.mustRequest(t)
	f.mustAccept(t, record.ID)
	interceptNextUpdate(t, f.db, func(tx *gorm.DB) {
		if err := tx.Model(&models.Transaction{}).Where("id = ?", record.ID).Update("buyer_commission_paid", true).Error; err != nil {
			t.Errorf("pay out of band: %v", err)
		}
	})

	_, _, err := f.engine.RecordCommissionPayment(context.Background(), record.ID, f.buyer, "pay_b2")
	if err != escrow.ErrAlreadyPaid {
		t.Fatalf("expected ErrAlreadyPaid for lost payment swap, got %v", err)
	}
	if got := f.notifier.byType(escrow.EventTypeCommissionConfirmed); len(got) != 0 {
		t.Fatalf("losing payment must not confirm, got %v", got)
	}
}

func TestRequestConcurrentBuyersSingleWinner(t *testing.T) {
	f := newFixture(t)
	sqlDB, err := f.db.DB()
	if err != nil {
		t.Fatalf("unwrap pool: %v", err)
	}
	// sqlite permits a single writer at a time; cap the pool so racing
	// requests queue on the connection instead of hitting the driver's
	// lock error.
	sqlDB.SetMaxOpenConns(1)

	const buyers = 8
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	errs := make([]error, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.Request(context.Background(), uuid.New(), f.book.ID)
			if err == nil {
				successes.Add(1)
				return
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Fatalf("expected exactly one winning request, got %d", got)
	}
	for i, err := range errs {
		if err != nil && err != escrow.ErrUnavailable {
			t.Fatalf("buyer %d: expected ErrUnavailable, got %v", i, err)
		}
	}
	var count int64
	f.db.Model(&models.Transaction{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected a single stored transaction, got %d", count)
	}
	if book := f.reloadBook(t); book.Available {
		t.Fatalf("expected the listing claimed by the winner")
	}
}

func TestAuditTrailAppended(t *testing.T) {
	f := newFixture(t)
	record := f.mustRequest(t)
	f.mustAccept(t, record.ID)

	var events []models.AuditEvent
	if err := f.db.Order("created_at").Find(&events).Error; err != nil {
		t.Fatalf("load audit events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 audit events, got %d", len(events))
	}
	if events[0].Action != "transaction.requested" || events[1].Action != "transaction.status_changed" {
		t.Fatalf("unexpected audit actions: %v", events)
	}
}
