package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"booklink/native/escrow"
	"booklink/services/escrow-gateway/identity"
	"booklink/services/escrow-gateway/models"
)

// Notifier delivers transactional events. Delivery is fire-and-forget; the
// engine never fails an operation because a notification could not be sent.
type Notifier interface {
	Notify(recipient uuid.UUID, eventType string, attrs map[string]string)
}

// Identity resolves contact details and the administrator capability through
// the external identity store.
type Identity interface {
	Contact(ctx context.Context, userID uuid.UUID) (*identity.ContactInfo, error)
	IsAdministrator(ctx context.Context, userID uuid.UUID) (bool, error)
}

// Options bundles the engine's collaborators.
type Options struct {
	Identity Identity
	Notifier Notifier
	// DefaultCommissionRate applies when no commission_rate setting row
	// exists. Zero falls back to the platform default.
	DefaultCommissionRate float64
	Now                   func() time.Time
	Logger                *slog.Logger
}

// Engine owns the transaction escrow workflow: the state machine, commission
// bookkeeping, payment recording and contact disclosure gating. Every
// mutation is a read-modify-write inside a single database transaction with
// conditional updates, so concurrent calls against the same transaction or
// listing serialize to exactly one winner.
type Engine struct {
	db          *gorm.DB
	identity    Identity
	notifier    Notifier
	defaultRate float64
	now         func() time.Time
	log         *slog.Logger
}

// New constructs the escrow engine.
func New(db *gorm.DB, opts Options) (*Engine, error) {
	if db == nil {
		return nil, errors.New("engine: database handle required")
	}
	if opts.Identity == nil {
		return nil, errors.New("engine: identity client required")
	}
	if opts.Notifier == nil {
		return nil, errors.New("engine: notifier required")
	}
	rate := opts.DefaultCommissionRate
	if rate == 0 {
		rate = escrow.DefaultRate
	}
	normalized, err := escrow.NormalizeRate(rate)
	if err != nil {
		return nil, fmt.Errorf("engine: default commission rate: %w", err)
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		db:          db,
		identity:    opts.Identity,
		notifier:    opts.Notifier,
		defaultRate: normalized,
		now:         nowFn,
		log:         logger,
	}, nil
}

// Request opens a buy request against a listing on behalf of the buyer. The
// listing availability flip, the duplicate check and the transaction insert
// happen in one database transaction; concurrent requests on the same listing
// yield exactly one success.
func (e *Engine) Request(ctx context.Context, buyerID, bookID uuid.UUID) (*models.Transaction, error) {
	var created models.Transaction
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var book models.Book
		if err := tx.First(&book, "id = ?", bookID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return escrow.ErrNotFound
			}
			return fmt.Errorf("load listing: %w", err)
		}
		if book.OwnerID == buyerID {
			return escrow.ErrInvalidOwner
		}

		var live int64
		if err := tx.Model(&models.Transaction{}).
			Where("book_id = ? AND buyer_id = ? AND status IN ?", bookID, buyerID, escrow.LiveStatuses).
			Count(&live).Error; err != nil {
			return fmt.Errorf("check live requests: %w", err)
		}
		if live > 0 {
			return escrow.ErrConflict
		}
		if !book.Available {
			return escrow.ErrUnavailable
		}

		// Claim the listing. A second concurrent request loses this
		// compare-and-swap and observes Unavailable.
		claim := tx.Model(&models.Book{}).
			Where("id = ? AND available = ?", bookID, true).
			Update("available", false)
		if claim.Error != nil {
			return fmt.Errorf("claim listing: %w", claim.Error)
		}
		if claim.RowsAffected == 0 {
			return escrow.ErrUnavailable
		}

		rate := e.commissionRate(tx)
		now := e.now()
		created = models.Transaction{
			ID:               uuid.New(),
			BookID:           book.ID,
			BuyerID:          buyerID,
			SellerID:         book.OwnerID,
			Price:            book.Price,
			Status:           escrow.StatusPending,
			CommissionRate:   rate,
			CommissionAmount: escrow.CommissionAmount(book.Price, rate),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.Create(&created).Error; err != nil {
			return fmt.Errorf("create transaction: %w", err)
		}
		e.appendAudit(tx, &created.ID, buyerID, "transaction.requested", map[string]string{
			"bookId": book.ID.String(),
			"price":  strconv.FormatFloat(book.Price, 'f', -1, 64),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.notifier.Notify(created.SellerID, escrow.EventTypeRequestCreated,
		escrow.RequestCreatedEvent(created.ID.String(), created.BookID.String(), created.BuyerID.String(), created.Price))
	return &created, nil
}

// SetStatus applies the seller's accept or reject decision. Accepting
// promotes the record straight to commission_pending; it never rests at
// accepted. Rejecting restores the listing's availability.
func (e *Engine) SetStatus(ctx context.Context, transactionID, actorID uuid.UUID, next escrow.Status) (*models.Transaction, error) {
	if next != escrow.StatusAccepted && next != escrow.StatusRejected {
		return nil, escrow.ErrInvalidTransition
	}

	var updated models.Transaction
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := loadTransaction(tx, transactionID)
		if err != nil {
			return err
		}
		if record.SellerID != actorID {
			return escrow.ErrForbidden
		}
		if err := escrow.ValidateTransition(record.Status, next); err != nil {
			return err
		}

		target := next
		if target == escrow.StatusAccepted {
			target = escrow.StatusCommissionPending
		}
		now := e.now()
		result := tx.Model(&models.Transaction{}).
			Where("id = ? AND status = ?", record.ID, record.Status).
			Updates(map[string]any{"status": target, "updated_at": now})
		if result.Error != nil {
			return fmt.Errorf("update status: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			// A concurrent decision moved the record first; the
			// requested transition no longer applies.
			return escrow.ErrInvalidTransition
		}

		if target == escrow.StatusRejected {
			if err := tx.Model(&models.Book{}).
				Where("id = ?", record.BookID).
				Update("available", true).Error; err != nil {
				return fmt.Errorf("restore listing: %w", err)
			}
		}

		record.Status = target
		record.UpdatedAt = now
		updated = *record
		e.appendAudit(tx, &record.ID, actorID, "transaction.status_changed", map[string]string{
			"status": string(target),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch updated.Status {
	case escrow.StatusCommissionPending:
		e.notifier.Notify(updated.BuyerID, escrow.EventTypeCommissionRequested,
			escrow.CommissionRequestedEvent(updated.ID.String(), escrow.PartyBuyer, updated.Price, updated.CommissionAmount))
		e.notifier.Notify(updated.SellerID, escrow.EventTypeCommissionRequested,
			escrow.CommissionRequestedEvent(updated.ID.String(), escrow.PartySeller, updated.Price, updated.CommissionAmount))
	case escrow.StatusRejected:
		e.notifier.Notify(updated.BuyerID, escrow.EventTypeRequestRejected,
			escrow.RequestRejectedEvent(updated.ID.String(), updated.BookID.String()))
	}
	return &updated, nil
}

// RecordCommissionPayment records one party's commission payment. When the
// second payment lands the record advances to commission_paid in the same
// atomic update. The returned boolean reports whether both sides have paid.
func (e *Engine) RecordCommissionPayment(ctx context.Context, transactionID, actorID uuid.UUID, paymentRef string) (*models.Transaction, bool, error) {
	var (
		updated models.Transaction
		party   string
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := loadTransaction(tx, transactionID)
		if err != nil {
			return err
		}
		var paidFlag bool
		switch actorID {
		case record.BuyerID:
			party = escrow.PartyBuyer
			paidFlag = record.BuyerCommissionPaid
		case record.SellerID:
			party = escrow.PartySeller
			paidFlag = record.SellerCommissionPaid
		default:
			return escrow.ErrForbidden
		}
		if paidFlag {
			return escrow.ErrAlreadyPaid
		}
		if record.Status != escrow.StatusCommissionPending {
			return escrow.ErrInvalidState
		}

		now := e.now()
		updates := map[string]any{"updated_at": now}
		otherPaid := false
		switch party {
		case escrow.PartyBuyer:
			updates["buyer_commission_paid"] = true
			updates["buyer_commission_paid_at"] = now
			updates["buyer_payment_id"] = paymentRef
			otherPaid = record.SellerCommissionPaid
		case escrow.PartySeller:
			updates["seller_commission_paid"] = true
			updates["seller_commission_paid_at"] = now
			updates["seller_payment_id"] = paymentRef
			otherPaid = record.BuyerCommissionPaid
		}
		if otherPaid {
			updates["status"] = escrow.StatusCommissionPaid
		}

		// Guard on the flag as well as the status so a double submit
		// racing this write loses the swap instead of recording twice.
		flagColumn := party + "_commission_paid"
		result := tx.Model(&models.Transaction{}).
			Where("id = ? AND status = ? AND "+flagColumn+" = ?", record.ID, escrow.StatusCommissionPending, false).
			Updates(updates)
		if result.Error != nil {
			return fmt.Errorf("record payment: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return escrow.ErrAlreadyPaid
		}

		if err := tx.First(record, "id = ?", record.ID).Error; err != nil {
			return fmt.Errorf("reload transaction: %w", err)
		}
		updated = *record
		e.appendAudit(tx, &record.ID, actorID, "transaction.commission_paid", map[string]string{
			"party":     party,
			"paymentId": paymentRef,
		})
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	e.notifier.Notify(actorID, escrow.EventTypeCommissionConfirmed,
		escrow.CommissionConfirmedEvent(updated.ID.String(), party, paymentRef, updated.CommissionAmount))
	return &updated, updated.BothCommissionsPaid(), nil
}

// ShareContactInfo discloses each party's contact details to the other and
// completes the transaction. Only administrators may disclose, and only once
// both commissions are paid. The record update is the source of truth; the
// disclosure notifications are dispatched after commit and their failure is
// logged, never rolled back.
func (e *Engine) ShareContactInfo(ctx context.Context, transactionID, actorID uuid.UUID) (*models.Transaction, error) {
	admin, err := e.identity.IsAdministrator(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("check administrator capability: %w", err)
	}
	if !admin {
		return nil, escrow.ErrForbidden
	}

	var updated models.Transaction
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := loadTransaction(tx, transactionID)
		if err != nil {
			return err
		}
		if record.ContactInfoShared {
			return escrow.ErrAlreadyShared
		}
		if !record.BothCommissionsPaid() {
			return escrow.ErrPaymentIncomplete
		}
		if err := escrow.ValidateTransition(record.Status, escrow.StatusCompleted); err != nil {
			return err
		}

		now := e.now()
		result := tx.Model(&models.Transaction{}).
			Where("id = ? AND status = ? AND contact_info_shared = ?", record.ID, escrow.StatusCommissionPaid, false).
			Updates(map[string]any{
				"status":                 escrow.StatusCompleted,
				"contact_info_shared":    true,
				"contact_info_shared_at": now,
				"contact_info_shared_by": actorID,
				"updated_at":             now,
			})
		if result.Error != nil {
			return fmt.Errorf("disclose contact info: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return escrow.ErrAlreadyShared
		}

		record.Status = escrow.StatusCompleted
		record.ContactInfoShared = true
		record.ContactInfoSharedAt = &now
		record.ContactInfoSharedBy = &actorID
		record.UpdatedAt = now
		updated = *record
		e.appendAudit(tx, &record.ID, actorID, "transaction.contact_disclosed", nil)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.discloseContacts(ctx, &updated)
	return &updated, nil
}

func (e *Engine) discloseContacts(ctx context.Context, record *models.Transaction) {
	buyerContact, err := e.identity.Contact(ctx, record.BuyerID)
	if err != nil {
		e.log.Error("escrow: fetch buyer contact for disclosure", "transaction", record.ID, "err", err)
	} else {
		e.notifier.Notify(record.SellerID, escrow.EventTypeContactDisclosed,
			escrow.ContactDisclosedEvent(record.ID.String(), escrow.PartySeller, record.BuyerID.String(),
				buyerContact.Email, buyerContact.Phone, buyerContact.Address))
	}
	sellerContact, err := e.identity.Contact(ctx, record.SellerID)
	if err != nil {
		e.log.Error("escrow: fetch seller contact for disclosure", "transaction", record.ID, "err", err)
	} else {
		e.notifier.Notify(record.BuyerID, escrow.EventTypeContactDisclosed,
			escrow.ContactDisclosedEvent(record.ID.String(), escrow.PartyBuyer, record.SellerID.String(),
				sellerContact.Email, sellerContact.Phone, sellerContact.Address))
	}
}

// Outgoing lists the caller's requests as buyer, newest first.
func (e *Engine) Outgoing(ctx context.Context, buyerID uuid.UUID) ([]models.Transaction, error) {
	return e.list(ctx, "buyer_id = ?", buyerID)
}

// Incoming lists requests against the caller's listings, newest first.
func (e *Engine) Incoming(ctx context.Context, sellerID uuid.UUID) ([]models.Transaction, error) {
	return e.list(ctx, "seller_id = ?", sellerID)
}

// ForUser lists every transaction in which the caller is a party.
func (e *Engine) ForUser(ctx context.Context, userID uuid.UUID) ([]models.Transaction, error) {
	return e.list(ctx, "buyer_id = ? OR seller_id = ?", userID, userID)
}

func (e *Engine) list(ctx context.Context, query string, args ...any) ([]models.Transaction, error) {
	var records []models.Transaction
	if err := e.db.WithContext(ctx).
		Where(query, args...).
		Order("created_at DESC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return records, nil
}

// Get fetches a single transaction, restricted to its parties.
func (e *Engine) Get(ctx context.Context, transactionID, actorID uuid.UUID) (*models.Transaction, error) {
	record, err := loadTransaction(e.db.WithContext(ctx), transactionID)
	if err != nil {
		return nil, err
	}
	if record.BuyerID != actorID && record.SellerID != actorID {
		return nil, escrow.ErrForbidden
	}
	return record, nil
}

// PendingCommissions lists transactions with commissions due or settled but
// not yet disclosed, newest first. Administrators only.
func (e *Engine) PendingCommissions(ctx context.Context, actorID uuid.UUID) ([]models.Transaction, error) {
	admin, err := e.identity.IsAdministrator(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("check administrator capability: %w", err)
	}
	if !admin {
		return nil, escrow.ErrForbidden
	}
	return e.list(ctx, "status IN ?", []escrow.Status{escrow.StatusCommissionPending, escrow.StatusCommissionPaid})
}

// SetCommissionRate updates the platform default commission rate applied to
// new transactions. Existing transactions keep their snapshotted rate.
func (e *Engine) SetCommissionRate(ctx context.Context, actorID uuid.UUID, rate float64) (float64, error) {
	admin, err := e.identity.IsAdministrator(ctx, actorID)
	if err != nil {
		return 0, fmt.Errorf("check administrator capability: %w", err)
	}
	if !admin {
		return 0, escrow.ErrForbidden
	}
	normalized, err := escrow.NormalizeRate(rate)
	if err != nil {
		return 0, err
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		value := strconv.FormatFloat(normalized, 'f', -1, 64)
		now := e.now()
		var setting models.Setting
		switch err := tx.First(&setting, "key = ?", models.SettingCommissionRate).Error; {
		case err == nil:
			if err := tx.Model(&models.Setting{}).
				Where("key = ?", models.SettingCommissionRate).
				Updates(map[string]any{"value": value, "updated_at": now}).Error; err != nil {
				return fmt.Errorf("update setting: %w", err)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			setting = models.Setting{
				Key:         models.SettingCommissionRate,
				Value:       value,
				Description: "default commission rate for new transactions",
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := tx.Create(&setting).Error; err != nil {
				return fmt.Errorf("create setting: %w", err)
			}
		default:
			return fmt.Errorf("load setting: %w", err)
		}
		e.appendAudit(tx, nil, actorID, "settings.commission_rate_changed", map[string]string{
			"rate": value,
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return normalized, nil
}

// commissionRate resolves the platform rate from the settings table, falling
// back to the configured default when absent or malformed.
func (e *Engine) commissionRate(tx *gorm.DB) float64 {
	var setting models.Setting
	if err := tx.First(&setting, "key = ?", models.SettingCommissionRate).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			e.log.Warn("escrow: load commission rate setting", "err", err)
		}
		return e.defaultRate
	}
	parsed, err := strconv.ParseFloat(setting.Value, 64)
	if err != nil {
		e.log.Warn("escrow: malformed commission rate setting", "value", setting.Value)
		return e.defaultRate
	}
	normalized, err := escrow.NormalizeRate(parsed)
	if err != nil {
		e.log.Warn("escrow: out of range commission rate setting", "value", setting.Value)
		return e.defaultRate
	}
	return normalized
}

func (e *Engine) appendAudit(tx *gorm.DB, transactionID *uuid.UUID, actorID uuid.UUID, action string, details map[string]string) {
	payload := ""
	if len(details) > 0 {
		if raw, err := json.Marshal(details); err == nil {
			payload = string(raw)
		}
	}
	event := models.AuditEvent{
		ID:            uuid.New(),
		TransactionID: transactionID,
		ActorID:       actorID,
		Action:        action,
		Details:       payload,
		CreatedAt:     e.now(),
	}
	if err := tx.Create(&event).Error; err != nil {
		e.log.Error("escrow: append audit event", "action", action, "err", err)
	}
}

func loadTransaction(tx *gorm.DB, id uuid.UUID) (*models.Transaction, error) {
	var record models.Transaction
	if err := tx.First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, escrow.ErrNotFound
		}
		return nil, fmt.Errorf("load transaction: %w", err)
	}
	return &record, nil
}
