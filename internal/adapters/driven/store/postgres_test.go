package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/openimis/msystems/internal/core/domain"
	"github.com/openimis/msystems/internal/core/ports"
)

func TestPostgres_FindUserByUsername(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT u.id, u.username, u.created_at").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "username", "created_at", "identity_id", "first_name", "last_name", "credential_token", "valid_from",
		}).AddRow("user-1", "u1", now, "identity-1", "Jane", "Doe", "token", now))
	mock.ExpectCommit()

	s := NewPostgres(db)
	err = s.InTx(context.Background(), func(tx ports.IdentityTx) error {
		user, err := tx.FindUserByUsername(context.Background(), "u1")
		if err != nil {
			return err
		}
		if user.ID != "user-1" || user.Identity.FirstName != "Jane" {
			t.Errorf("unexpected user: %+v", user)
		}
		if user.Identity.UserID != user.ID {
			t.Errorf("identity not linked to user: %+v", user.Identity)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgres_FindUserByUsername_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT u.id, u.username, u.created_at").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	s := NewPostgres(db)
	err = s.InTx(context.Background(), func(tx ports.IdentityTx) error {
		_, err := tx.FindUserByUsername(context.Background(), "missing")
		return err
	})
	if !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgres_InTxRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO users").
		WithArgs(sqlmock.AnyArg(), "u1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO identities").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "Jane", "Doe", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	s := NewPostgres(db)
	err = s.InTx(context.Background(), func(tx ports.IdentityTx) error {
		_, err := tx.CreateUser(context.Background(), "u1", "Jane", "Doe", "MD01")
		return err
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgres_FindOrderByCode(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT id, code, customer_code, customer_name").
		WithArgs("ORD-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "code", "customer_code", "customer_name", "currency", "status", "total_amount",
		}).AddRow("order-1", "ORD-1", "1234567890122", "Acme Corp", "MDL", "validated", "120.00"))
	mock.ExpectQuery("SELECT id, code, amount::text, reason FROM order_lines").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "code", "amount", "reason"}).
			AddRow("line-1", "L1", "120.00", "Voucher Acquirement"))

	s := NewPostgres(db)
	order, err := s.FindOrderByCode(context.Background(), "ORD-1")
	if err != nil {
		t.Fatalf("FindOrderByCode: %v", err)
	}
	if order.Status.GatewayStatus() != domain.OrderStatusActive {
		t.Errorf("gateway status = %q, want Active", order.Status.GatewayStatus())
	}
	if len(order.Lines) != 1 || order.Lines[0].Amount != "120.00" {
		t.Errorf("unexpected lines: %+v", order.Lines)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgres_ConfirmPayment(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE orders SET status").
		WithArgs("order-1", string(domain.BillStatusPaid)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO payments").
		WithArgs(sqlmock.AnyArg(), "order-1", "PAY-9", "INV-9", "120.00", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s := NewPostgres(db)
	err = s.ConfirmPayment(context.Background(), "order-1", domain.Payment{
		PaymentID: "PAY-9",
		InvoiceID: "INV-9",
		Amount:    "120.00",
		PaidAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
