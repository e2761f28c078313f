package store

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type contextKey int

const (
	transactionKey contextKey = iota
)

var errNoTransaction = errors.New("transaction is not open")

// Tx is a gorm transaction carried in a context. Sub-stores pick it up through FromContext.
type Tx struct {
	txId int64
	tx   *gorm.DB
	log  *zap.SugaredLogger
}

// TransactionStarter opens a transaction carried by the returned context.
type TransactionStarter interface {
	NewTransactionContext(ctx context.Context) (context.Context, error)
}

// WithTransaction runs fn inside the transaction already carried by ctx, or
// inside a new one committed when fn succeeds and rolled back otherwise.
func WithTransaction(ctx context.Context, s TransactionStarter, fn func(ctx context.Context) error) error {
	if FromContext(ctx) != nil {
		return fn(ctx)
	}

	txCtx, err := s.NewTransactionContext(ctx)
	if err != nil {
		return err
	}
	if err := fn(txCtx); err != nil {
		if _, rerr := Rollback(txCtx); rerr != nil {
			zap.S().Named("store").Errorw("failed to rollback transaction", "error", rerr)
		}
		return err
	}
	_, err = Commit(txCtx)
	return err
}

func Commit(ctx context.Context) (context.Context, error) {
	return finish(ctx, true)
}

func Rollback(ctx context.Context) (context.Context, error) {
	return finish(ctx, false)
}

func finish(ctx context.Context, commit bool) (context.Context, error) {
	tx, ok := ctx.Value(transactionKey).(*Tx)
	if !ok {
		return ctx, nil
	}
	newCtx := context.WithValue(ctx, transactionKey, nil)
	if commit {
		return newCtx, tx.Commit()
	}
	return newCtx, tx.Rollback()
}

func FromContext(ctx context.Context) *gorm.DB {
	if tx, found := ctx.Value(transactionKey).(*Tx); found && tx.tx != nil {
		return tx.tx
	}
	return nil
}

func newTransactionContext(ctx context.Context, db *gorm.DB) (context.Context, error) {
	if FromContext(ctx) != nil {
		return ctx, nil
	}

	tx := db.Session(&gorm.Session{Context: ctx}).Begin()
	if tx.Error != nil {
		return ctx, tx.Error
	}

	// postgres transaction ids are only used to correlate log lines
	var txid struct{ ID int64 }
	if db.Dialector.Name() == "postgres" {
		tx.Raw("select txid_current() as id").Scan(&txid)
	}

	return context.WithValue(ctx, transactionKey, &Tx{
		txId: txid.ID,
		tx:   tx,
		log:  zap.S().Named("store"),
	}), nil
}

func (t *Tx) Commit() error {
	if t.tx == nil {
		return errNoTransaction
	}
	if err := t.tx.Commit().Error; err != nil {
		t.log.Errorw("failed to commit transaction", "tx_id", t.txId, "error", err)
		return err
	}
	t.tx = nil
	t.log.Debugw("transaction committed", "tx_id", t.txId)
	return nil
}

func (t *Tx) Rollback() error {
	if t.tx == nil {
		return errNoTransaction
	}
	if err := t.tx.Rollback().Error; err != nil {
		t.log.Errorw("failed to rollback transaction", "tx_id", t.txId, "error", err)
		return err
	}
	t.tx = nil
	t.log.Debugw("transaction rolled back", "tx_id", t.txId)
	return nil
}
