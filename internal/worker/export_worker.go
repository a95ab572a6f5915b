// Package worker mirrors applied changes into the export sink.
package worker

import (
	"context"
	"fmt"
	"time"

	"cointracer/internal/amqp"
	"cointracer/internal/cache"
	"cointracer/internal/core"
	"cointracer/internal/log"
	"cointracer/internal/sheets"
)

const (
	dedupeWindow = time.Hour
	dedupeSize   = 10000
)

// Consumer is the inbound half of amqp.Client.
type Consumer interface {
	Consume(ctx context.Context, handler func(context.Context, *amqp.ChangeMessage) error) error
}

// ExportWorker applies change messages to an Exporter. Redelivered messages
// are recognised by ID and skipped.
type ExportWorker struct {
	exporter sheets.Exporter
	seen     *cache.LRUCache[struct{}]
	logger   *log.Logger
}

func NewExportWorker(exporter sheets.Exporter, logger *log.Logger) *ExportWorker {
	if logger == nil {
		logger = log.Discard()
	}
	return &ExportWorker{
		exporter: exporter,
		seen:     cache.NewLRUCache[struct{}](dedupeSize, dedupeWindow),
		logger:   logger.WithComponent(log.ComponentWorker),
	}
}

// Dedupe exposes the processed-message cache for periodic cleanup.
func (w *ExportWorker) Dedupe() cache.Cleaner { return w.seen }

// Run consumes until ctx ends.
func (w *ExportWorker) Run(ctx context.Context, c Consumer) error {
	w.logger.InfoContext(ctx, "Export worker started")
	err := c.Consume(ctx, w.Handle)
	w.logger.InfoContext(ctx, "Export worker stopped", log.FieldReason, err)
	return err
}

// Handle applies one message. A returned error requeues it.
func (w *ExportWorker) Handle(ctx context.Context, msg *amqp.ChangeMessage) error {
	logger := w.logger.With(log.FieldMessageID, msg.ID)
	if msg.TraceID != "" {
		logger = logger.With(log.FieldTraceID, msg.TraceID)
	}
	if _, dup := w.seen.Get(msg.ID); dup {
		logger.DebugContext(ctx, "Duplicate message skipped")
		return nil
	}
	ctx = log.IntoContext(log.WithTraceID(ctx, msg.TraceID), logger)
	start := time.Now()

	var err error
	switch msg.Kind {
	case amqp.ChangeExpenseAppended:
		err = w.appendExpense(ctx, msg)
	case amqp.ChangeExpenseRemoved:
		err = w.exporter.DeleteExpense(ctx, msg.UserID, msg.Expense.ID)
	case amqp.ChangeCategoryUpserted:
		err = w.exporter.UpsertBudget(ctx, sheets.BudgetRow{
			CategoryID: msg.Category.ID,
			UserID:     msg.UserID,
			Name:       msg.Category.Name,
			Budget:     core.Money{Cents: msg.Category.BudgetCents},
		})
	case amqp.ChangeCategoryRemoved:
		err = w.removeCategory(ctx, msg)
	default:
		logger.WarnContext(ctx, "Unknown change kind ignored", log.FieldEvent, msg.Kind)
		return nil
	}
	if err != nil {
		logger.ErrorContext(ctx, "Export failed",
			log.FieldEvent, msg.Kind,
			log.FieldUserID, msg.UserID,
			log.FieldError, err)
		return fmt.Errorf("export %s: %w", msg.Kind, err)
	}

	w.seen.Set(msg.ID, struct{}{})
	logger.InfoContext(ctx, "Change exported",
		log.FieldEvent, msg.Kind,
		log.FieldUserID, msg.UserID,
		log.FieldDuration, time.Since(start).Milliseconds())
	return nil
}

func (w *ExportWorker) appendExpense(ctx context.Context, msg *amqp.ChangeMessage) error {
	e := msg.Expense
	ref, err := w.exporter.AppendExpense(ctx, sheets.ExpenseRow{
		ID:           e.ID,
		UserID:       msg.UserID,
		CategoryID:   e.CategoryID,
		CategoryName: e.CategoryName,
		Amount:       core.Money{Cents: e.AmountCents},
		Note:         e.Note,
		Timestamp:    e.Timestamp,
	})
	if err != nil {
		return err
	}
	log.FromContext(ctx).DebugContext(ctx, "Expense row written", log.FieldExpenseID, e.ID, log.FieldSheetsRef, ref)
	return nil
}

func (w *ExportWorker) removeCategory(ctx context.Context, msg *amqp.ChangeMessage) error {
	if msg.Cascade {
		n, err := w.exporter.DeleteExpensesByCategory(ctx, msg.UserID, msg.Category.ID)
		if err != nil {
			return err
		}
		log.FromContext(ctx).InfoContext(ctx, "Cascaded expense rows removed", log.FieldCategoryID, msg.Category.ID, log.FieldCount, n)
	}
	return w.exporter.DeleteBudget(ctx, msg.UserID, msg.Category.ID)
}
