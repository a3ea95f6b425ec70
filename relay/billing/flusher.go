package billing

import (
	"context"
	"sync"
	"time"

	"github.com/Laisky/zap"
	"github.com/shopspring/decimal"

	"github.com/songquanpeng/conduit-gateway/common/config"
	"github.com/songquanpeng/conduit-gateway/common/logger"
	"github.com/songquanpeng/conduit-gateway/store"
)

// charge is one pending debit, queued by the request path and applied by the
// Flusher's worker goroutine.
type charge struct {
	groupID   string
	amount    decimal.Decimal
	requestID string
}

// errored is a charge that failed to debit and is awaiting retry.
type errored struct {
	charge
	attempts int
}

// Flusher batches per-group charges and debits them against a BalanceStore
// on an interval/size/value trigger, or on an explicit Flush call (the admin
// POST /api/batch-spending/flush endpoint). All state is owned by a single
// worker goroutine reading off the charges channel; callers never touch the
// pending map directly.
type Flusher struct {
	balance store.BalanceStore

	charges  chan charge
	flushNow chan chan struct{}

	mu      sync.Mutex
	pending map[string]decimal.Decimal
	seen    map[string]bool
	count   int
	value   decimal.Decimal

	errorQueue []errored
}

// NewFlusher constructs a Flusher over balance. Call Run in its own
// goroutine to start the worker.
func NewFlusher(balance store.BalanceStore) *Flusher {
	return &Flusher{
		balance:  balance,
		charges:  make(chan charge, 1024),
		flushNow: make(chan chan struct{}),
		pending:  make(map[string]decimal.Decimal),
		seen:     make(map[string]bool),
		value:    decimal.Zero,
	}
}

// Charge enqueues amount to be debited from groupID's balance. requestID
// makes the charge idempotent: a duplicate requestID queued before the next
// flush is dropped rather than double-charged.
func (f *Flusher) Charge(groupID string, amount decimal.Decimal, requestID string) {
	f.charges <- charge{groupID: groupID, amount: amount, requestID: requestID}
}

// Flush forces an immediate flush of all pending charges and blocks until it
// completes.
func (f *Flusher) Flush() {
	done := make(chan struct{})
	f.flushNow <- done
	<-done
}

// Run drives the Flusher's worker loop until ctx is cancelled. It must run
// in exactly one goroutine.
func (f *Flusher) Run(ctx context.Context) {
	interval := config.BillingFlushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	retryTicker := time.NewTicker(interval)
	defer retryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.drain(context.Background())
			return
		case c := <-f.charges:
			f.accumulate(c)
			if f.shouldFlush() {
				f.drain(ctx)
			}
		case <-ticker.C:
			f.drain(ctx)
		case <-retryTicker.C:
			f.retryErrorQueue(ctx)
		case done := <-f.flushNow:
			f.drain(ctx)
			close(done)
		}
	}
}

func (f *Flusher) accumulate(c charge) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c.requestID != "" {
		if f.seen[c.requestID] {
			return
		}
		f.seen[c.requestID] = true
	}

	f.pending[c.groupID] = f.pending[c.groupID].Add(c.amount)
	f.count++
	f.value = f.value.Add(c.amount)
}

func (f *Flusher) shouldFlush() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	size := config.BillingFlushSize
	maxValue := decimal.NewFromFloat(config.BillingFlushMaxValueUSD)
	return (size > 0 && f.count >= size) || (maxValue.IsPositive() && f.value.GreaterThanOrEqual(maxValue))
}

func (f *Flusher) drain(ctx context.Context) {
	f.mu.Lock()
	batch := f.pending
	f.pending = make(map[string]decimal.Decimal)
	f.count = 0
	f.value = decimal.Zero
	f.seen = make(map[string]bool)
	f.mu.Unlock()

	for groupID, amount := range batch {
		if amount.IsZero() {
			continue
		}
		if _, err := f.balance.Debit(ctx, groupID, amount); err != nil {
			logger.Logger.Error("billing debit failed, queued for retry",
				zap.String("group_id", groupID), zap.String("amount", amount.String()), zap.Error(err))
			f.mu.Lock()
			f.errorQueue = append(f.errorQueue, errored{charge: charge{groupID: groupID, amount: amount}})
			f.mu.Unlock()
		}
	}
}

func (f *Flusher) retryErrorQueue(ctx context.Context) {
	f.mu.Lock()
	queue := f.errorQueue
	f.errorQueue = nil
	f.mu.Unlock()

	maxRetries := config.BillingErrorQueueMaxRetries
	var stillFailing []errored

	for _, e := range queue {
		if _, err := f.balance.Debit(ctx, e.groupID, e.amount); err != nil {
			e.attempts++
			if e.attempts >= maxRetries {
				logger.Logger.Error("billing charge abandoned after max retries",
					zap.String("group_id", e.groupID), zap.String("amount", e.amount.String()),
					zap.Int("attempts", e.attempts), zap.Error(err))
				continue
			}
			stillFailing = append(stillFailing, e)
		}
	}

	if len(stillFailing) > 0 {
		f.mu.Lock()
		f.errorQueue = append(f.errorQueue, stillFailing...)
		f.mu.Unlock()
	}
}
