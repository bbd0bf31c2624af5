package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"paygate/internal/domain/order"
	"paygate/internal/domain/payment"
	"paygate/internal/store/repositories"
)

// Store is an in-process implementation of the repositories. Transactions
// are serialized and stage their writes until Commit.
type Store struct {
	mu       sync.RWMutex
	txMu     sync.Mutex
	payments map[int64]*payment.Payment
	orders   map[int64]*order.Order
	nextID   int64
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		payments: make(map[int64]*payment.Payment),
		orders:   make(map[int64]*order.Order),
	}
}

// PutOrder seeds or replaces an order.
func (s *Store) PutOrder(o order.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = cloneOrder(&o)
}

func (s *Store) Payments() repositories.PaymentRepository { return &paymentRepo{s: s} }

func (s *Store) Orders() repositories.OrderRepository { return &orderRepo{s: s} }

// Begin starts a serialized transaction
func (s *Store) Begin(ctx context.Context) (repositories.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.txMu.Lock()
	return &transaction{
		s:        s,
		payments: make(map[int64]*payment.Payment),
		orders:   make(map[int64]*order.Order),
	}, nil
}

// ---- payments (non-transactional) ----

type paymentRepo struct {
	s  *Store
	tx *transaction
}

func (r *paymentRepo) Create(ctx context.Context, p *payment.Payment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.txIDTaken(p.Method, p.TransactionID, 0, r.tx) {
		return repositories.ErrDuplicateTransaction
	}
	r.s.nextID++
	p.ID = r.s.nextID
	if r.tx != nil {
		r.tx.payments[p.ID] = clonePayment(p)
		return nil
	}
	r.s.payments[p.ID] = clonePayment(p)
	return nil
}

func (r *paymentRepo) get(id int64) (*payment.Payment, bool) {
	if r.tx != nil {
		if p, ok := r.tx.payments[id]; ok {
			return p, true
		}
	}
	p, ok := r.s.payments[id]
	return p, ok
}

func (r *paymentRepo) all() []*payment.Payment {
	out := make([]*payment.Payment, 0, len(r.s.payments))
	seen := make(map[int64]bool)
	if r.tx != nil {
		for id, p := range r.tx.payments {
			seen[id] = true
			out = append(out, p)
		}
	}
	for id, p := range r.s.payments {
		if !seen[id] {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *paymentRepo) FindByID(ctx context.Context, id int64) (*payment.Payment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, ok := r.get(id)
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return clonePayment(p), nil
}

func (r *paymentRepo) FindForUpdate(ctx context.Context, id int64) (*payment.Payment, error) {
	return r.FindByID(ctx, id)
}

func (r *paymentRepo) FindByTransactionID(ctx context.Context, method payment.Method, transactionID string) (*payment.Payment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, p := range r.all() {
		if p.Method == method && p.TransactionID == transactionID {
			return clonePayment(p), nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (r *paymentRepo) FindByOrderID(ctx context.Context, orderID int64) ([]*payment.Payment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*payment.Payment
	for _, p := range r.all() {
		if p.OrderID == orderID {
			out = append(out, clonePayment(p))
		}
	}
	return out, nil
}

func (r *paymentRepo) UpdateStatus(ctx context.Context, p *payment.Payment, from payment.Status) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.get(p.ID)
	if !ok {
		return repositories.ErrNotFound
	}
	if cur.Status != from {
		return repositories.ErrStaleStatus
	}
	return r.write(cur, p, true)
}

func (r *paymentRepo) AppendEvents(ctx context.Context, p *payment.Payment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.get(p.ID)
	if !ok {
		return repositories.ErrNotFound
	}
	return r.write(cur, p, false)
}

// write stores p over cur keeping the stored log prefix and amount.
func (r *paymentRepo) write(cur, p *payment.Payment, withStatus bool) error {
	if p.TransactionID != cur.TransactionID && r.s.txIDTaken(p.Method, p.TransactionID, p.ID, r.tx) {
		return repositories.ErrDuplicateTransaction
	}
	next := clonePayment(cur)
	next.TransactionID = p.TransactionID
	if len(p.Log) > len(cur.Log) {
		next.Log = append(next.Log, cloneEvents(p.Log[len(cur.Log):])...)
	}
	if next.ProviderCreatedAt == nil {
		next.ProviderCreatedAt = cloneTime(p.ProviderCreatedAt)
	}
	if withStatus {
		next.Status = p.Status
		next.ProviderCreatedAt = cloneTime(p.ProviderCreatedAt)
		next.PerformedAt = cloneTime(p.PerformedAt)
		next.CancelledAt = cloneTime(p.CancelledAt)
		if p.CancelReason != nil {
			reason := *p.CancelReason
			next.CancelReason = &reason
		}
		next.RefundedAmount = p.RefundedAmount
	}
	next.UpdatedAt = time.Now().UTC()
	p.UpdatedAt = next.UpdatedAt
	if r.tx != nil {
		r.tx.payments[p.ID] = next
	} else {
		r.s.payments[p.ID] = next
	}
	return nil
}

func (r *paymentRepo) ListByStatus(ctx context.Context, method payment.Method, status payment.Status, olderThan time.Time, limit int) ([]*payment.Payment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*payment.Payment
	for _, p := range r.all() {
		if p.Method == method && p.Status == status && p.CreatedAt.Before(olderThan) {
			out = append(out, clonePayment(p))
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *paymentRepo) ListByProviderTime(ctx context.Context, method payment.Method, from, to time.Time, statuses []payment.Status) ([]*payment.Payment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*payment.Payment
	for _, p := range r.all() {
		if p.Method != method || p.ProviderCreatedAt == nil {
			continue
		}
		t := *p.ProviderCreatedAt
		if t.Before(from) || t.After(to) || !containsStatus(statuses, p.Status) {
			continue
		}
		out = append(out, clonePayment(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderCreatedAt.Before(*out[j].ProviderCreatedAt) })
	return out, nil
}

// txIDTaken must be called with s.mu held.
func (s *Store) txIDTaken(method payment.Method, txID string, exceptID int64, tx *transaction) bool {
	check := func(p *payment.Payment) bool {
		return p.ID != exceptID && p.Method == method && p.TransactionID == txID
	}
	if tx != nil {
		for _, p := range tx.payments {
			if check(p) {
				return true
			}
		}
	}
	for id, p := range s.payments {
		if tx != nil {
			if _, staged := tx.payments[id]; staged {
				continue
			}
		}
		if check(p) {
			return true
		}
	}
	return false
}

// ---- orders ----

type orderRepo struct {
	s  *Store
	tx *transaction
}

func (r *orderRepo) FindByID(ctx context.Context, id int64) (*order.Order, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if r.tx != nil {
		if o, ok := r.tx.orders[id]; ok {
			return cloneOrder(o), nil
		}
	}
	o, ok := r.s.orders[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (r *orderRepo) FindForUpdate(ctx context.Context, id int64) (*order.Order, error) {
	return r.FindByID(ctx, id)
}

func (r *orderRepo) UpdatePaymentState(ctx context.Context, o *order.Order) error {
	cur, err := r.FindByID(ctx, o.ID)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur.PaymentStatus = o.PaymentStatus
	cur.Status = o.Status
	cur.PaidAt = cloneTime(o.PaidAt)
	cur.Version++
	cur.UpdatedAt = time.Now().UTC()
	o.Version = cur.Version
	o.UpdatedAt = cur.UpdatedAt
	if r.tx != nil {
		r.tx.orders[o.ID] = cur
	} else {
		r.s.orders[o.ID] = cur
	}
	return nil
}

// ---- transaction ----

type transaction struct {
	s        *Store
	payments map[int64]*payment.Payment
	orders   map[int64]*order.Order
	done     bool
}

func (t *transaction) PaymentRepository() repositories.PaymentRepository {
	return &paymentRepo{s: t.s, tx: t}
}

func (t *transaction) OrderRepository() repositories.OrderRepository {
	return &orderRepo{s: t.s, tx: t}
}

func (t *transaction) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.s.mu.Lock()
	for id, p := range t.payments {
		t.s.payments[id] = p
	}
	for id, o := range t.orders {
		t.s.orders[id] = o
	}
	t.s.mu.Unlock()
	t.finish()
	return nil
}

func (t *transaction) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

func (t *transaction) finish() {
	t.done = true
	t.s.txMu.Unlock()
}

func containsStatus(list []payment.Status, s payment.Status) bool {
	if len(list) == 0 {
		return true
	}
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
