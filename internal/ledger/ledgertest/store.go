// Package ledgertest содержит хранилище в памяти для тестов.
//
// Транзакции выполняются последовательно под одной блокировкой, при ошибке
// состояние откатывается к снимку, сделанному перед началом транзакции.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/starshop/internal/ledger"
	"github.com/mmeshcher/starshop/internal/model"
)

type state struct {
	products map[int64]model.Product
	codes    []model.Code
	orders   map[int64]model.Order
	users    map[int64]model.User
	logs     []model.SecurityLog
	settings map[string]string
	nextID   int64
}

func (s *state) clone() state {
	c := state{
		products: maps.Clone(s.products),
		codes:    slices.Clone(s.codes),
		orders:   maps.Clone(s.orders),
		users:    maps.Clone(s.users),
		logs:     slices.Clone(s.logs),
		settings: maps.Clone(s.settings),
		nextID:   s.nextID,
	}
	return c
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

// Store хранилище в памяти, реализующее ledger.Store.
type Store struct {
	mu sync.Mutex
	st state

	// TxErr, если задан, возвращается из InTx без выполнения транзакции.
	TxErr error
	// Now источник времени для записей.
	Now func() time.Time
}

var _ ledger.Store = (*Store)(nil)

// New создаёт пустое хранилище с настройками по умолчанию.
func New() *Store {
	return &Store{
		st: state{
			products: map[int64]model.Product{},
			orders:   map[int64]model.Order{},
			users:    map[int64]model.User{},
			settings: map[string]string{"referral_reward": "10"},
		},
		Now: time.Now,
	}
}

// InTx выполняет fn под блокировкой хранилища.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.TxErr != nil {
		return s.TxErr
	}

	snapshot := s.st.clone()
	if err := fn(ctx, &memTx{s: s}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// Close ничего не делает.
func (s *Store) Close() error { return nil }

// PutProduct добавляет товар и возвращает его идентификатор.
func (s *Store) PutProduct(p model.Product) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == 0 {
		p.ID = s.st.id()
	}
	if !p.IsLimited && p.Stock == 0 {
		p.Stock = model.UnlimitedStock
	}
	p.CreatedAt = s.Now()
	p.UpdatedAt = p.CreatedAt
	s.st.products[p.ID] = p
	return p.ID
}

// PutUser добавляет пользователя.
func (s *Store) PutUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ReferralCode == "" {
		u.ReferralCode = fmt.Sprintf("REF%d", u.ID)
	}
	u.JoinedAt = s.Now()
	u.LastActivity = u.JoinedAt
	s.st.users[u.ID] = u
}

// PutCodes добавляет свободные коды товара без изменения остатка.
func (s *Store) PutCodes(productID int64, values ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range values {
		s.st.codes = append(s.st.codes, model.Code{ID: s.st.id(), ProductID: productID, Value: v, CreatedAt: s.Now()})
	}
}

// SetSetting задаёт настройку магазина.
func (s *Store) SetSetting(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.settings[key] = value
}

// Product возвращает текущее состояние товара.
func (s *Store) Product(id int64) model.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.products[id]
}

// User возвращает текущее состояние пользователя.
func (s *Store) User(id int64) (model.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.st.users[id]
	return u, ok
}

// Orders возвращает все заказы в порядке создания.
func (s *Store) Orders() []model.Order {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := slices.Collect(maps.Values(s.st.orders))
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Codes возвращает коды товара.
func (s *Store) Codes(productID int64) []model.Code {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []model.Code
	for _, c := range s.st.codes {
		if c.ProductID == productID {
			res = append(res, c)
		}
	}
	return res
}

// Logs возвращает журнал безопасности.
func (s *Store) Logs() []model.SecurityLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.st.logs)
}

// GetProduct возвращает товар.
func (s *Store) GetProduct(_ context.Context, id int64) (*model.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.st.products[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &p, nil
}

// GetUser возвращает пользователя.
func (s *Store) GetUser(_ context.Context, id int64) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getUser(id)
}

// GetOrder возвращает заказ.
func (s *Store) GetOrder(_ context.Context, id int64) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.st.orders[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &o, nil
}

// GetOrderByChargeID возвращает заказ по идентификатору платежа.
func (s *Store) GetOrderByChargeID(_ context.Context, chargeID string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.st.orders {
		if o.ChargeID == chargeID {
			return &o, nil
		}
	}
	return nil, ledger.ErrNotFound
}

// ListOrders возвращает заказы по фильтру, новые первыми.
func (s *Store) ListOrders(_ context.Context, f model.OrderFilter) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []model.Order
	for _, o := range s.st.orders {
		if f.UserID != 0 && o.UserID != f.UserID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.DeliveryStatus != "" && o.DeliveryStatus != f.DeliveryStatus {
			continue
		}
		res = append(res, o)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID > res[j].ID })
	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}

// ListPendingDeliveries возвращает ожидающие отправки заказы файлов и изображений.
func (s *Store) ListPendingDeliveries(_ context.Context, createdBefore time.Time, maxAttempts, limit int) ([]model.PendingDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []model.PendingDelivery
	for _, o := range s.st.orders {
		p := s.st.products[o.ProductID]
		if o.Status != model.OrderStatusCompleted || o.DeliveryStatus != model.DeliveryStatusPending {
			continue
		}
		if o.DeliveryAttempts >= maxAttempts || !o.CreatedAt.Before(createdBefore) {
			continue
		}
		if !p.AutoDelivery || (p.Type != model.ProductTypeFile && p.Type != model.ProductTypeImage) {
			continue
		}
		res = append(res, model.PendingDelivery{Order: o, Product: p})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Order.ID < res[j].Order.ID })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// ListSecurityLogs возвращает записи журнала, новые первыми.
func (s *Store) ListSecurityLogs(_ context.Context, f model.SecurityLogFilter) ([]model.SecurityLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []model.SecurityLog
	for i := len(s.st.logs) - 1; i >= 0; i-- {
		l := s.st.logs[i]
		if f.Type != "" && l.Type != f.Type {
			continue
		}
		if f.Severity != "" && l.Severity != f.Severity {
			continue
		}
		res = append(res, l)
		if f.Limit > 0 && len(res) == f.Limit {
			break
		}
	}
	return res, nil
}

// CountUnusedCodes возвращает число свободных кодов.
func (s *Store) CountUnusedCodes(_ context.Context, productID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, c := range s.st.codes {
		if c.ProductID == productID && !c.IsUsed {
			n++
		}
	}
	return n, nil
}

// SalesStats считает статистику по завершённым заказам.
func (s *Store) SalesStats(_ context.Context, now time.Time) (*model.SalesStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now = now.UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	st := &model.SalesStats{TotalUsers: int64(len(s.st.users))}
	for _, u := range s.st.users {
		if !u.JoinedAt.Before(dayStart) {
			st.NewUsersToday++
		}
	}
	for _, o := range s.st.orders {
		if o.DeliveryStatus == model.DeliveryStatusFailed {
			st.DeferredOrders++
		}
		if o.Status != model.OrderStatusCompleted {
			continue
		}
		st.TotalRevenue += o.Price
		if !o.CreatedAt.Before(dayStart) {
			st.OrdersToday++
			st.RevenueToday += o.Price
		}
		if !o.CreatedAt.Before(monthStart) {
			st.OrdersMonth++
			st.RevenueMonth += o.Price
		}
	}
	for _, p := range s.st.products {
		if p.SoldCount > 0 {
			st.TopProducts = append(st.TopProducts, model.TopProduct{ID: p.ID, Name: p.Name, SoldCount: p.SoldCount})
		}
	}
	sort.Slice(st.TopProducts, func(i, j int) bool {
		if st.TopProducts[i].SoldCount != st.TopProducts[j].SoldCount {
			return st.TopProducts[i].SoldCount > st.TopProducts[j].SoldCount
		}
		return st.TopProducts[i].ID < st.TopProducts[j].ID
	})
	if len(st.TopProducts) > 5 {
		st.TopProducts = st.TopProducts[:5]
	}
	return st, nil
}

// AppendSecurityLog добавляет запись журнала.
func (s *Store) AppendSecurityLog(_ context.Context, entry model.SecurityLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.appendLog(entry, s.Now())
	return nil
}

// MarkDelivered фиксирует выдачу заказа.
func (s *Store) MarkDelivered(_ context.Context, orderID int64, content string, credit int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.st.orders[orderID]
	if !ok {
		return false, ledger.ErrNotFound
	}
	if o.DeliveryStatus == model.DeliveryStatusDelivered {
		return false, nil
	}
	if o.Status != model.OrderStatusCompleted && o.Status != model.OrderStatusFailed {
		return false, nil
	}
	u := s.st.users[o.UserID]
	if o.Status == model.OrderStatusFailed {
		u.TotalSpent += o.Price
		u.TotalPurchases++
	}
	if credit > 0 {
		u.Balance += credit
	}
	s.st.users[o.UserID] = u
	o.Status = model.OrderStatusCompleted
	o.DeliveryStatus = model.DeliveryStatusDelivered
	o.DeliveredContent = &content
	if o.CompletedAt == nil {
		now := s.Now()
		o.CompletedAt = &now
	}
	s.st.orders[orderID] = o
	return true, nil
}

// RecordDeliveryFailure учитывает неудачную попытку отправки.
func (s *Store) RecordDeliveryFailure(_ context.Context, orderID int64, maxAttempts int) (model.DeliveryStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.st.orders[orderID]
	if !ok {
		return "", ledger.ErrNotFound
	}
	if o.DeliveryStatus != model.DeliveryStatusPending {
		return o.DeliveryStatus, nil
	}
	o.DeliveryAttempts++
	if o.DeliveryAttempts >= maxAttempts {
		o.DeliveryStatus = model.DeliveryStatusFailed
	}
	s.st.orders[orderID] = o
	return o.DeliveryStatus, nil
}

// CreateProduct создаёт товар.
func (s *Store) CreateProduct(_ context.Context, np model.NewProduct) (*model.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stock := np.Stock
	if !np.IsLimited {
		stock = model.UnlimitedStock
	}
	p := model.Product{
		ID:                 s.st.id(),
		Name:               np.Name,
		Description:        np.Description,
		PriceStars:         np.PriceStars,
		Type:               np.Type,
		Content:            np.Content,
		Stock:              stock,
		IsLimited:          np.IsLimited,
		IsActive:           true,
		AutoDelivery:       np.AutoDelivery,
		DiscountPercentage: np.DiscountPercentage,
		CreatedAt:          s.Now(),
	}
	p.UpdatedAt = p.CreatedAt
	s.st.products[p.ID] = p
	return &p, nil
}

// AddCodes добавляет коды и увеличивает остаток лимитированного товара.
func (s *Store) AddCodes(_ context.Context, productID int64, codes []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.st.products[productID]
	if !ok {
		return 0, ledger.ErrNotFound
	}
	for _, v := range codes {
		s.st.codes = append(s.st.codes, model.Code{ID: s.st.id(), ProductID: productID, Value: v, CreatedAt: s.Now()})
	}
	if p.IsLimited {
		p.Stock += int64(len(codes))
		s.st.products[productID] = p
	}
	return int64(len(codes)), nil
}

func (s *state) getUser(id int64) (*model.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &u, nil
}

func (s *state) appendLog(entry model.SecurityLog, now time.Time) {
	entry.ID = s.id()
	entry.CreatedAt = now
	s.logs = append(s.logs, entry)
}

// memTx операции транзакции над состоянием, блокировка уже захвачена InTx.
type memTx struct {
	s *Store
}

func (t *memTx) ClaimCharge(_ context.Context, c model.OrderClaim) (int64, bool, error) {
	st := &t.s.st
	if _, ok := st.users[c.UserID]; !ok {
		return 0, false, fmt.Errorf("insert order: user %d does not exist", c.UserID)
	}
	if _, ok := st.products[c.ProductID]; !ok {
		return 0, false, fmt.Errorf("insert order: product %d does not exist", c.ProductID)
	}

	payloadTaken := false
	for _, o := range st.orders {
		if o.ChargeID == c.ChargeID {
			return o.ID, false, nil
		}
		if o.PaymentID == c.PaymentID {
			payloadTaken = true
		}
	}
	if payloadTaken {
		return 0, false, ledger.ErrPayloadReused
	}

	o := model.Order{
		ID:             st.id(),
		UserID:         c.UserID,
		ProductID:      c.ProductID,
		PaymentID:      c.PaymentID,
		ChargeID:       c.ChargeID,
		Price:          c.Price,
		Status:         model.OrderStatusPending,
		DeliveryStatus: model.DeliveryStatusPending,
		CreatedAt:      t.s.Now(),
		ProductName:    st.products[c.ProductID].Name,
	}
	st.orders[o.ID] = o
	return o.ID, true, nil
}

func (t *memTx) ReserveStock(_ context.Context, productID int64) (*model.Product, bool, error) {
	st := &t.s.st
	p, ok := st.products[productID]
	if !ok || (p.IsLimited && p.Stock <= 0) {
		return nil, false, nil
	}
	if p.IsLimited {
		p.Stock--
	}
	p.SoldCount++
	p.UpdatedAt = t.s.Now()
	st.products[productID] = p
	return &p, true, nil
}

func (t *memTx) ClaimCode(_ context.Context, productID, userID int64) (*model.Code, error) {
	st := &t.s.st
	for i, c := range st.codes {
		if c.ProductID != productID || c.IsUsed {
			continue
		}
		now := t.s.Now()
		uid := userID
		c.IsUsed = true
		c.UsedBy = &uid
		c.UsedAt = &now
		st.codes[i] = c
		return &c, nil
	}
	return nil, ledger.ErrNotFound
}

func (t *memTx) SettleOrder(_ context.Context, orderID int64, s model.Settlement) (*model.Order, error) {
	st := &t.s.st
	o, ok := st.orders[orderID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	o.Status = s.Status
	o.DeliveryStatus = s.DeliveryStatus
	o.DeliveredContent = s.DeliveredContent
	if s.Status == model.OrderStatusCompleted {
		now := t.s.Now()
		o.CompletedAt = &now
	}
	st.orders[orderID] = o
	return &o, nil
}

func (t *memTx) ApplyPurchase(_ context.Context, userID, amount int64) error {
	st := &t.s.st
	u, ok := st.users[userID]
	if !ok {
		return ledger.ErrNotFound
	}
	u.TotalSpent += amount
	u.TotalPurchases++
	st.users[userID] = u
	return nil
}

func (t *memTx) CreditBalance(_ context.Context, userID, amount int64) error {
	st := &t.s.st
	u, ok := st.users[userID]
	if !ok {
		return ledger.ErrNotFound
	}
	u.Balance += amount
	st.users[userID] = u
	return nil
}

func (t *memTx) AppendSecurityLog(_ context.Context, entry model.SecurityLog) error {
	t.s.st.appendLog(entry, t.s.Now())
	return nil
}

func (t *memTx) InsertUser(_ context.Context, nu model.NewUser) (bool, error) {
	st := &t.s.st
	if _, ok := st.users[nu.ID]; ok {
		return false, nil
	}
	for _, u := range st.users {
		if u.ReferralCode == nu.ReferralCode {
			return false, nil
		}
	}
	if nu.ReferredBy != nil {
		if _, ok := st.users[*nu.ReferredBy]; !ok {
			return false, errors.New("insert user: referrer does not exist")
		}
	}
	now := t.s.Now()
	st.users[nu.ID] = model.User{
		ID:           nu.ID,
		Username:     nu.Username,
		FirstName:    nu.FirstName,
		ReferralCode: nu.ReferralCode,
		ReferredBy:   nu.ReferredBy,
		JoinedAt:     now,
		LastActivity: now,
	}
	return true, nil
}

func (t *memTx) TouchUser(_ context.Context, p model.UserProfile) error {
	st := &t.s.st
	u, ok := st.users[p.ID]
	if !ok {
		return nil
	}
	if p.Username != "" {
		u.Username = p.Username
	}
	if p.FirstName != "" {
		u.FirstName = p.FirstName
	}
	u.LastActivity = t.s.Now()
	st.users[p.ID] = u
	return nil
}

func (t *memTx) GetUser(_ context.Context, id int64) (*model.User, error) {
	return t.s.st.getUser(id)
}

func (t *memTx) UserIDByReferralCode(_ context.Context, code string) (int64, error) {
	for _, u := range t.s.st.users {
		if u.ReferralCode == code {
			return u.ID, nil
		}
	}
	return 0, ledger.ErrNotFound
}

func (t *memTx) GetSetting(_ context.Context, key string) (string, error) {
	v, ok := t.s.st.settings[key]
	if !ok {
		return "", ledger.ErrNotFound
	}
	return v, nil
}
