package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/starshop/internal/model"
)

func TestConfirmPayment_TextDelivered(t *testing.T) {
	f := newFixture(t)
	pid := f.store.PutProduct(model.Product{
		Name:         "Guide",
		PriceStars:   50,
		Type:         model.ProductTypeText,
		Content:      "https://example.org/guide",
		IsActive:     true,
		AutoDelivery: true,
	})

	res := f.confirm(t, pid, 1, 50, "charge-1")

	assert.Equal(t, model.StateDelivered, res.State)
	require.NotNil(t, res.Order)
	assert.Equal(t, model.OrderStatusCompleted, res.Order.Status)
	assert.Equal(t, model.DeliveryStatusDelivered, res.Order.DeliveryStatus)
	require.NotNil(t, res.Order.DeliveredContent)
	assert.Equal(t, "https://example.org/guide", *res.Order.DeliveredContent)

	u, ok := f.store.User(1)
	require.True(t, ok)
	assert.Equal(t, int64(50), u.TotalSpent)
	assert.Equal(t, int64(1), u.TotalPurchases)
	assert.Equal(t, int64(1), f.store.Product(pid).SoldCount)
	assert.Equal(t, model.UnlimitedStock, f.store.Product(pid).Stock)

	deliveries := f.notifier.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, "https://example.org/guide", deliveries[0].Content)
	assert.False(t, deliveries[0].Deferred)

	require.Len(t, f.events.events, 1)
	assert.Equal(t, "charge-1", f.events.events[0].ChargeID)
	assert.True(t, hasLog(f.store.Logs(), "purchase_completed", model.SeverityInfo))
}

func TestConfirmPayment_NoOversell(t *testing.T) {
	f := newFixture(t)
	pid := f.store.PutProduct(model.Product{
		Name:         "Limited",
		PriceStars:   10,
		Type:         model.ProductTypeText,
		Content:      "x",
		IsActive:     true,
		IsLimited:    true,
		Stock:        3,
		AutoDelivery: true,
	})

	const buyers = 10
	results := make([]*model.FulfillmentResult, buyers)
	var wg sync.WaitGroup
	for i := range buyers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payer := int64(100 + i)
			res, err := f.svc.ConfirmPayment(context.Background(), model.PaymentConfirmation{
				Payload:  encodePayload(pid, payer, time.Now()),
				ChargeID: fmt.Sprintf("charge-%d", i),
				PayerID:  payer,
				Amount:   10,
			})
			if err == nil {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	delivered, exhausted := 0, 0
	for _, res := range results {
		require.NotNil(t, res)
		switch {
		case res.State == model.StateDelivered:
			delivered++
		case res.State == model.StateDeliveryDeferred && res.Exhausted:
			exhausted++
		}
	}
	assert.Equal(t, 3, delivered)
	assert.Equal(t, buyers-3, exhausted)

	p := f.store.Product(pid)
	assert.Equal(t, int64(0), p.Stock)
	assert.Equal(t, int64(3), p.SoldCount)

	completed := 0
	for _, o := range f.store.Orders() {
		if o.Status == model.OrderStatusCompleted {
			completed++
		} else {
			assert.Equal(t, model.OrderStatusFailed, o.Status)
			assert.Equal(t, model.DeliveryStatusFailed, o.DeliveryStatus)
		}
	}
	assert.Equal(t, 3, completed)
	assert.Len(t, f.store.Orders(), buyers, "every captured payment must leave an order")
}

func TestConfirmPayment_BalanceRace(t *testing.T) {
	f := newFixture(t)
	pid := f.store.PutProduct(model.Product{
		Name:         "Top-up",
		PriceStars:   100,
		Type:         model.ProductTypeBalance,
		Content:      "50",
		IsActive:     true,
		IsLimited:    true,
		Stock:        1,
		AutoDelivery: true,
	})

	payers := []int64{1, 2}
	results := make([]*model.FulfillmentResult, len(payers))
	var wg sync.WaitGroup
	for i, payer := range payers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.ConfirmPayment(context.Background(), model.PaymentConfirmation{
				Payload:  encodePayload(pid, payer, time.Now()),
				ChargeID: fmt.Sprintf("charge-%d", payer),
				PayerID:  payer,
				Amount:   100,
			})
			if err == nil {
				results[i] = res
			}
		}()
	}
	wg.Wait()

	var winner, loser int64
	for i, res := range results {
		require.NotNil(t, res)
		if res.State == model.StateDelivered {
			winner = payers[i]
			require.NotNil(t, res.Order.DeliveredContent)
			assert.Equal(t, "50", *res.Order.DeliveredContent)
		} else {
			loser = payers[i]
			assert.True(t, res.Exhausted)
		}
	}
	require.NotZero(t, winner)
	require.NotZero(t, loser)

	w, _ := f.store.User(winner)
	l, _ := f.store.User(loser)
	assert.Equal(t, int64(50), w.Balance)
	assert.Equal(t, int64(0), l.Balance)
	assert.Equal(t, int64(0), l.TotalPurchases)
	assert.Equal(t, int64(0), l.TotalSpent)
}

func TestConfirmPayment_ReplayIsIgnored(t *testing.T) {
	f := newFixture(t)
	pid := f.store.PutProduct(model.Product{
		Name:         "Key",
		PriceStars:   10,
		Type:         model.ProductTypeText,
		Content:      "x",
		IsActive:     true,
		IsLimited:    true,
		Stock:        5,
		AutoDelivery: true,
	})

	c := model.PaymentConfirmation{
		Payload:  encodePayload(pid, 1, time.Now()),
		ChargeID: "charge-replay",
		PayerID:  1,
		Amount:   10,
	}
	first, err := f.svc.ConfirmPayment(context.Background(), c)
	require.NoError(t, err)
	second, err := f.svc.ConfirmPayment(context.Background(), c)
	require.NoError(t, err)

	assert.Equal(t, model.StateDelivered, first.State)
	assert.Equal(t, model.StateDuplicateIgnored, second.State)
	require.NotNil(t, second.Order)
	assert.Equal(t, first.Order.ID, second.Order.ID)

	assert.Len(t, f.store.Orders(), 1)
	assert.Equal(t, int64(4), f.store.Product(pid).Stock)
	u, _ := f.store.User(1)
	assert.Equal(t, int64(1), u.TotalPurchases)
	assert.Len(t, f.notifier.Deliveries(), 1)
}

func TestConfirmPayment_ConcurrentReplay(t *testing.T) {
	f := newFixture(t)
	pid := f.store.PutProduct(model.Product{
		Name:         "Key",
		PriceStars:   10,
		Type:         model.ProductTypeText,
		Content:      "x",
		IsActive:     true,
		IsLimited:    true,
		Stock:        5,
		AutoDelivery: true,
	})
	c := model.PaymentConfirmation{
		Payload:  encodePayload(pid, 1, time.Now()),
		ChargeID: "charge-same",
		PayerID:  1,
		Amount:   10,
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[model.FulfillmentState]int{}
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.ConfirmPayment(context.Background(), c)
			if err != nil {
				return
			}
			mu.Lock()
			outcomes[res.State]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[model.StateDelivered])
	assert.Equal(t, 4, outcomes[model.StateDuplicateIgnored])
	assert.Len(t, f.store.Orders(), 1)
	assert.Equal(t, int64(4), f.store.Product(pid).Stock)
}

func TestConfirmPayment_PayloadReused(t *testing.T) {
	f := newFixture(t)
	pid := f.store.PutProduct(model.Product{Name: "Key", PriceStars: 10, Type: model.ProductTypeText, Content: "x", IsActive: true, AutoDelivery: true})

	payload := encodePayload(pid, 1, time.Now())
	_, err := f.svc.ConfirmPayment(context.Background(), model.PaymentConfirmation{Payload: payload, ChargeID: "a", PayerID: 1, Amount: 10})
	require.NoError(t, err)

	res, err := f.svc.ConfirmPayment(context.Background(), model.PaymentConfirmation{Payload: payload, ChargeID: "b", PayerID: 1, Amount: 10})
	require.NoError(t, err)

	assert.Equal(t, model.StateRejectedAfterCharge, res.State)
	assert.Equal(t, model.RejectPayloadReused, res.Reason)
	assert.Len(t, f.store.Orders(), 1)
	assert.True(t, hasLog(f.store.Logs(), "payload_reused", model.SeverityCritical))
	assert.NotEmpty(t, f.notifier.Alerts())
}

func TestConfirmPayment_RejectedAfterCharge(t *testing.T) {
	f := newFixture(t)
	pid := f.store.PutProduct(model.Product{
		Name:         "Key",
		PriceStars:   100,
		Type:         model.ProductTypeText,
		Content:      "x",
		IsActive:     true,
		IsLimited:    true,
		Stock:        1,
		AutoDelivery: true,
	})
	discounted := f.store.PutProduct(model.Product{
		Name:               "Discounted",
		PriceStars:         99,
		DiscountPercentage: 15,
		Type:               model.ProductTypeText,
		Content:            "x",
		IsActive:           true,
		AutoDelivery:       true,
	})

	tests := []struct {
		name   string
		conf   model.PaymentConfirmation
		reason model.RejectReason
	}{
		{
			name:   "price mismatch",
			conf:   model.PaymentConfirmation{Payload: encodePayload(pid, 1, time.Now()), ChargeID: "p1", PayerID: 1, Amount: 50},
			reason: model.RejectPriceMismatch,
		},
		{
			name:   "amount 90 for price 100 without discount",
			conf:   model.PaymentConfirmation{Payload: encodePayload(pid, 1, time.Now()), ChargeID: "p5", PayerID: 1, Amount: 90},
			reason: model.RejectPriceMismatch,
		},
		{
			name:   "discounted price rounded up",
			conf:   model.PaymentConfirmation{Payload: encodePayload(discounted, 1, time.Now()), ChargeID: "p6", PayerID: 1, Amount: 85},
			reason: model.RejectPriceMismatch,
		},
		{
			name:   "identity mismatch",
			conf:   model.PaymentConfirmation{Payload: encodePayload(pid, 1, time.Now()), ChargeID: "p2", PayerID: 2, Amount: 100},
			reason: model.RejectIdentityMismatch,
		},
		{
			name:   "malformed payload",
			conf:   model.PaymentConfirmation{Payload: "1:2", ChargeID: "p3", PayerID: 1, Amount: 100},
			reason: model.RejectMalformedPayload,
		},
		{
			name:   "unknown product",
			conf:   model.PaymentConfirmation{Payload: encodePayload(777, 1, time.Now()), ChargeID: "p4", PayerID: 1, Amount: 100},
			reason: model.RejectUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.svc.ConfirmPayment(context.Background(), tt.conf)
			require.NoError(t, err)
			assert.Equal(t, model.StateRejectedAfterCharge, res.State)
			assert.Equal(t, tt.reason, res.Reason)
			assert.True(t, hasLog(f.store.Logs(), string(tt.reason), model.SeverityCritical))
		})
	}

	assert.Empty(t, f.store.Orders())
	assert.Equal(t, int64(1), f.store.Product(pid).Stock)
	assert.Len(t, f.notifier.Alerts(), len(tests))
}

func TestConfirmPayment_DiscountTruncated(t *testing.T) {
	f := newFixture(t)
	pid := f.store.PutProduct(model.Product{
		Name:               "Discounted",
		PriceStars:         99,
		DiscountPercentage: 15,
		Type:               model.ProductTypeText,
		Content:            "x",
		IsActive:           true,
		AutoDelivery:       true,
	})

	res := f.confirm(t, pid, 1, 84, "charge-truncated")
	assert.Equal(t, model.StateDelivered, res.State)
	require.NotNil(t, res.Order)
	assert.Equal(t, int64(84), res.Order.Price)
}

func TestConfirmPayment_IntentsAtSameInstant(t *testing.T) {
	f := newFixture(t)
	pid := f.store.PutProduct(model.Product{
		Name:         "Guide",
		PriceStars:   10,
		Type:         model.ProductTypeText,
		Content:      "x",
		IsActive:     true,
		AutoDelivery: true,
	})
	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return frozen }

	first, err := f.svc.CreatePurchaseIntent(context.Background(), pid, model.UserProfile{ID: 7})
	require.NoError(t, err)
	second, err := f.svc.CreatePurchaseIntent(context.Background(), pid, model.UserProfile{ID: 7})
	require.NoError(t, err)
	require.NotEqual(t, first.Payload, second.Payload)

	for i, inv := range []*model.Invoice{first, second} {
		res, err := f.svc.ConfirmPayment(context.Background(), model.PaymentConfirmation{
			Payload:  inv.Payload,
			ChargeID: fmt.Sprintf("same-instant-%d", i),
			PayerID:  7,
			Amount:   inv.Amount,
			Currency: model.StarsCurrency,
		})
		require.NoError(t, err)
		assert.Equal(t, model.StateDelivered, res.State)
	}

	assert.Len(t, f.store.Orders(), 2)
	u, _ := f.store.User(7)
	assert.Equal(t, int64(2), u.TotalPurchases)
}

func TestConfirmPayment_InactiveProductStillFulfilled(t *testing.T) {
	f := newFixture(t)
	pid := f.store.PutProduct(model.Product{
		Name:         "Retired",
		PriceStars:   10,
		Type:         model.ProductTypeText,
		Content:      "x",
		IsLimited:    true,
		Stock:        1,
		AutoDelivery: true,
	})

	res := f.confirm(t, pid, 1, 10, "charge-retired")
	assert.Equal(t, model.StateDelivered, res.State)
}

func TestConfirmPayment_CodeExclusivity(t *testing.T) {
	f := newFixture(t)
	pid := f.store.PutProduct(model.Product{
		Name:         "Game key",
		PriceStars:   30,
		Type:         model.ProductTypeCode,
		IsActive:     true,
		IsLimited:    true,
		Stock:        3,
		AutoDelivery: true,
	})
	f.store.PutCodes(pid, "AAA-111", "BBB-222")

	seen := map[string]bool{}
	for i := range 2 {
		res := f.confirm(t, pid, int64(i+1), 30, fmt.Sprintf("code-%d", i))
		require.Equal(t, model.StateDelivered, res.State)
		code := *res.Order.DeliveredContent
		assert.False(t, seen[code], "code %s delivered twice", code)
		seen[code] = true
	}
	assert.Len(t, seen, 2)

	// остаток есть, кодов нет: продажа состоялась, выдача отложена
	res := f.confirm(t, pid, 3, 30, "code-2")
	assert.Equal(t, model.StateDeliveryDeferred, res.State)
	assert.False(t, res.Exhausted)
	assert.Equal(t, model.OrderStatusCompleted, res.Order.Status)
	assert.Equal(t, model.DeliveryStatusFailed, res.Order.DeliveryStatus)
	assert.True(t, hasLog(f.store.Logs(), "delivery_deferred", model.SeverityHigh))

	res = f.confirm(t, pid, 4, 30, "code-3")
	assert.True(t, res.Exhausted)

	for _, c := range f.store.Codes(pid) {
		assert.True(t, c.IsUsed)
		require.NotNil(t, c.UsedBy)
	}
	deliveries := f.notifier.Deliveries()
	require.Len(t, deliveries, 4)
	assert.True(t, deliveries[2].Deferred)
	assert.True(t, deliveries[3].Deferred)
}

func TestConfirmPayment_ManualDelivery(t *testing.T) {
	f := newFixture(t)
	pid := f.store.PutProduct(model.Product{
		Name:       "Consultation",
		PriceStars: 500,
		Type:       model.ProductTypeText,
		IsActive:   true,
	})

	res := f.confirm(t, pid, 1, 500, "manual-1")

	assert.Equal(t, model.StateDeliveryDeferred, res.State)
	assert.Equal(t, model.OrderStatusCompleted, res.Order.Status)
	assert.Equal(t, model.DeliveryStatusPending, res.Order.DeliveryStatus)
	assert.Nil(t, res.Order.DeliveredContent)
	assert.Len(t, f.notifier.Alerts(), 1)

	u, _ := f.store.User(1)
	assert.Equal(t, int64(500), u.TotalSpent)
}

func TestConfirmPayment_InvalidBalanceContentDeferred(t *testing.T) {
	f := newFixture(t)
	pid := f.store.PutProduct(model.Product{
		Name:         "Broken top-up",
		PriceStars:   10,
		Type:         model.ProductTypeBalance,
		Content:      "lots",
		IsActive:     true,
		AutoDelivery: true,
	})

	res := f.confirm(t, pid, 1, 10, "bal-1")

	assert.Equal(t, model.StateDeliveryDeferred, res.State)
	assert.Equal(t, model.DeliveryStatusFailed, res.Order.DeliveryStatus)
	u, _ := f.store.User(1)
	assert.Equal(t, int64(0), u.Balance)
}

func TestConfirmPayment_FileDelivery(t *testing.T) {
	f := newFixture(t)
	pid := f.store.PutProduct(model.Product{
		Name:         "E-book",
		PriceStars:   20,
		Type:         model.ProductTypeFile,
		Content:      "BQACAgIAAxkBAAIB",
		IsActive:     true,
		AutoDelivery: true,
	})

	res := f.confirm(t, pid, 1, 20, "file-1")

	assert.Equal(t, model.StateDelivered, res.State)
	assert.Equal(t, model.DeliveryStatusDelivered, res.Order.DeliveryStatus)
	require.NotNil(t, res.Order.DeliveredContent)
	assert.Equal(t, "BQACAgIAAxkBAAIB", *res.Order.DeliveredContent)

	deliveries := f.notifier.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, model.ProductTypeFile, deliveries[0].Kind)
}

func TestConfirmPayment_FileDeliveryRetried(t *testing.T) {
	f := newFixture(t)
	pid := f.store.PutProduct(model.Product{
		Name:         "Wallpaper",
		PriceStars:   20,
		Type:         model.ProductTypeImage,
		Content:      "AgACAgIAAxkBAAIC",
		IsActive:     true,
		AutoDelivery: true,
	})

	f.notifier.setDeliveryErr(errors.New("telegram: too many requests"))
	res := f.confirm(t, pid, 1, 20, "img-1")

	assert.Equal(t, model.StateDeliveryDeferred, res.State)
	o := f.store.Orders()[0]
	assert.Equal(t, model.OrderStatusCompleted, o.Status)
	assert.Equal(t, model.DeliveryStatusPending, o.DeliveryStatus)
	assert.Equal(t, 1, o.DeliveryAttempts)

	f.notifier.setDeliveryErr(nil)
	f.svc.now = func() time.Time { return time.Now().Add(time.Hour) }

	n, err := f.svc.RedeliverPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	o = f.store.Orders()[0]
	assert.Equal(t, model.DeliveryStatusDelivered, o.DeliveryStatus)

	n, err = f.svc.RedeliverPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConfirmPayment_FileDeliveryGivesUp(t *testing.T) {
	f := newFixture(t)
	pid := f.store.PutProduct(model.Product{
		Name:         "Wallpaper",
		PriceStars:   20,
		Type:         model.ProductTypeImage,
		Content:      "AgACAgIAAxkBAAIC",
		IsActive:     true,
		AutoDelivery: true,
	})
	f.notifier.setDeliveryErr(errors.New("chat not found"))
	f.confirm(t, pid, 1, 20, "img-2")

	f.svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err := f.svc.RedeliverPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	o := f.store.Orders()[0]
	assert.Equal(t, 2, o.DeliveryAttempts)
	assert.Equal(t, model.DeliveryStatusFailed, o.DeliveryStatus)
	assert.True(t, hasLog(f.store.Logs(), "delivery_failed", model.SeverityHigh))
	assert.NotEmpty(t, f.notifier.Alerts())
}

func TestConfirmPayment_StorageUnavailable(t *testing.T) {
	f := newFixture(t)
	pid := f.store.PutProduct(model.Product{Name: "Key", PriceStars: 10, Type: model.ProductTypeText, Content: "x", IsActive: true, AutoDelivery: true})
	f.store.PutUser(model.User{ID: 1})
	f.store.TxErr = errors.New("connection refused")

	_, err := f.svc.ConfirmPayment(context.Background(), model.PaymentConfirmation{
		Payload:  encodePayload(pid, 1, time.Now()),
		ChargeID: "down-1",
		PayerID:  1,
		Amount:   10,
	})
	require.ErrorIs(t, err, ErrFulfillmentUnavailable)
	assert.Empty(t, f.store.Orders())

	// повтор с тем же идентификатором после восстановления хранилища
	f.store.TxErr = nil
	res := f.confirm(t, pid, 1, 10, "down-1")
	assert.Equal(t, model.StateDelivered, res.State)
	assert.Len(t, f.store.Orders(), 1)
}

func TestConfirmPayment_InvalidChargeID(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ConfirmPayment(context.Background(), model.PaymentConfirmation{Payload: "1:1:1", PayerID: 1, Amount: 1})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestResolveContent(t *testing.T) {
	tests := []struct {
		name      string
		alloc     allocation
		deferred  bool
		delivery  model.DeliveryStatus
		content   string
		credit    int64
		transport bool
	}{
		{
			name:     "text",
			alloc:    allocation{product: &model.Product{Type: model.ProductTypeText, Content: " hello ", AutoDelivery: true}},
			delivery: model.DeliveryStatusDelivered,
			content:  "hello",
		},
		{
			name:     "code",
			alloc:    allocation{product: &model.Product{Type: model.ProductTypeCode, AutoDelivery: true}, code: &model.Code{Value: "C-1"}},
			delivery: model.DeliveryStatusDelivered,
			content:  "C-1",
		},
		{
			name:     "code missing",
			alloc:    allocation{product: &model.Product{Type: model.ProductTypeCode, AutoDelivery: true}, codeMissing: true},
			deferred: true,
			delivery: model.DeliveryStatusFailed,
		},
		{
			name:     "balance",
			alloc:    allocation{product: &model.Product{Type: model.ProductTypeBalance, Content: "25", AutoDelivery: true}},
			delivery: model.DeliveryStatusDelivered,
			content:  "25",
			credit:   25,
		},
		{
			name:     "balance negative",
			alloc:    allocation{product: &model.Product{Type: model.ProductTypeBalance, Content: "-5", AutoDelivery: true}},
			deferred: true,
			delivery: model.DeliveryStatusFailed,
		},
		{
			name:      "file",
			alloc:     allocation{product: &model.Product{Type: model.ProductTypeFile, Content: "file-id", AutoDelivery: true}},
			delivery:  model.DeliveryStatusPending,
			content:   "file-id",
			transport: true,
		},
		{
			name:     "empty text",
			alloc:    allocation{product: &model.Product{Type: model.ProductTypeText, AutoDelivery: true}},
			deferred: true,
			delivery: model.DeliveryStatusFailed,
		},
		{
			name:     "manual",
			alloc:    allocation{product: &model.Product{Type: model.ProductTypeText, Content: "x"}},
			deferred: true,
			delivery: model.DeliveryStatusPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := resolveContent(tt.alloc)
			assert.Equal(t, tt.deferred, out.deferred)
			assert.Equal(t, tt.delivery, out.settlement.DeliveryStatus)
			assert.Equal(t, model.OrderStatusCompleted, out.settlement.Status)
			assert.Equal(t, tt.content, out.content)
			assert.Equal(t, tt.credit, out.credit)
			assert.Equal(t, tt.transport, out.awaitTransport)
		})
	}
}
