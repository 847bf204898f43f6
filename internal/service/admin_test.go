package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/starshop/internal/model"
)

func TestCreateProduct(t *testing.T) {
	f := newFixture(t)

	p, err := f.svc.CreateProduct(context.Background(), model.NewProduct{
		Name:         "  Keys  ",
		PriceStars:   40,
		Type:         model.ProductTypeCode,
		IsLimited:    true,
		AutoDelivery: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "Keys", p.Name)
	assert.True(t, p.IsActive)
	assert.Equal(t, int64(0), p.Stock)

	_, err = f.svc.CreateProduct(context.Background(), model.NewProduct{Name: "bad", PriceStars: 0, Type: model.ProductTypeText})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAddCodes(t *testing.T) {
	f := newFixture(t)
	codePid := f.store.PutProduct(model.Product{Name: "Keys", PriceStars: 10, Type: model.ProductTypeCode, IsLimited: true, IsActive: true, AutoDelivery: true})
	textPid := f.store.PutProduct(model.Product{Name: "Text", PriceStars: 10, Type: model.ProductTypeText, Content: "x", IsActive: true})

	n, err := f.svc.AddCodes(context.Background(), codePid, []string{" A-1 ", "B-2", ""})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, int64(2), f.store.Product(codePid).Stock)

	details, err := f.svc.GetProductDetails(context.Background(), codePid)
	require.NoError(t, err)
	assert.Equal(t, int64(2), details.UnusedCodes)

	_, err = f.svc.AddCodes(context.Background(), textPid, []string{"C-3"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.AddCodes(context.Background(), 999, []string{"C-3"})
	assert.ErrorIs(t, err, ErrProductUnavailable)

	_, err = f.svc.AddCodes(context.Background(), codePid, []string{"D", "D"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestGetProductDetails_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.GetProductDetails(context.Background(), 1)
	assert.ErrorIs(t, err, ErrProductUnavailable)
}

func TestResolveDelivery_ExhaustedOrder(t *testing.T) {
	f := newFixture(t)
	pid := f.store.PutProduct(model.Product{
		Name:         "Limited",
		PriceStars:   10,
		Type:         model.ProductTypeText,
		Content:      "x",
		IsActive:     true,
		IsLimited:    true,
		AutoDelivery: true,
	})
	res := f.confirm(t, pid, 1, 10, "late-1")
	require.True(t, res.Exhausted)

	deferred, err := f.svc.DeferredOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, deferred, 1)

	order, err := f.svc.ResolveDelivery(context.Background(), res.Order.ID, "manual key")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCompleted, order.Status)
	assert.Equal(t, model.DeliveryStatusDelivered, order.DeliveryStatus)
	require.NotNil(t, order.DeliveredContent)
	assert.Equal(t, "manual key", *order.DeliveredContent)

	u, _ := f.store.User(1)
	assert.Equal(t, int64(10), u.TotalSpent)
	assert.Equal(t, int64(1), u.TotalPurchases)

	deliveries := f.notifier.Deliveries()
	last := deliveries[len(deliveries)-1]
	assert.Equal(t, "manual key", last.Content)
	assert.False(t, last.Deferred)

	_, err = f.svc.ResolveDelivery(context.Background(), res.Order.ID, "again")
	assert.ErrorIs(t, err, ErrAlreadyDelivered)

	deferred, err = f.svc.DeferredOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, deferred)
}

func TestResolveDelivery_BalanceCredited(t *testing.T) {
	f := newFixture(t)
	pid := f.store.PutProduct(model.Product{
		Name:         "Top up",
		PriceStars:   100,
		Type:         model.ProductTypeBalance,
		Content:      "50",
		IsActive:     true,
		IsLimited:    true,
		AutoDelivery: true,
	})
	res := f.confirm(t, pid, 1, 100, "late-balance")
	require.True(t, res.Exhausted)

	u, _ := f.store.User(1)
	require.Equal(t, int64(0), u.Balance)

	_, err := f.svc.ResolveDelivery(context.Background(), res.Order.ID, "fifty")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.ResolveDelivery(context.Background(), res.Order.ID, "-5")
	assert.ErrorIs(t, err, ErrInvalidInput)

	order, err := f.svc.ResolveDelivery(context.Background(), res.Order.ID, " 50 ")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusDelivered, order.DeliveryStatus)

	u, _ = f.store.User(1)
	assert.Equal(t, int64(50), u.Balance)
	assert.Equal(t, int64(1), u.TotalPurchases)

	deliveries := f.notifier.Deliveries()
	last := deliveries[len(deliveries)-1]
	assert.Equal(t, model.ProductTypeBalance, last.Kind)
	assert.Equal(t, "50", last.Content)

	_, err = f.svc.ResolveDelivery(context.Background(), res.Order.ID, "50")
	assert.ErrorIs(t, err, ErrAlreadyDelivered)
	u, _ = f.store.User(1)
	assert.Equal(t, int64(50), u.Balance)
}

func TestResolveDelivery_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ResolveDelivery(context.Background(), 1, "  ")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.ResolveDelivery(context.Background(), 1, "content")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestReportDeferred(t *testing.T) {
	f := newFixture(t)

	n, err := f.svc.ReportDeferred(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.notifier.Alerts())

	pid := f.store.PutProduct(model.Product{Name: "Consultation", PriceStars: 100, Type: model.ProductTypeText, IsActive: true})
	f.confirm(t, pid, 1, 100, "manual-1")
	f.confirm(t, pid, 2, 100, "manual-2")
	alertsBefore := len(f.notifier.Alerts())

	n, err = f.svc.ReportDeferred(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	alerts := f.notifier.Alerts()
	require.Len(t, alerts, alertsBefore+1)
	assert.Contains(t, alerts[len(alerts)-1], "Consultation")
}

func TestSalesStatsAndHistory(t *testing.T) {
	f := newFixture(t)
	pid := f.store.PutProduct(model.Product{Name: "Guide", PriceStars: 30, Type: model.ProductTypeText, Content: "x", IsActive: true, AutoDelivery: true})
	f.confirm(t, pid, 1, 30, "s-1")
	f.confirm(t, pid, 1, 30, "s-2")
	f.confirm(t, pid, 2, 30, "s-3")

	st, err := f.svc.SalesStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.TotalUsers)
	assert.Equal(t, int64(3), st.OrdersToday)
	assert.Equal(t, int64(90), st.RevenueToday)
	require.Len(t, st.TopProducts, 1)
	assert.Equal(t, int64(3), st.TopProducts[0].SoldCount)

	orders, err := f.svc.UserOrders(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "s-2", orders[0].ChargeID)

	logs, err := f.svc.ListSecurityLogs(context.Background(), model.SecurityLogFilter{Type: model.LogTypePurchase})
	require.NoError(t, err)
	assert.Len(t, logs, 3)
}
