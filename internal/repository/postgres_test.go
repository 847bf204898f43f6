package repository_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mmeshcher/starshop/internal/ledger"
	"github.com/mmeshcher/starshop/internal/model"
	"github.com/mmeshcher/starshop/internal/repository"
	"github.com/mmeshcher/starshop/internal/service"
)

func setupRepository(t *testing.T) *repository.PostgresRepository {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("starshop"),
		postgres.WithUsername("starshop"),
		postgres.WithPassword("starshop"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	repo, err := repository.NewPostgresRepository(dsn, repository.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	return repo
}

func insertUser(t *testing.T, repo *repository.PostgresRepository, id int64) {
	t.Helper()
	err := repo.InTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		_, err := tx.InsertUser(ctx, model.NewUser{
			UserProfile:  model.UserProfile{ID: id},
			ReferralCode: fmt.Sprintf("CODE%04d", id),
		})
		return err
	})
	require.NoError(t, err)
}

func TestPostgres_NoOversell(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	p, err := repo.CreateProduct(ctx, model.NewProduct{
		Name:         "Limited",
		PriceStars:   10,
		Type:         model.ProductTypeText,
		Content:      "secret",
		Stock:        3,
		IsLimited:    true,
		AutoDelivery: true,
	})
	require.NoError(t, err)

	svc := service.NewService(repo, nil, nil, nil, service.DefaultOptions())

	const buyers = 10
	var wg sync.WaitGroup
	results := make([]*model.FulfillmentResult, buyers)
	errs := make([]error, buyers)

	for i := range buyers {
		payer := int64(1000 + i)
		inv, err := svc.CreatePurchaseIntent(ctx, p.ID, model.UserProfile{ID: payer})
		require.NoError(t, err)

		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = svc.ConfirmPayment(ctx, model.PaymentConfirmation{
				Payload:  inv.Payload,
				ChargeID: fmt.Sprintf("charge-%d", i),
				PayerID:  payer,
				Amount:   inv.Amount,
				Currency: model.StarsCurrency,
			})
		}()
	}
	wg.Wait()

	delivered, exhausted := 0, 0
	for i := range buyers {
		require.NoError(t, errs[i])
		switch {
		case results[i].State == model.StateDelivered:
			delivered++
		case results[i].Exhausted:
			exhausted++
		}
	}
	assert.Equal(t, 3, delivered)
	assert.Equal(t, buyers-3, exhausted)

	stored, err := repo.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.Stock)
	assert.Equal(t, int64(3), stored.SoldCount)

	failed, err := repo.ListOrders(ctx, model.OrderFilter{Status: model.OrderStatusFailed})
	require.NoError(t, err)
	assert.Len(t, failed, buyers-3)
}

func TestPostgres_ClaimCharge(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	p, err := repo.CreateProduct(ctx, model.NewProduct{Name: "Guide", PriceStars: 10, Type: model.ProductTypeText, Content: "x", AutoDelivery: true})
	require.NoError(t, err)
	insertUser(t, repo, 1)

	claim := func(paymentID, chargeID string) (int64, bool, error) {
		var (
			id      int64
			claimed bool
		)
		err := repo.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
			var err error
			id, claimed, err = tx.ClaimCharge(ctx, model.OrderClaim{
				UserID:    1,
				ProductID: p.ID,
				PaymentID: paymentID,
				ChargeID:  chargeID,
				Price:     10,
			})
			return err
		})
		return id, claimed, err
	}

	id, claimed, err := claim("p-1", "charge-1")
	require.NoError(t, err)
	assert.True(t, claimed)

	again, claimed, err := claim("p-1", "charge-1")
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, id, again)

	_, _, err = claim("p-1", "charge-2")
	assert.ErrorIs(t, err, ledger.ErrPayloadReused)

	order, err := repo.GetOrderByChargeID(ctx, "charge-1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPending, order.Status)

	_, err = repo.GetOrderByChargeID(ctx, "charge-2")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestPostgres_CodesAreExclusive(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	p, err := repo.CreateProduct(ctx, model.NewProduct{Name: "Keys", PriceStars: 5, Type: model.ProductTypeCode, IsLimited: true, AutoDelivery: true})
	require.NoError(t, err)

	added, err := repo.AddCodes(ctx, p.ID, []string{"A", "B", "C"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), added)

	stored, err := repo.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.Stock)

	for id := int64(1); id <= 4; id++ {
		insertUser(t, repo, id)
	}

	var (
		mu    sync.Mutex
		codes []string
		wg    sync.WaitGroup
	)
	for id := int64(1); id <= 4; id++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
				c, err := tx.ClaimCode(ctx, p.ID, id)
				if err != nil {
					return err
				}
				mu.Lock()
				codes = append(codes, c.Value)
				mu.Unlock()
				return nil
			})
			if err != nil {
				assert.ErrorIs(t, err, ledger.ErrNotFound)
			}
		}()
	}
	wg.Wait()

	assert.ElementsMatch(t, []string{"A", "B", "C"}, codes)

	unused, err := repo.CountUnusedCodes(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, unused)

	_, err = repo.AddCodes(ctx, 9999, []string{"D"})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestPostgres_DeliveryLifecycle(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	p, err := repo.CreateProduct(ctx, model.NewProduct{Name: "Book", PriceStars: 10, Type: model.ProductTypeFile, Content: "file-id", AutoDelivery: true})
	require.NoError(t, err)
	insertUser(t, repo, 1)

	var orderID int64
	err = repo.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		orderID, _, err = tx.ClaimCharge(ctx, model.OrderClaim{UserID: 1, ProductID: p.ID, PaymentID: "p-1", ChargeID: "charge-1", Price: 10})
		if err != nil {
			return err
		}
		_, err = tx.SettleOrder(ctx, orderID, model.Settlement{
			Status:         model.OrderStatusCompleted,
			DeliveryStatus: model.DeliveryStatusPending,
		})
		return err
	})
	require.NoError(t, err)

	pending, err := repo.ListPendingDeliveries(ctx, time.Now().Add(time.Minute), 2, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, orderID, pending[0].Order.ID)
	assert.Equal(t, "file-id", pending[0].Product.Content)

	status, err := repo.RecordDeliveryFailure(ctx, orderID, 2)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusPending, status)

	ok, err := repo.MarkDelivered(ctx, orderID, "file-id", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkDelivered(ctx, orderID, "file-id", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	order, err := repo.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusDelivered, order.DeliveryStatus)
	assert.Equal(t, 1, order.DeliveryAttempts)
}

func TestPostgres_SettingsSeeded(t *testing.T) {
	repo := setupRepository(t)

	var reward string
	err := repo.InTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		var err error
		reward, err = tx.GetSetting(ctx, "referral_reward")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "10", reward)
}

func TestPostgres_MarkDeliveredCredits(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	p, err := repo.CreateProduct(ctx, model.NewProduct{Name: "Top up", PriceStars: 100, Type: model.ProductTypeBalance, Content: "50", IsLimited: true, AutoDelivery: true})
	require.NoError(t, err)
	insertUser(t, repo, 1)

	var orderID int64
	err = repo.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		orderID, _, err = tx.ClaimCharge(ctx, model.OrderClaim{UserID: 1, ProductID: p.ID, PaymentID: "p-1", ChargeID: "charge-1", Price: 100})
		if err != nil {
			return err
		}
		_, err = tx.SettleOrder(ctx, orderID, model.Settlement{
			Status:         model.OrderStatusFailed,
			DeliveryStatus: model.DeliveryStatusFailed,
		})
		return err
	})
	require.NoError(t, err)

	ok, err := repo.MarkDelivered(ctx, orderID, "50", 50)
	require.NoError(t, err)
	assert.True(t, ok)

	u, err := repo.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50), u.Balance)
	assert.Equal(t, int64(100), u.TotalSpent)
	assert.Equal(t, int64(1), u.TotalPurchases)
}
