package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/starshop/internal/ledger/ledgertest"
	"github.com/mmeshcher/starshop/internal/model"
)

type stubNotifier struct {
	mu          sync.Mutex
	deliveries  []model.Delivery
	alerts      []string
	deliveryErr error
}

func (n *stubNotifier) NotifyDelivery(_ context.Context, d model.Delivery) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.deliveryErr != nil {
		return n.deliveryErr
	}
	n.deliveries = append(n.deliveries, d)
	return nil
}

func (n *stubNotifier) NotifyOperators(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, text)
	return nil
}

func (n *stubNotifier) setDeliveryErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliveryErr = err
}

func (n *stubNotifier) Deliveries() []model.Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.Delivery(nil), n.deliveries...)
}

func (n *stubNotifier) Alerts() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.alerts...)
}

type stubPublisher struct {
	mu     sync.Mutex
	events []model.OrderEvent
	err    error
}

func (p *stubPublisher) PublishOrder(_ context.Context, e model.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

type fixture struct {
	svc      *Service
	store    *ledgertest.Store
	notifier *stubNotifier
	events   *stubPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := ledgertest.New()
	notifier := &stubNotifier{}
	events := &stubPublisher{}
	opts := DefaultOptions()
	opts.BotUsername = "starshop_bot"
	opts.DeliveryMaxAttempts = 2

	return &fixture{
		svc:      NewService(store, notifier, events, zap.NewNop(), opts),
		store:    store,
		notifier: notifier,
		events:   events,
	}
}

func (f *fixture) confirm(t *testing.T, productID, payerID, amount int64, chargeID string) *model.FulfillmentResult {
	t.Helper()

	res, err := f.svc.ConfirmPayment(context.Background(), model.PaymentConfirmation{
		Payload:  encodePayload(productID, payerID, time.Now()),
		ChargeID: chargeID,
		PayerID:  payerID,
		Amount:   amount,
		Currency: model.StarsCurrency,
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func hasLog(logs []model.SecurityLog, action string, severity model.Severity) bool {
	for _, l := range logs {
		if l.Action == action && l.Severity == severity {
			return true
		}
	}
	return false
}

func TestNewService_Defaults(t *testing.T) {
	svc := NewService(ledgertest.New(), nil, nil, nil, Options{})

	assert.NotNil(t, svc.notifier)
	assert.NotNil(t, svc.events)
	assert.NotNil(t, svc.logger)
	assert.Equal(t, DefaultOptions().DeliveryMaxAttempts, svc.opts.DeliveryMaxAttempts)
	assert.NoError(t, svc.Close())
}

func TestNewReferralCode(t *testing.T) {
	a := newReferralCode()
	b := newReferralCode()

	assert.Len(t, a, 8)
	assert.Regexp(t, `^[0-9A-F]{8}$`, a)
	assert.NotEqual(t, a, b)
}

func TestSecurityLog_StoreErrorIsSwallowed(t *testing.T) {
	f := newFixture(t)
	f.svc.store = failingLogStore{Store: f.store}

	f.svc.securityLog(context.Background(), model.SecurityLog{Type: model.LogTypeError, Action: "x"})
	assert.Empty(t, f.store.Logs())
}

type failingLogStore struct {
	*ledgertest.Store
}

func (failingLogStore) AppendSecurityLog(context.Context, model.SecurityLog) error {
	return errors.New("disk full")
}
