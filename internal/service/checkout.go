package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmeshcher/starshop/internal/ledger"
	"github.com/mmeshcher/starshop/internal/model"
)

// CreatePurchaseIntent выставляет счёт на товар. Проверка наличия здесь
// справочная, окончательное решение принимает условное списание при оплате.
func (s *Service) CreatePurchaseIntent(ctx context.Context, productID int64, payer model.UserProfile) (*model.Invoice, error) {
	user, _, err := s.RegisterUser(ctx, payer, "")
	if err != nil {
		return nil, err
	}
	if user.IsBanned {
		return nil, ErrUserBanned
	}

	product, err := s.store.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ErrProductUnavailable
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	if !product.IsActive {
		return nil, ErrProductUnavailable
	}
	if !product.InStock() {
		return nil, ErrOutOfStock
	}

	description := product.Description
	if description == "" {
		description = product.Name
	}

	inv := &model.Invoice{
		ProductID:   product.ID,
		PayerID:     payer.ID,
		Title:       product.Name,
		Description: description,
		Amount:      product.FinalPrice(),
		Currency:    model.StarsCurrency,
		Payload:     encodePayload(product.ID, payer.ID, s.now()),
	}

	s.securityLog(ctx, model.SecurityLog{
		Type:     model.LogTypePayment,
		UserID:   userRef(payer.ID),
		Action:   "purchase_initiated",
		Details:  fmt.Sprintf("product %d, amount %d", product.ID, inv.Amount),
		Severity: model.SeverityInfo,
	})

	return inv, nil
}

// PreAuthorize проверяет платёж до списания средств. Ничего не изменяет,
// кроме журнала безопасности при отказе.
func (s *Service) PreAuthorize(ctx context.Context, req model.PreAuthorization) (model.Verdict, error) {
	verdict, _, _, err := s.validate(ctx, checkRequest{
		Payload: req.Payload,
		PayerID: req.PayerID,
		Amount:  req.Amount,
		Stage:   stagePreCharge,
	})
	if err != nil || !verdict.Approved {
		return verdict, err
	}

	user, err := s.store.GetUser(ctx, req.PayerID)
	switch {
	case err == nil && user.IsBanned:
		s.securityLog(ctx, model.SecurityLog{
			Type:     model.LogTypePayment,
			UserID:   userRef(req.PayerID),
			Action:   string(model.RejectBanned),
			Details:  "banned user attempted payment",
			Severity: model.SeverityWarning,
		})
		return model.Rejected(model.RejectBanned), nil
	case err != nil && !errors.Is(err, ledger.ErrNotFound):
		return model.Verdict{}, fmt.Errorf("get user: %w", err)
	}

	return model.Approved(), nil
}
