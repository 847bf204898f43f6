package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/starshop/internal/ledger"
	"github.com/mmeshcher/starshop/internal/model"
)

// stage момент, в который выполняется проверка платежа.
type stage int

const (
	// stagePreCharge проверка до списания средств.
	stagePreCharge stage = iota
	// stagePostCharge проверка подтверждённого платежа. Наличие товара здесь не
	// проверяется: единственный источник истины об остатке это условное списание.
	stagePostCharge
)

func (st stage) String() string {
	if st == stagePostCharge {
		return "post_charge"
	}
	return "pre_charge"
}

type checkRequest struct {
	Payload string
	PayerID int64
	Amount  int64
	Stage   stage
}

// validate проверяет согласованность товара, суммы и плательщика.
// Проверки идут в порядке: товар доступен, есть остаток, цена, плательщик.
// Каждый отказ записывается в журнал безопасности.
func (s *Service) validate(ctx context.Context, req checkRequest) (model.Verdict, *model.Product, correlation, error) {
	corr, err := parsePayload(req.Payload)
	if err != nil {
		s.reject(ctx, req, model.RejectMalformedPayload, model.SeverityCritical, err.Error())
		return model.Rejected(model.RejectMalformedPayload), nil, correlation{}, nil
	}

	routine := model.SeverityInfo
	if req.Stage == stagePostCharge {
		// средства уже списаны, любой отказ требует внимания оператора
		routine = model.SeverityCritical
	}

	product, err := s.store.GetProduct(ctx, corr.ProductID)
	if err != nil {
		if !errors.Is(err, ledger.ErrNotFound) {
			return model.Verdict{}, nil, corr, fmt.Errorf("get product: %w", err)
		}
		s.reject(ctx, req, model.RejectUnavailable, routine, fmt.Sprintf("product %d not found", corr.ProductID))
		return model.Rejected(model.RejectUnavailable), nil, corr, nil
	}

	if req.Stage == stagePreCharge {
		if !product.IsActive {
			s.reject(ctx, req, model.RejectUnavailable, routine, fmt.Sprintf("product %d inactive", product.ID))
			return model.Rejected(model.RejectUnavailable), product, corr, nil
		}
		if !product.InStock() {
			s.reject(ctx, req, model.RejectOutOfStock, routine, fmt.Sprintf("product %d out of stock", product.ID))
			return model.Rejected(model.RejectOutOfStock), product, corr, nil
		}
	}

	if expected := product.FinalPrice(); expected != req.Amount {
		s.reject(ctx, req, model.RejectPriceMismatch, model.SeverityCritical,
			fmt.Sprintf("product %d: expected %d, claimed %d", product.ID, expected, req.Amount))
		return model.Rejected(model.RejectPriceMismatch), product, corr, nil
	}

	if corr.PayerID != req.PayerID {
		s.reject(ctx, req, model.RejectIdentityMismatch, model.SeverityCritical,
			fmt.Sprintf("payload payer %d, actual payer %d", corr.PayerID, req.PayerID))
		return model.Rejected(model.RejectIdentityMismatch), product, corr, nil
	}

	return model.Approved(), product, corr, nil
}

func (s *Service) reject(ctx context.Context, req checkRequest, reason model.RejectReason, severity model.Severity, details string) {
	s.logger.Info("payment check rejected",
		zap.String("stage", req.Stage.String()),
		zap.String("reason", string(reason)),
		zap.Int64("payer_id", req.PayerID),
		zap.Int64("amount", req.Amount),
	)

	logType := model.LogTypePayment
	if severity == model.SeverityCritical {
		logType = model.LogTypeFraud
	}

	s.securityLog(ctx, model.SecurityLog{
		Type:     logType,
		UserID:   userRef(req.PayerID),
		Action:   string(reason),
		Details:  fmt.Sprintf("%s: %s", req.Stage, details),
		Severity: severity,
	})
}
