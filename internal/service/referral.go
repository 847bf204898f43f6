package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/starshop/internal/ledger"
	"github.com/mmeshcher/starshop/internal/model"
)

const referralCodeAttempts = 5

var errReferralCodeExhausted = errors.New("could not generate unique referral code")

type registration struct {
	user       *model.User
	created    bool
	referrerID int64
	reward     int64
}

// RegisterUser возвращает пользователя, создавая его при первом обращении.
// Если передан реферальный токен, создание пользователя и начисление
// пригласившему выполняются в одной транзакции. Самоприглашение и
// неизвестный код считаются отсутствием реферала.
func (s *Service) RegisterUser(ctx context.Context, profile model.UserProfile, referralToken string) (*model.User, bool, error) {
	if profile.ID <= 0 {
		return nil, false, fmt.Errorf("%w: user id", ErrInvalidInput)
	}
	token := normalizeReferralToken(referralToken)

	var reg registration
	err := s.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		reg, err = s.register(ctx, tx, profile, token)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("register user: %w", err)
	}

	if reg.created {
		s.logger.Info("user registered",
			zap.Int64("user_id", profile.ID),
			zap.Int64("referrer_id", reg.referrerID),
		)
	}
	if reg.referrerID != 0 {
		s.logger.Info("referral reward credited",
			zap.Int64("referrer_id", reg.referrerID),
			zap.Int64("reward", reg.reward),
		)
	}
	return reg.user, reg.created, nil
}

func (s *Service) register(ctx context.Context, tx ledger.Tx, profile model.UserProfile, token string) (registration, error) {
	existing, err := tx.GetUser(ctx, profile.ID)
	switch {
	case err == nil:
		if err := tx.TouchUser(ctx, profile); err != nil {
			return registration{}, err
		}
		return registration{user: existing}, nil
	case !errors.Is(err, ledger.ErrNotFound):
		return registration{}, err
	}

	var referrerID int64
	if token != "" {
		id, err := tx.UserIDByReferralCode(ctx, token)
		switch {
		case err == nil && id != profile.ID:
			referrerID = id
		case err != nil && !errors.Is(err, ledger.ErrNotFound):
			return registration{}, err
		}
	}

	nu := model.NewUser{UserProfile: profile}
	if referrerID != 0 {
		nu.ReferredBy = &referrerID
	}

	inserted := false
	for range referralCodeAttempts {
		nu.ReferralCode = s.newCode()
		inserted, err = tx.InsertUser(ctx, nu)
		if err != nil {
			return registration{}, err
		}
		if inserted {
			break
		}
		// пользователь мог быть создан параллельным запросом
		if u, err := tx.GetUser(ctx, profile.ID); err == nil {
			return registration{user: u}, nil
		}
	}
	if !inserted {
		return registration{}, errReferralCodeExhausted
	}

	reg := registration{created: true}
	if referrerID != 0 {
		reg.referrerID = referrerID
		reg.reward = s.referralReward(ctx, tx)
		if reg.reward > 0 {
			if err := tx.CreditBalance(ctx, referrerID, reg.reward); err != nil {
				return registration{}, fmt.Errorf("credit referrer: %w", err)
			}
		}
		err := tx.AppendSecurityLog(ctx, model.SecurityLog{
			Type:     model.LogTypeReferral,
			UserID:   userRef(referrerID),
			Action:   "referral_credited",
			Details:  fmt.Sprintf("user %d joined, reward %d", profile.ID, reg.reward),
			Severity: model.SeverityInfo,
		})
		if err != nil {
			return registration{}, err
		}
	}

	reg.user, err = tx.GetUser(ctx, profile.ID)
	if err != nil {
		return registration{}, err
	}
	return reg, nil
}

// referralReward читает награду из настроек магазина, при отсутствии
// или ошибке разбора используется значение из конфигурации.
func (s *Service) referralReward(ctx context.Context, tx ledger.Tx) int64 {
	v, err := tx.GetSetting(ctx, "referral_reward")
	if err != nil {
		return s.opts.ReferralReward
	}
	reward, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || reward < 0 {
		s.logger.Warn("invalid referral_reward setting", zap.String("value", v))
		return s.opts.ReferralReward
	}
	return reward
}

// ReferralLink возвращает ссылку-приглашение пользователя.
func (s *Service) ReferralLink(ctx context.Context, userID int64) (string, error) {
	if s.opts.BotUsername == "" {
		return "", errors.New("bot username is not configured")
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("get user: %w", err)
	}
	return fmt.Sprintf("https://t.me/%s?start=%s", s.opts.BotUsername, user.ReferralCode), nil
}

func normalizeReferralToken(token string) string {
	token = strings.TrimSpace(token)
	token = strings.TrimPrefix(token, "ref_")
	return strings.ToUpper(token)
}
