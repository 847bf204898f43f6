package service

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const payloadNonceLen = 8

// correlation данные, зашитые в payload счёта.
type correlation struct {
	ProductID int64
	PayerID   int64
	IssuedAt  time.Time
	Nonce     string
}

// encodePayload формирует payload вида productId:payerId:unixMillis:nonce.
// Случайный nonce делает payload уникальным для каждого счёта, даже если
// покупатель выставил несколько счетов на один товар в одну миллисекунду.
func encodePayload(productID, payerID int64, at time.Time) string {
	return fmt.Sprintf("%d:%d:%d:%s", productID, payerID, at.UnixMilli(), newPayloadNonce())
}

func newPayloadNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:payloadNonceLen]
}

func parsePayload(payload string) (correlation, error) {
	parts := strings.Split(payload, ":")
	if len(parts) != 4 {
		return correlation{}, fmt.Errorf("payload %q: want 4 parts, got %d", payload, len(parts))
	}

	var ids [3]int64
	for i, part := range parts[:3] {
		v, err := strconv.ParseInt(part, 10, 64)
		if err != nil || v <= 0 {
			return correlation{}, fmt.Errorf("payload %q: bad field %d", payload, i)
		}
		ids[i] = v
	}

	nonce := parts[3]
	if len(nonce) != payloadNonceLen {
		return correlation{}, fmt.Errorf("payload %q: bad nonce", payload)
	}
	for _, r := range nonce {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return correlation{}, fmt.Errorf("payload %q: bad nonce", payload)
		}
	}

	return correlation{
		ProductID: ids[0],
		PayerID:   ids[1],
		IssuedAt:  time.UnixMilli(ids[2]).UTC(),
		Nonce:     nonce,
	}, nil
}
