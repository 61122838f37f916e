package idempotency

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akenzy-vlu/wallex/wallet"
)

func TestHashRequestKeyOrderIndependence(t *testing.T) {
	a := map[string]any{"walletId": "w1", "ownerId": "u1", "initialBalance": 100}
	b := map[string]any{"initialBalance": 100, "ownerId": "u1", "walletId": "w1"}

	hashA, err := HashRequest(a)
	require.NoError(t, err)
	hashB, err := HashRequest(b)
	require.NoError(t, err)

	assert.Equal(t, hashA, hashB, "key order must not affect the hash")
	assert.Len(t, hashA, 64)
}

func TestHashRequestDistinguishesPayloads(t *testing.T) {
	base := map[string]any{"walletId": "w1", "ownerId": "u1"}
	other := map[string]any{"walletId": "w1", "ownerId": "u2"}

	hashBase, err := HashRequest(base)
	require.NoError(t, err)
	hashOther, err := HashRequest(other)
	require.NoError(t, err)

	assert.NotEqual(t, hashBase, hashOther)
}

func TestHashRequestStructAndMapAgree(t *testing.T) {
	type createRequest struct {
		WalletID       string       `json:"walletId"`
		OwnerID        string       `json:"ownerId"`
		InitialBalance wallet.Money `json:"initialBalance"`
	}

	fromStruct, err := HashRequest(createRequest{WalletID: "w1", OwnerID: "u1", InitialBalance: 10000})
	require.NoError(t, err)
	fromMap, err := HashRequest(map[string]any{
		"ownerId":        "u1",
		"walletId":       "w1",
		"initialBalance": json.Number("100.00"),
	})
	require.NoError(t, err)

	assert.Equal(t, fromStruct, fromMap)
}

func TestHashRequestPreservesNumberPrecision(t *testing.T) {
	// Adjacent integers around 2^53 collide under float64; canonicalization
	// must keep them distinct.
	a, err := HashRequest(map[string]any{"amount": json.Number("9007199254740993")})
	require.NoError(t, err)
	b, err := HashRequest(map[string]any{"amount": json.Number("9007199254740992")})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEvaluateMiss(t *testing.T) {
	response, expired, err := evaluate(nil, "hash", time.Now())
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Nil(t, response)
}

func TestEvaluateExpired(t *testing.T) {
	now := time.Now().UTC()
	rec := &record{
		requestHash: "hash",
		status:      StatusCompleted,
		response:    []byte(`{"cached":true}`),
		expiresAt:   now.Add(-time.Minute),
	}
	response, expired, err := evaluate(rec, "hash", now)
	require.NoError(t, err)
	assert.True(t, expired, "expired record must be reported for deletion")
	assert.Nil(t, response)
}

func TestEvaluatePending(t *testing.T) {
	now := time.Now().UTC()
	rec := &record{requestHash: "hash", status: StatusPending, expiresAt: now.Add(time.Hour)}

	_, _, err := evaluate(rec, "hash", now)
	assert.ErrorIs(t, err, wallet.ErrConflictInProgress)

	// A pending record with a different hash is still a concurrent
	// duplicate, not key reuse.
	_, _, err = evaluate(rec, "other-hash", now)
	assert.ErrorIs(t, err, wallet.ErrConflictInProgress)
}

func TestEvaluateFailedAllowsRetry(t *testing.T) {
	now := time.Now().UTC()
	rec := &record{requestHash: "hash", status: StatusFailed, expiresAt: now.Add(time.Hour)}

	response, expired, err := evaluate(rec, "hash", now)
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Nil(t, response, "failed record must read as a miss")
}

func TestEvaluateCompleted(t *testing.T) {
	now := time.Now().UTC()
	cached := []byte(`{"id":"w1","balance":100.00}`)
	rec := &record{
		requestHash: "hash",
		status:      StatusCompleted,
		response:    cached,
		expiresAt:   now.Add(time.Hour),
	}

	response, expired, err := evaluate(rec, "hash", now)
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Equal(t, cached, response)

	_, _, err = evaluate(rec, "tampered-hash", now)
	assert.ErrorIs(t, err, wallet.ErrIdempotencyKeyReuse)
}

func TestEvaluateUnknownStatus(t *testing.T) {
	now := time.Now().UTC()
	rec := &record{requestHash: "hash", status: "LEGACY", expiresAt: now.Add(time.Hour)}

	response, expired, err := evaluate(rec, "hash", now)
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Nil(t, response)
}
