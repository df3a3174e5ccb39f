package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/gorecon/internal/domain"
)

const eurusdSync = `{"status":"OK","account":{"balance":10000.0,"equity":10050.0,"margin_free":9000.0,"margin_used":1000.0,"margin_level":1005.0,"leverage":100},"positions":[{"symbol":"EURUSD","ticket":123456,"volume":0.1,"profit":50.0,"price_current":1.0850,"price_open":1.0800,"type":"BUY","time_open":1705329600}],"message":"Sync successful"}`

func TestEncodeSyncRequest(t *testing.T) {
	now := time.Date(2024, 1, 15, 14, 40, 0, 0, time.UTC)
	b, err := EncodeSyncRequest(domain.OwnershipTag(234000), now)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "SYNC_ALL", got["action"])
	assert.EqualValues(t, 234000, got["ownership_tag"])
	assert.Equal(t, "2024-01-15T14:40:00Z", got["timestamp"])
}

func TestDecodeSyncResponse_EURUSD(t *testing.T) {
	received := time.Now()
	snap, err := DecodeSyncResponse([]byte(eurusdSync), received)
	require.NoError(t, err)

	assert.Equal(t, domain.SnapshotStatusOK, snap.Status)
	assert.Equal(t, 10000.0, snap.Account.Balance)
	assert.Equal(t, 10050.0, snap.Account.Equity)
	assert.Equal(t, 100, snap.Account.Leverage)
	assert.Equal(t, "Sync successful", snap.Message)
	assert.Equal(t, received, snap.ReceivedAt)

	require.Len(t, snap.Positions, 1)
	p := snap.Positions[0]
	assert.Equal(t, int64(123456), p.Ticket)
	assert.Equal(t, "EURUSD", p.Symbol)
	assert.Equal(t, 0.1, p.Volume)
	assert.Equal(t, domain.SideBuy, p.Side)
	assert.Equal(t, 1.0800, p.OpenPrice)
	assert.Equal(t, 1.0850, p.CurrentPrice)
	assert.Equal(t, int64(1705329600), p.OpenTime.Unix())
}

func TestDecodeSyncResponse_EmptyPositions(t *testing.T) {
	snap, err := DecodeSyncResponse([]byte(`{"status":"OK","account":{"balance":1},"positions":[],"message":""}`), time.Now())
	require.NoError(t, err)
	assert.Empty(t, snap.Positions)
}

func TestDecodeSyncResponse_AuthorityError(t *testing.T) {
	_, err := DecodeSyncResponse([]byte(`{"status":"ERROR","message":"terminal not connected"}`), time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthorityError))
	assert.False(t, errors.Is(err, ErrResponseFormat))
	assert.Contains(t, err.Error(), "terminal not connected")
}

func TestDecodeSyncResponse_FormatErrors(t *testing.T) {
	cases := map[string]string{
		"not json":          `garbage`,
		"unknown status":    `{"status":"MAYBE","account":{},"positions":[]}`,
		"missing account":   `{"status":"OK","positions":[]}`,
		"missing positions": `{"status":"OK","account":{}}`,
		"zero volume":       `{"status":"OK","account":{},"positions":[{"symbol":"EURUSD","ticket":1,"volume":0,"type":"BUY"}]}`,
		"bad side":          `{"status":"OK","account":{},"positions":[{"symbol":"EURUSD","ticket":1,"volume":1,"type":"HOLD"}]}`,
		"bad ticket":        `{"status":"OK","account":{},"positions":[{"symbol":"EURUSD","ticket":0,"volume":1,"type":"BUY"}]}`,
		"duplicate ticket":  `{"status":"OK","account":{},"positions":[{"symbol":"A","ticket":7,"volume":1,"type":"BUY"},{"symbol":"B","ticket":7,"volume":1,"type":"SELL"}]}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeSyncResponse([]byte(payload), time.Now())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrResponseFormat), "got %v", err)

			var fe *FormatError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, payload, fe.Payload)
		})
	}
}

func TestDecodeSyncResponse_FormatErrorKeepsFullPayload(t *testing.T) {
	payload := `{"status":"OK","account":{},"positions":[{"symbol":"` + strings.Repeat("X", 8192) + `","ticket":0,"volume":1,"type":"BUY"}]}`

	_, err := DecodeSyncResponse([]byte(payload), time.Now())
	require.Error(t, err)

	var fe *FormatError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, payload, fe.Payload)
	assert.NotContains(t, fe.Error(), "XXXX", "payload belongs in the log field, not the error string")
}

func TestOrderRoundTripFields(t *testing.T) {
	price := 1.0855
	ticket := int64(42)
	b, err := EncodeOrderRequest(domain.OwnershipTag(7), domain.Order{
		Symbol: "EURUSD", Side: domain.SideSell, Volume: 0.1, Price: &price, Ticket: &ticket,
	})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "ORDER", got["action"])
	assert.EqualValues(t, 7, got["ownership_tag"])
	assert.Equal(t, "SELL", got["side"])
	assert.EqualValues(t, 42, got["ticket"])
	assert.Equal(t, 1.0855, got["price"])

	b, err = EncodeOrderRequest(domain.OwnershipTag(7), domain.Order{Symbol: "EURUSD", Side: domain.SideBuy, Volume: 0.1})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "price")
	assert.NotContains(t, string(b), "ticket")
}

func TestDecodeOrderResponse(t *testing.T) {
	res, err := DecodeOrderResponse([]byte(`{"status":"FILLED","ticket":555,"retcode":10009}`))
	require.NoError(t, err)
	assert.True(t, res.Filled())
	require.NotNil(t, res.Ticket)
	assert.Equal(t, int64(555), *res.Ticket)

	res, err = DecodeOrderResponse([]byte(`{"status":"ERROR","retcode":10019}`))
	require.NoError(t, err)
	assert.False(t, res.Filled())
	require.NotNil(t, res.Retcode)
	assert.Equal(t, 10019, *res.Retcode)

	_, err = DecodeOrderResponse([]byte(`{"status":"PENDING"}`))
	assert.True(t, errors.Is(err, ErrResponseFormat))
}

func TestDecodeTick(t *testing.T) {
	tick, ok, err := DecodeTick([]byte(`{"type":"TICK","symbol":"EURUSD","bid":1.0849,"ask":1.0851}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "EURUSD", tick.Symbol)

	_, ok, err = DecodeTick([]byte(`{"type":"HEARTBEAT"}`))
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = DecodeTick([]byte(`{"type":"TICK","symbol":"EURUSD","bid":1.1,"ask":1.0}`))
	assert.True(t, errors.Is(err, ErrResponseFormat))
}
