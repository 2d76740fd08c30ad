package carts

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDynamoStoreLifecycle(t *testing.T) {
	mock := newCartsMock()
	d, clk, h := newTestDetector(NewDynamoStore(mock, "carts"))
	ctx := context.Background()

	_, err := d.OnActivity(ctx, activity(testKey))
	require.NoError(t, err)
	clk.Advance(time.Minute)

	// a second snapshot merges: the email arrives later, the phone is kept
	ev := activity(testKey)
	ev.Contact = Contact{Email: "sara@example.com"}
	ev.Total = 150
	_, err = d.OnActivity(ctx, ev)
	require.NoError(t, err)

	c, err := d.Store().Get(ctx, testKey)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "+966500000001", c.Contact.Phone)
	assert.Equal(t, "sara@example.com", c.Contact.Email)
	assert.Equal(t, 150.0, c.Total)
	assert.Equal(t, clk.Now().Add(30*time.Minute).Unix(), c.DueAt)

	clk.Advance(31 * time.Minute)
	sum, err := d.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Abandoned)
	require.Len(t, h.abandoned, 1)
	_, stillDue := mock.table[testKey.String()]["due_at"]
	assert.False(t, stillDue, "due_at is removed once abandoned")

	require.NoError(t, d.MarkReminded(ctx, testKey))
	require.NoError(t, d.OnConverted(ctx, testKey))

	c, err = d.Store().Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, StatusRecovered, c.Status)
	assert.Equal(t, 1, c.ReminderCount)

	out, err := d.OnActivity(ctx, activity(testKey))
	require.NoError(t, err)
	assert.Equal(t, "already_final", out.Reason)
}

func TestDynamoStoreMarkAbandonedGuard(t *testing.T) {
	mock := newCartsMock()
	s := NewDynamoStore(mock, "carts")
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	_, err := s.UpsertActivity(ctx, activity(testKey), now.Add(30*time.Minute), now)
	require.NoError(t, err)

	_, err = s.MarkAbandoned(ctx, testKey, now.Add(10*time.Minute))
	assert.ErrorIs(t, err, ErrStatusMismatch, "not due yet")

	c, err := s.MarkAbandoned(ctx, testKey, now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusAbandoned, c.Status)

	_, err = s.MarkAbandoned(ctx, testKey, now.Add(time.Hour))
	assert.ErrorIs(t, err, ErrStatusMismatch, "second poller loses")
}

func TestDynamoStoreListDuePaginates(t *testing.T) {
	mock := newCartsMock()
	mock.pageSize = 2
	s := NewDynamoStore(mock, "carts")
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		k := Key{Platform: "shopify", Store: "store1", CartID: fmt.Sprintf("c%d", i)}
		due := now.Add(-time.Minute)
		if i == 4 {
			due = now.Add(time.Hour)
		}
		_, err := s.UpsertActivity(ctx, activity(k), due, now.Add(-time.Hour))
		require.NoError(t, err)
	}

	due, err := s.ListDue(ctx, now, 0)
	require.NoError(t, err)
	assert.Len(t, due, 4)
	assert.Equal(t, 3, mock.scanCalls)

	due, err = s.ListDue(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestDynamoStoreUpsertReadsLatestVersion(t *testing.T) {
	mock := newCartsMock()
	s := NewDynamoStore(mock, "carts")
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	_, err := s.UpsertActivity(ctx, activity(testKey), now.Add(30*time.Minute), now)
	require.NoError(t, err)

	// another writer bumped updated_at since the first upsert
	mock.table[testKey.String()]["updated_at"] = &types.AttributeValueMemberS{Value: "2026-03-10T12:00:30Z"}

	c, err := s.UpsertActivity(ctx, activity(testKey), now.Add(time.Hour), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour).Unix(), c.DueAt)
}
