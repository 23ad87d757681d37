package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/payless/pkg/ledger"
	"github.com/pario-ai/payless/pkg/ledger/ledgertest"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return New(client, "test"), mr
}

func TestConformance(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store {
		s, _ := newTestStore(t)
		return s
	})
}

func TestKeysAreNamespaced(t *testing.T) {
	s, mr := newTestStore(t)
	defer s.Close()
	ctx := context.Background()
	l := ledger.New(s)

	_, err := l.Earn(ctx, "u", 10, "tick-1")
	require.NoError(t, err)
	id, err := l.Reserve(ctx, "u", 3)
	require.NoError(t, err)

	bal, err := mr.Get("test:balance:u")
	require.NoError(t, err)
	assert.Equal(t, "7", bal)
	assert.True(t, mr.Exists("test:earn:tick-1"))
	assert.Equal(t, "3", mr.HGet("test:reservation:"+id, "amount"))

	members, err := mr.ZMembers("test:reservations")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, members)

	_, err = l.Release(ctx, id)
	require.NoError(t, err)
	assert.False(t, mr.Exists("test:reservation:"+id))
}

func TestDialFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := Dial(context.Background(), addr, "", 0, "")
	assert.Error(t, err)
}

func TestDial(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := Dial(context.Background(), mr.Addr(), "", 0, "")
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, DefaultPrefix, s.prefix)
}
