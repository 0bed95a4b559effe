package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapDirectory map[string]any

func (d mapDirectory) Lookup(ctx context.Context, name string) (any, error) {
	obj, ok := d[name]
	if !ok {
		return nil, &LookupError{Name: name, Err: ErrNameNotFound}
	}
	return obj, nil
}

func (d mapDirectory) Close() error { return nil }

type plainFactory struct{}

func (plainFactory) CreateConnection(ctx context.Context, user, password string) (Connection, error) {
	return nil, errors.New("not implemented")
}

func TestParseProperties(t *testing.T) {
	t.Run("empty input yields empty map", func(t *testing.T) {
		assert.Empty(t, ParseProperties(""))
	})

	t.Run("parses key value pairs", func(t *testing.T) {
		props := ParseProperties("java.naming.factory.initial=mem;java.naming.provider.url=mem://local")
		assert.Equal(t, map[string]string{
			"java.naming.factory.initial": "mem",
			"java.naming.provider.url":    "mem://local",
		}, props)
	})

	t.Run("ignores malformed elements", func(t *testing.T) {
		props := ParseProperties("a=1;b;c=;d=1=2;;=e")
		assert.Equal(t, map[string]string{"a": "1", "": "e"}, props)
	})
}

func TestParseAckMode(t *testing.T) {
	for _, s := range []string{"", "AUTO_ACKNOWLEDGE", "Auto-acknowledge", "auto"} {
		mode, err := ParseAckMode(s)
		require.NoError(t, err)
		assert.Equal(t, AutoAcknowledge, mode)
	}
	for _, s := range []string{"DUPS_OK_ACKNOWLEDGE", "Dups-ok-acknowledge", "dups-ok"} {
		mode, err := ParseAckMode(s)
		require.NoError(t, err)
		assert.Equal(t, DupsOKAcknowledge, mode)
	}

	_, err := ParseAckMode("CLIENT_ACKNOWLEDGE")
	assert.ErrorIs(t, err, ErrInvalidAckMode)
}

func TestParseDestinationKind(t *testing.T) {
	kind, err := ParseDestinationKind("javax.jms.Topic")
	require.NoError(t, err)
	assert.Equal(t, KindTopic, kind)

	kind, err = ParseDestinationKind("queue")
	require.NoError(t, err)
	assert.Equal(t, KindQueue, kind)

	kind, err = ParseDestinationKind("")
	require.NoError(t, err)
	assert.Equal(t, KindAgnostic, kind)

	_, err = ParseDestinationKind("exchange")
	assert.ErrorIs(t, err, ErrInvalidDestination)
}

func TestLookupDestination(t *testing.T) {
	dir := mapDirectory{
		"orders": NewQueue("orders"),
		"prices": NewTopic("prices"),
		"broken": 42,
	}
	ctx := context.Background()

	t.Run("agnostic accepts any destination", func(t *testing.T) {
		dest, err := LookupDestination(ctx, dir, "prices", KindAgnostic)
		require.NoError(t, err)
		assert.Equal(t, KindTopic, dest.Kind())
	})

	t.Run("queue spec rejects a topic", func(t *testing.T) {
		_, err := LookupDestination(ctx, dir, "prices", KindQueue)
		var lookupErr *LookupError
		require.ErrorAs(t, err, &lookupErr)
		assert.Equal(t, "prices", lookupErr.Name)
		assert.ErrorIs(t, err, ErrInvalidDestination)
	})

	t.Run("non destination objects are rejected", func(t *testing.T) {
		_, err := LookupDestination(ctx, dir, "broken", KindAgnostic)
		assert.ErrorIs(t, err, ErrInvalidDestination)
	})

	t.Run("missing names surface the lookup error", func(t *testing.T) {
		_, err := LookupDestination(ctx, dir, "missing", KindAgnostic)
		assert.ErrorIs(t, err, ErrNameNotFound)
	})
}

func TestLookupConnectionFactory(t *testing.T) {
	dir := mapDirectory{"cf": plainFactory{}, "bogus": "x"}

	cf, xa, err := LookupConnectionFactory(context.Background(), dir, "cf")
	require.NoError(t, err)
	assert.NotNil(t, cf)
	assert.Nil(t, xa)

	_, _, err = LookupConnectionFactory(context.Background(), dir, "bogus")
	var lookupErr *LookupError
	assert.ErrorAs(t, err, &lookupErr)
}
