package router

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/merr"
)

func TestRouter_RegisterAndHandle(t *testing.T) {
	r := New()
	var got *Request
	require.NoError(t, r.Register("ping", Route{Handler: func(ctx context.Context, req *Request) error {
		got = req
		return nil
	}}))

	req := &Request{ClientID: "A", Kind: "ping"}
	require.NoError(t, r.Handle(context.Background(), req))
	require.NotNil(t, got)
	assert.Equal(t, "A", got.ClientID)
	assert.NotNil(t, got.Data)
}

func TestRouter_RegisterValidation(t *testing.T) {
	r := New()
	noop := Route{Handler: func(context.Context, *Request) error { return nil }}

	assert.True(t, errors.Is(r.Register("", noop), merr.ErrParameterMissing))
	assert.True(t, errors.Is(r.Register("x", Route{}), merr.ErrParameterMissing))
	require.NoError(t, r.Register("x", noop))
	assert.True(t, errors.Is(r.Register("x", noop), merr.ErrParameterInvalid))
	require.NoError(t, r.Register("a", noop))
	assert.Equal(t, []string{"a", "x"}, r.Kinds())
}

func TestRouter_UnknownKind(t *testing.T) {
	r := New()
	err := r.Handle(context.Background(), &Request{Kind: "dance"})
	assert.True(t, errors.Is(err, merr.ErrProtocolUnknownKind))
	assert.True(t, errors.Is(r.Handle(context.Background(), nil), merr.ErrParameterMissing))
}

func TestRouter_HandlerErrorPropagates(t *testing.T) {
	r := New()
	boom := errors.New("boom")
	require.NoError(t, r.Register("x", Route{Handler: func(context.Context, *Request) error { return boom }}))
	assert.ErrorIs(t, r.Handle(context.Background(), &Request{Kind: "x"}), boom)
}
