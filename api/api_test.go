package api_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-mq/api"
)

func TestRegistryDispatch(t *testing.T) {
	r := api.NewRegistry()
	var got []byte
	require.NoError(t, r.Register(3, func(typ uint16, p []byte, arg any) error {
		require.Equal(t, uint16(3), typ)
		require.Equal(t, "ctx", arg)
		got = append(got, p...)
		return nil
	}, "ctx"))

	ok, err := r.Dispatch(3, []byte("abc"))
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, "abc", string(got))

	ok, err = r.Dispatch(4, nil)
	require.False(t, ok)
	require.NoError(t, err)
}

func TestRegistryReplaceAndErrors(t *testing.T) {
	r := api.NewRegistry()
	boom := errors.New("boom")
	require.NoError(t, r.Register(1, func(uint16, []byte, any) error { return nil }, nil))
	require.NoError(t, r.Register(1, func(uint16, []byte, any) error { return boom }, nil))
	_, err := r.Dispatch(1, nil)
	require.ErrorIs(t, err, boom)

	require.ErrorIs(t, r.Register(api.MaxTypes, func(uint16, []byte, any) error { return nil }, nil), api.ErrBadType)
	require.ErrorIs(t, r.Register(2, nil, nil), api.ErrInvalidArgument)

	var nilReg *api.Registry
	_, _, ok := nilReg.Lookup(1)
	require.False(t, ok)
}

func TestClassify(t *testing.T) {
	cases := map[error]api.ErrorCode{
		nil:                                      api.ErrCodeOK,
		api.ErrWouldBlock:                        api.ErrCodeTransient,
		fmt.Errorf("push: %w", api.ErrQueueFull): api.ErrCodeExhausted,
		api.ErrSlotExhausted:                     api.ErrCodeExhausted,
		api.ErrBadChecksum:                       api.ErrCodeConnFatal,
		api.ErrPeerClosed:                        api.ErrCodeConnFatal,
		api.ErrShortCommand:                      api.ErrCodeControlLoss,
		errors.New("disk on fire"):               api.ErrCodeFatal,
		api.NewError(api.ErrCodeExhausted, "x", nil): api.ErrCodeExhausted,
	}
	for err, want := range cases {
		require.Equal(t, want, api.Classify(err), "%v", err)
	}
}

func TestStructuredError(t *testing.T) {
	e := api.NewError(api.ErrCodeConnFatal, "read frame", api.ErrBadType).WithContext("fd", 7)
	require.ErrorIs(t, e, api.ErrBadType)
	require.Contains(t, e.Error(), "read frame: frame type out of range")
	require.Contains(t, e.Error(), "fd:7")
	require.Equal(t, "connection-fatal", e.Code.String())
	require.Equal(t, "awaiting", api.KeepaliveAwaiting.String())
}
