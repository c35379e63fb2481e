package util_test

import (
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/eagraf/digestrpc/util"
	"github.com/stretchr/testify/require"
)

type mockBody struct {
	io.Reader
	err    error
	closed bool
}

func (m *mockBody) Close() error {
	m.closed = true
	return m.err
}

func TestDrainAndClose(t *testing.T) {
	body := &mockBody{Reader: strings.NewReader("unread")}
	util.DrainAndClose(body, func(e error) {
		require.Fail(t, "should not be called with nil error")
	})
	require.True(t, body.closed)
	n, _ := body.Read(make([]byte, 1))
	require.Zero(t, n)

	called := false
	util.DrainAndClose(&mockBody{Reader: strings.NewReader(""), err: fmt.Errorf("some error")}, func(e error) {
		called = true
		require.Equal(t, "some error", e.Error())
	})
	require.True(t, called)

	util.DrainAndClose(nil)
}
