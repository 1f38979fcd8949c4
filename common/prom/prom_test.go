package prom

import (
	"context"
	"io/ioutil"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	ports, err := ParseRange("6001-6003")
	require.NoError(t, err)
	assert.Equal(t, []int{6001, 6002, 6003}, ports)

	ports, err = ParseRange("7000")
	require.NoError(t, err)
	assert.Equal(t, []int{7000}, ports)

	ports, err = ParseRange("")
	require.NoError(t, err)
	assert.Nil(t, ports)

	_, err = ParseRange("a-b")
	assert.Error(t, err)

	_, err = ParseRange("10-5")
	assert.Error(t, err)

	assert.Equal(t, "6001-6003", FormatPorts([]int{6001, 6002, 6003}))
}

func TestServerSkipsBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	free, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	freePort := free.Addr().(*net.TCPAddr).Port
	free.Close()

	busyPort := busy.Addr().(*net.TCPAddr).Port

	bound := make(chan string, 1)
	s := &Server{
		ListenAddr: "127.0.0.1",
		Ports:      []int{busyPort, freePort},
		Bound:      func(addr string) { bound <- addr },
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	var addr string
	select {
	case addr = <-bound:
	case <-time.After(time.Second * 5):
		t.Fatal("prom server never bound")
	}
	assert.Equal(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort)), addr)

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	body, _ := ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second * 5):
		t.Fatal("prom server did not stop")
	}
}
