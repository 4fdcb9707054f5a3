package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pipePair() (*Conn, *Conn) {
	a, b := net.Pipe()
	return New(a), New(b)
}

func TestReadWriteLine(t *testing.T) {
	a, b := pipePair()
	defer a.Close()
	defer b.Close()

	stop := time.Now().Add(time.Second)
	done := make(chan error, 1)
	go func() {
		done <- a.WriteLinef(stop, "task %d", 7)
	}()

	line, err := b.ReadLine(stop)
	require.NoError(t, err)
	require.Equal(t, "task 7", line)
	require.NoError(t, <-done)
}

func TestReadLineDeadlineExpires(t *testing.T) {
	a, b := pipePair()
	defer a.Close()
	defer b.Close()

	_, err := b.ReadLine(time.Now().Add(10 * time.Millisecond))
	require.Error(t, err)
	_ = a
}

func TestExactStream(t *testing.T) {
	a, b := pipePair()
	defer a.Close()
	defer b.Close()

	payload := []byte("hello world")
	stop := time.Now().Add(time.Second)
	go func() {
		_ = a.WriteExact(payload, stop)
	}()
	got, err := b.ReadExact(len(payload), stop)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestAuthenticateRoundTrip(t *testing.T) {
	a, b := pipePair()
	defer a.Close()
	defer b.Close()

	stop := time.Now().Add(time.Second)
	done := make(chan error, 1)
	go func() {
		done <- b.RespondAuth("sekret", stop)
	}()
	err := a.Authenticate("sekret", stop)
	require.NoError(t, err)
	require.NoError(t, <-done)
}

func TestAuthenticateWrongSecret(t *testing.T) {
	a, b := pipePair()
	defer a.Close()
	defer b.Close()

	stop := time.Now().Add(time.Second)
	go func() {
		_ = b.RespondAuth("wrong", stop)
	}()
	err := a.Authenticate("right", stop)
	require.Error(t, err)
}
