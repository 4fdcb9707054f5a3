package library

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/vine-worker/pkg/supervisor"
)

// pipePair wires up a fake library process: workerRead/workerWrite are
// what the worker side (Manager/Instance) uses, libRead/libWrite are what
// the fake library goroutine uses.
func pipePair(t *testing.T) (workerRead, libWrite, libRead, workerWrite *os.File) {
	t.Helper()
	r1, w1, err := os.Pipe() // library -> worker
	require.NoError(t, err)
	r2, w2, err := os.Pipe() // worker -> library
	require.NoError(t, err)
	return r1, w1, r2, w2
}

func TestRegisterHandshakeAndInvoke(t *testing.T) {
	workerRead, libWrite, libRead, workerWrite := pipePair(t)
	defer workerRead.Close()
	defer libWrite.Close()
	defer libRead.Close()
	defer workerWrite.Close()

	p := &supervisor.Process{
		TaskID:    10,
		IsLibrary: true,
		ReadPipe:  workerRead,
		WritePipe: workerWrite,
	}

	body := []byte(`{"name": "sum"}`)
	go func() {
		fmt.Fprintf(libWrite, "%d\n", len(body))
		libWrite.Write(body)

		req := make([]byte, len("FUNC 5 /sandbox\n"))
		libRead.Read(req)
		payload := make([]byte, 5)
		libRead.Read(payload)
		nl := make([]byte, 1)
		libRead.Read(nl)
		fmt.Fprintf(libWrite, "result-%s\n", payload)
	}()

	m := New()
	inst, err := m.Register(context.Background(), p, 4, "sum")
	require.NoError(t, err)
	require.Equal(t, "sum", inst.Name)
	require.Equal(t, 1, m.Count())

	matched := m.Match("sum")
	require.NotNil(t, matched)

	resp, err := matched.Invoke(context.Background(), "/sandbox", []byte("12345"), time.Now().Add(2*time.Second))
	require.NoError(t, err)
	require.Equal(t, "result-12345\n", string(resp))
}

func TestRegisterRejectsNameMismatch(t *testing.T) {
	workerRead, libWrite, _, workerWrite := pipePair(t)
	defer workerRead.Close()
	defer libWrite.Close()
	defer workerWrite.Close()

	p := &supervisor.Process{
		TaskID:    11,
		IsLibrary: true,
		ReadPipe:  workerRead,
		WritePipe: workerWrite,
	}

	body := []byte(`{"name": "other"}`)
	go func() {
		fmt.Fprintf(libWrite, "%d\n", len(body))
		libWrite.Write(body)
	}()

	m := New()
	_, err := m.Register(context.Background(), p, 4, "sum")
	require.ErrorIs(t, err, ErrHandshakeMismatch)
	require.Equal(t, 0, m.Count())
}

func TestMatchRespectsConcurrencyLimit(t *testing.T) {
	m := New()
	inst := &Instance{Name: "sum", MaxConcurrent: 1, handshaked: true, functionsRunning: 1}
	m.instances[1] = inst
	require.Nil(t, m.Match("sum"))

	inst.functionsRunning = 0
	require.NotNil(t, m.Match("sum"))
}

func TestMatchIgnoresWrongName(t *testing.T) {
	m := New()
	inst := &Instance{Name: "other", MaxConcurrent: 4, handshaked: true}
	m.instances[1] = inst
	require.Nil(t, m.Match("sum"))
}
