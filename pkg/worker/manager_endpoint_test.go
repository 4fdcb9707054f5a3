package worker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/vine-worker/pkg/supervisor"
	"github.com/cuemby/vine-worker/pkg/transport"
)

func TestManagerEndpointHandshakeSubmitAndDrain(t *testing.T) {
	ep, err := NewManagerEndpoint("127.0.0.1:0", "", zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ep.Serve(ctx)

	raw, err := net.Dial("tcp", ep.Addr())
	require.NoError(t, err)
	defer raw.Close()
	conn := transport.New(raw)
	stop := time.Now().Add(5 * time.Second)

	require.NoError(t, conn.WriteLinef(stop, "taskvine 1.0.0 host linux amd64 1.0.0"))
	require.NoError(t, conn.WriteLinef(stop, "info worker-id w1"))
	require.NoError(t, conn.WriteLinef(stop, "alive"))
	require.NoError(t, conn.WriteLinef(stop, "info resource-cores 4 0"))
	require.NoError(t, conn.WriteLinef(stop, "info resource-memory 4096 0"))
	require.NoError(t, conn.WriteLinef(stop, "info resource-disk 10240 0"))
	require.NoError(t, conn.WriteLinef(stop, "info resource-gpus 0 0"))
	require.NoError(t, conn.WriteLinef(stop, "info end_of_resource_update 0"))

	deadline := time.Now().Add(2 * time.Second)
	for ep.WorkerCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, ep.WorkerCount())

	task := &Task{TaskID: 7, CommandLine: "true", Request: supervisor.Request{Cores: 1, MemoryMB: 1, DiskMB: 1}}
	require.True(t, ep.Submit(task))

	line, err := conn.ReadLine(stop)
	require.NoError(t, err)
	require.Equal(t, "task 7", line)
	for {
		l, err := conn.ReadLine(stop)
		require.NoError(t, err)
		if l == "end" {
			break
		}
		if l == "cmd 4" {
			_, err := conn.ReadExact(4, stop)
			require.NoError(t, err)
		}
	}

	require.NoError(t, conn.WriteLinef(stop, "available_results"))
	sendResultsLine, err := conn.ReadLine(stop)
	require.NoError(t, err)
	require.Equal(t, "send_results 1", sendResultsLine)
	require.NoError(t, conn.WriteLinef(stop, "result 0 0 2 100 200 7"))
	require.NoError(t, conn.WriteExact([]byte("hi"), stop))
	require.NoError(t, conn.WriteLinef(stop, "end"))

	select {
	case r := <-ep.Results():
		require.Equal(t, int64(7), r.TaskID)
		require.Equal(t, supervisor.ResultSuccess, r.Result)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for downstream result")
	}
}

func TestManagerEndpointSubmitFailsWithNoWorkers(t *testing.T) {
	ep, err := NewManagerEndpoint("127.0.0.1:0", "", zerolog.Nop())
	require.NoError(t, err)
	task := &Task{TaskID: 1, CommandLine: "true", Request: supervisor.Request{Cores: 1}}
	require.False(t, ep.Submit(task))
}
