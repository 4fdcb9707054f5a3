package resources

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGPUTableAllocateRelease(t *testing.T) {
	tbl := NewGPUTable(4)
	require.Equal(t, 4, tbl.Free())

	indices, err := tbl.Allocate(7, 2)
	require.NoError(t, err)
	require.Len(t, indices, 2)
	require.Equal(t, 2, tbl.Free())

	_, err = tbl.Allocate(8, 3)
	require.Error(t, err)

	tbl.Release(7)
	require.Equal(t, 4, tbl.Free())
}

func TestSnapshotFits(t *testing.T) {
	total := Snapshot{
		Cores:  Quantity{Total: 4},
		Memory: Quantity{Total: 8192},
		Disk:   Quantity{Total: 100000},
	}
	req := Snapshot{Cores: Quantity{Total: 2}, Memory: Quantity{Total: 1024}, Disk: Quantity{Total: 1000}}
	require.True(t, total.Fits(req))

	total.Cores.InUse = 3
	require.False(t, total.Fits(req))
	require.True(t, total.FitsEmpty(req))
}

func TestSnapshotNormalize(t *testing.T) {
	s := Snapshot{Cores: Quantity{Total: 2, InUse: 5}}
	s.Normalize()
	require.Equal(t, int64(2), s.Cores.InUse)
}
