package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanFastDesktopUsesCeiling(t *testing.T) {
	size := int64(250 * MiB)
	plan := DefaultPlanner.Plan(size, false, SpeedFast, nil)

	assert.Equal(t, MaxChunkSize, plan.ChunkSize)
	assert.Equal(t, 4, plan.Parallelism)
	assert.Equal(t, 25, plan.TotalChunks)
	assert.Equal(t, TotalChunks(size, MaxChunkSize), plan.TotalChunks)
}

func TestPlanMobileAlwaysSmallest(t *testing.T) {
	size := int64(250 * MiB)
	for _, speed := range []SpeedClass{SpeedFast, SpeedMedium, SpeedSlow} {
		plan := DefaultPlanner.Plan(size, true, speed, nil)
		assert.Equal(t, MinChunkSize, plan.ChunkSize, "speed=%s", speed)
		assert.Equal(t, 1, plan.Parallelism, "speed=%s", speed)
		assert.Equal(t, 125, plan.TotalChunks)
	}
}

func TestPlanBySpeed(t *testing.T) {
	tests := []struct {
		speed       SpeedClass
		chunk       int64
		parallelism int
	}{
		{SpeedSlow, MinChunkSize, 1},
		{SpeedMedium, MidChunkSize, 2},
		{SpeedFast, MaxChunkSize, 4},
		{SpeedClass("unknown"), MinChunkSize, 1},
	}
	for _, tt := range tests {
		t.Run(string(tt.speed), func(t *testing.T) {
			plan := DefaultPlanner.Plan(64*MiB, false, tt.speed, nil)
			assert.Equal(t, tt.chunk, plan.ChunkSize)
			assert.Equal(t, tt.parallelism, plan.Parallelism)
		})
	}
}

func TestPlanNeverExceedsCeiling(t *testing.T) {
	p := Planner{MinChunkSize: 4 * MiB, MidChunkSize: 8 * MiB, Ceiling: 3 * MiB}
	for _, speed := range []SpeedClass{SpeedFast, SpeedMedium, SpeedSlow} {
		plan := p.Plan(100*MiB, false, speed, nil)
		assert.LessOrEqual(t, plan.ChunkSize, int64(3*MiB), "speed=%s", speed)
	}
	assert.LessOrEqual(t, p.Plan(100*MiB, true, SpeedFast, nil).ChunkSize, int64(3*MiB))
}

func TestPlanReusesExistingSession(t *testing.T) {
	existing := &UploadSession{
		UploadID:             "up-1",
		FileName:             "a.bin",
		FileSize:             30 * MiB,
		ChunkSize:            MidChunkSize,
		TotalChunks:          6,
		Parallelism:          2,
		UploadedChunkIndices: []int{0, 1},
	}

	// 回線や端末が変わっても保存済みの計画を使う
	plan := DefaultPlanner.Plan(30*MiB, true, SpeedFast, existing)
	assert.Equal(t, MidChunkSize, plan.ChunkSize)
	assert.Equal(t, 6, plan.TotalChunks)
	assert.Equal(t, 2, plan.Parallelism)
}

func TestChunkRangesPartitionFile(t *testing.T) {
	sizes := []int64{1, 1023, MinChunkSize - 1, MinChunkSize, MinChunkSize + 1, 250 * MiB, 250*MiB + 7}
	for _, size := range sizes {
		for _, chunk := range []int64{MinChunkSize, MidChunkSize, MaxChunkSize, 1000} {
			total := TotalChunks(size, chunk)
			require.Equal(t, int((size+chunk-1)/chunk), total)

			var next int64
			for i := 0; i < total; i++ {
				start, end := ChunkRange(size, chunk, i)
				require.Equal(t, next, start, "gap or overlap at size=%d chunk=%d index=%d", size, chunk, i)
				require.Greater(t, end, start)
				require.LessOrEqual(t, end-start, chunk)
				next = end
			}
			require.Equal(t, size, next, "ranges must cover the file size=%d chunk=%d", size, chunk)
		}
	}
}

func TestTotalChunksEdgeCases(t *testing.T) {
	assert.Equal(t, 0, TotalChunks(0, MiB))
	assert.Equal(t, 0, TotalChunks(10, 0))
	assert.Equal(t, 1, TotalChunks(MiB, MiB))
	assert.Equal(t, 2, TotalChunks(MiB+1, MiB))
}
