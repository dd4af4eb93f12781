package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Neo-Vincent/Compass-NPU-Driver/devmem"
	"github.com/Neo-Vincent/Compass-NPU-Driver/device"
	"github.com/Neo-Vincent/Compass-NPU-Driver/graphbin"
	"github.com/Neo-Vincent/Compass-NPU-Driver/jobbuild"
)

type fakeDevice struct {
	*device.IDRegistry
}

func newFakeDevice() *fakeDevice { return &fakeDevice{IDRegistry: device.NewIDRegistry()} }

func (d *fakeDevice) GetCoreCount() int      { return 4 }
func (d *fakeDevice) GetPartitionCount() int { return 1 }
func (d *fakeDevice) GetClusterID() int      { return 0 }

func (d *fakeDevice) Schedule(desc device.JobDesc) (int, error) { return 0, nil }

func (d *fakeDevice) PollStatus(ctx context.Context, gridID uint32) (device.Status, error) {
	return device.StatusDone, nil
}

func (d *fakeDevice) IoctlCmd(op string, payload []byte) ([]byte, error) { return nil, nil }
func (d *fakeDevice) ReadTickCounter() (uint64, error)                   { return 0, nil }

// buildTestGraph constructs a Graph directly from an in-memory parsed
// description, skipping graphbin's own binary decode (covered by
// graphbin's own tests) so this package's tests exercise only its own
// section-loading and job-factory logic.
func buildTestGraph(t *testing.T, parsed *graphbin.Graph) *Graph {
	t.Helper()
	mm := devmem.NewManager(1<<20, 1<<20, 0x1000_0000, 0x2000_0000)
	g := &Graph{
		mm:     mm,
		dev:    newFakeDevice(),
		parsed: parsed,
		jobs:   make(map[uint64]*jobbuild.Job),
	}
	require.NoError(t, g.loadStaticSections())
	return g
}

func twoWeightBucketGraph() *graphbin.Graph {
	return &graphbin.Graph{
		Text:       make([]byte, 128),
		GlobalRO:   make([]byte, 32),
		Descriptor: make([]byte, 16),
		Weights:    [][]byte{make([]byte, 64), make([]byte, 96)},
		BSSList: []graphbin.BSS{
			{ReuseSections: []graphbin.Section{{Size: 64, Type: graphbin.SectionReuseInput}}},
			{ReuseSections: []graphbin.Section{{Size: 64, Type: graphbin.SectionReuseOutput}}},
		},
		Subgraphs: []graphbin.Subgraph{
			{ID: 0, BSSIdx: 0, Text: graphbin.SectionView{Offset: 0, Size: 64}},
			{ID: 1, BSSIdx: 1, Text: graphbin.SectionView{Offset: 64, Size: 64}},
		},
	}
}

func TestLoadStaticSectionsPopulatesBuffers(t *testing.T) {
	g := buildTestGraph(t, twoWeightBucketGraph())

	require.NotNil(t, g.TextBuffer())
	require.NotNil(t, g.RodataBuffer())
	require.NotNil(t, g.DescBuffer())
	assert.Nil(t, g.GlobalParamBuffer(), "graph declared no global-param section")

	require.NotNil(t, g.WeightBuffer(0))
	require.NotNil(t, g.WeightBuffer(1))
	assert.Equal(t, devmem.RegionASID1, g.WeightBuffer(0).Region)
	assert.NotEqual(t, g.WeightBuffer(0).PA, g.WeightBuffer(1).PA)

	assert.Nil(t, g.WeightBuffer(-1))
	assert.Nil(t, g.WeightBuffer(99))
}

func TestLoadStaticSectionsSkipsEmptyWeightBuckets(t *testing.T) {
	parsed := twoWeightBucketGraph()
	parsed.Weights = [][]byte{make([]byte, 64), nil}

	g := buildTestGraph(t, parsed)
	require.NotNil(t, g.WeightBuffer(0))
	assert.Nil(t, g.WeightBuffer(1))
}

func TestAccessorsMirrorParsedGraph(t *testing.T) {
	parsed := twoWeightBucketGraph()
	parsed.GM = graphbin.GMConfig{Size: 4096}
	parsed.SegMMUCount = 2
	parsed.Remap = []graphbin.RemapEntry{{SrcAddr: 1, DstAddr: 2, Size: 3}}

	g := buildTestGraph(t, parsed)
	assert.Equal(t, 2, g.BSSCount())
	assert.Equal(t, parsed.Subgraphs, g.Subgraphs())
	assert.Equal(t, parsed.GlobalRO, g.RodataBytes())
	assert.Equal(t, parsed.Descriptor, g.DescriptorBytes())
	assert.Equal(t, uint64(4096), g.GM().Size)
	assert.Equal(t, 2, g.SegMMUCount())
	assert.Equal(t, parsed.Remap, g.Remap())
	assert.Same(t, g.mm, g.MemoryManager())

	empty := g.BSS(-1)
	assert.Equal(t, graphbin.BSS{}, empty)
}

func TestCreateJobRegistersAndUnregisters(t *testing.T) {
	g := buildTestGraph(t, twoWeightBucketGraph())

	job, err := g.CreateJob(jobbuild.Config{})
	require.NoError(t, err)
	require.Len(t, g.LiveJobs(), 1)

	job2, err := g.CreateJob(jobbuild.Config{})
	require.NoError(t, err)
	require.Len(t, g.LiveJobs(), 2)
	assert.NotEqual(t, job.GridID(), job2.GridID())

	require.NoError(t, job.Schedule())
	_, err = job.Wait(context.Background())
	require.NoError(t, err)
	require.NoError(t, job.Destroy())
	assert.Len(t, g.LiveJobs(), 1)

	require.NoError(t, job2.Destroy())
	assert.Empty(t, g.LiveJobs())
}
