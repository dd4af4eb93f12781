package jobbuild

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/Neo-Vincent/Compass-NPU-Driver/devmem"
)

// Config is create_job's typed configuration (spec.md §4.4, §4.5.1).
type Config struct {
	Partition int `mapstructure:"partition"`
	QoS       int `mapstructure:"qos"`

	// FMMemRegion pins feature-map reuse sections to a non-default region,
	// forcing the hybrid allocation path (spec.md §4.5.1).
	FMMemRegion devmem.Region `mapstructure:"fm_mem_region"`
	// FMIdxes names specific reuse-section indices that must be
	// scatter-allocated regardless of the chosen policy.
	FMIdxes []int `mapstructure:"fm_idxes"`

	// DMABufPAs maps a reuse section's (bssIdx<<16 | sectionIdx) key (see
	// dmaKey) to an already-imported dma-buf physical address (spec.md
	// §4.5.2, §12).
	DMABufPAs map[uint32]uint64 `mapstructure:"dmabuf_pas"`

	// InputShapes maps an input tensor id to its per-job dimensions
	// (spec.md §4.7). Required when the graph has dynamic-shape inputs.
	InputShapes map[uint32][]uint32 `mapstructure:"input_shapes"`
	// InputShapeOffsets maps an input tensor id to its offset into the
	// model global-param buffer (spec.md §4.7).
	InputShapeOffsets map[uint32]uint32 `mapstructure:"input_shape_offsets"`

	DumpEnabled bool `mapstructure:"dump_enabled"`
}

// DecodeConfig decodes a loosely-typed create_job configuration map (as
// would arrive from a CLI harness or RPC boundary) into a typed Config,
// the same mapstructure.Decode pattern the teacher uses for model options.
func DecodeConfig(raw map[string]any) (Config, error) {
	var cfg Config
	if err := mapstructure.Decode(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("jobbuild: decoding job config: %w", err)
	}
	return cfg, nil
}
