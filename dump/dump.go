// Package dump implements spec.md §4.8: producing an offline runtime.cfg
// and metadata.txt that reproduce a job's device-memory image, for
// reproducing a run outside the driver (e.g. on the instruction simulator
// standalone, or for a bug report).
package dump

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/sync/errgroup"

	"github.com/Neo-Vincent/Compass-NPU-Driver/jobbuild"
	"github.com/Neo-Vincent/Compass-NPU-Driver/tcb"
)

// Job dumps a single job's runtime.cfg and metadata.txt into dir, plus a
// binary file per dumped buffer (spec.md §4.8's "inputs" section: "per-input
// file and base PA").
func Job(dir string, info jobbuild.DumpInfo) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("dump: creating %s: %w", dir, err)
	}

	files, err := dumpBuffers(dir, info)
	if err != nil {
		return err
	}

	cfgPath := filepath.Join(dir, "runtime.cfg")
	if err := writeFile(cfgPath, func(w io.Writer) error {
		return WriteRuntimeCfg(w, info, files)
	}); err != nil {
		return err
	}

	metaPath := filepath.Join(dir, "metadata.txt")
	if err := writeFile(metaPath, func(w io.Writer) error {
		return WriteMetadata(w, info)
	}); err != nil {
		return err
	}
	return nil
}

// fileMap records the host-relative path each dumped buffer landed at, keyed
// by its DumpBuffer.Name (for the weights/text/rodata/... section) or by a
// synthetic "input<id>"/"output<id>" key for I/O tensors.
type fileMap map[string]string

func dumpBuffers(dir string, info jobbuild.DumpInfo) (fileMap, error) {
	files := make(fileMap)
	mm := info.MemoryManager

	dumpOne := func(key string, b jobbuild.DumpBuffer) error {
		if b.Size == 0 {
			return nil
		}
		rel := b.Name + ".bin"
		if err := mm.DumpFile(b.Region, b.PA, b.Size, filepath.Join(dir, rel)); err != nil {
			return fmt.Errorf("dump: writing %s: %w", rel, err)
		}
		files[key] = rel
		return nil
	}

	if err := dumpOne("text", info.Text); err != nil {
		return nil, err
	}
	if err := dumpOne("rodata", info.Rodata); err != nil {
		return nil, err
	}
	if err := dumpOne("descriptor", info.Descriptor); err != nil {
		return nil, err
	}
	if err := dumpOne("tcb", info.TCB); err != nil {
		return nil, err
	}
	for _, w := range info.Weights {
		if err := dumpOne(w.Name, w); err != nil {
			return nil, err
		}
	}
	for _, z := range info.ZeroCopyConst {
		if err := dumpOne(z.Name, z); err != nil {
			return nil, err
		}
	}
	for _, t := range info.Inputs {
		if err := dumpOne(inputKey(t.ID), jobbuild.DumpBuffer{
			Name: fmt.Sprintf("input%d", t.ID), Region: t.Region, PA: t.PA, Size: t.Size,
		}); err != nil {
			return nil, err
		}
	}
	for _, t := range info.Outputs {
		if err := dumpOne(outputKey(t.ID), jobbuild.DumpBuffer{
			Name: fmt.Sprintf("output%d", t.ID), Region: t.Region, PA: t.PA, Size: t.Size,
		}); err != nil {
			return nil, err
		}
	}
	return files, nil
}

func inputKey(id uint32) string  { return fmt.Sprintf("input%d", id) }
func outputKey(id uint32) string { return fmt.Sprintf("output%d", id) }

func writeFile(path string, fn func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("dump: opening %s: %w", path, err)
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	if err := fn(bw); err != nil {
		return err
	}
	return bw.Flush()
}

// WriteRuntimeCfg renders the INI-like runtime.cfg spec.md §6 names:
// [COMMON], [INPUT], [HOST], [ALLOCATE_PARTITION] and [OUTPUT]. No [PROFILE]
// section is written, whether or not the job has profiler buffers.
func WriteRuntimeCfg(w io.Writer, info jobbuild.DumpInfo, files fileMap) error {
	bw := newIniWriter(w)

	bw.section("COMMON")
	bw.kv("arch", info.HW.Arch)
	bw.kv("version", info.HW.Version)
	bw.kv("config", info.HW.Config)
	bw.kv("revision", info.HW.Revision)
	bw.kv("gm_size", info.GMSize)

	bw.section("INPUT")
	if rel, ok := files["text"]; ok {
		bw.kvs("text", rel)
		bw.kv("text_base", info.Text.PA)
	}
	for _, wt := range info.Weights {
		if rel, ok := files[wt.Name]; ok {
			bw.kvs(wt.Name, rel)
			bw.kv(wt.Name+"_base", wt.PA)
		}
	}
	for _, z := range info.ZeroCopyConst {
		if rel, ok := files[z.Name]; ok {
			bw.kvs(z.Name, rel)
			bw.kv(z.Name+"_base", z.PA)
		}
	}
	if rel, ok := files["rodata"]; ok {
		bw.kvs("rodata", rel)
		bw.kv("rodata_base", info.Rodata.PA)
	}
	if rel, ok := files["descriptor"]; ok {
		bw.kvs("descriptor", rel)
		bw.kv("descriptor_base", info.Descriptor.PA)
	}
	if rel, ok := files["tcb"]; ok {
		bw.kvs("tcb", rel)
	}
	for _, t := range info.Inputs {
		if rel, ok := files[inputKey(t.ID)]; ok {
			key := fmt.Sprintf("input%d", t.ID)
			bw.kvs(key, rel)
			bw.kv(key+"_base", t.PA)
		}
	}

	bw.section("HOST")
	bw.kv("tcbp_hi", uint32(info.TCB.PA>>32))
	bw.kv("tcbp_lo", uint32(info.TCB.PA))
	bw.kv("tcb_count", len(info.TCBRecords)/tcb.RecordSize)

	bw.section("ALLOCATE_PARTITION")
	bw.kv("partition", info.Partition)
	bw.kv("qos", info.QoS)

	bw.section("OUTPUT")
	for _, t := range info.Outputs {
		rel, ok := files[outputKey(t.ID)]
		if !ok {
			continue
		}
		key := fmt.Sprintf("output%d", t.ID)
		bw.kvs(key, rel)
		bw.kv(key+"_base", t.PA)
		bw.kv(key+"_size", t.Size)
	}

	return bw.err
}

// iniWriter is a minimal INI-section/key=value writer. No third-party INI
// library appears in the example pack's dependency surface (see DESIGN.md);
// runtime.cfg's grammar is a handful of "key = value" lines per section, not
// worth a dependency for.
type iniWriter struct {
	w   io.Writer
	err error
}

func newIniWriter(w io.Writer) *iniWriter { return &iniWriter{w: w} }

func (b *iniWriter) section(name string) {
	if b.err != nil {
		return
	}
	_, b.err = fmt.Fprintf(b.w, "[%s]\n", name)
}

func (b *iniWriter) kv(key string, val any) {
	if b.err != nil {
		return
	}
	_, b.err = fmt.Fprintf(b.w, "%s = %v\n", key, val)
}

func (b *iniWriter) kvs(key, val string) { b.kv(key, val) }

// WriteMetadata renders metadata.txt: a human-readable TCB decode table and
// the I/O tensor map, via tablewriter the same way cmd/info.go formats
// driver-facing tables.
func WriteMetadata(w io.Writer, info jobbuild.DumpInfo) error {
	fmt.Fprintf(w, "arch=%d version=%d config=%d revision=%d\n\n",
		info.HW.Arch, info.HW.Version, info.HW.Config, info.HW.Revision)

	fmt.Fprintln(w, "TCB chain:")
	tcbTable := tablewriter.NewWriter(w)
	tcbTable.SetHeader([]string{"idx", "kind", "group_id", "grid_id", "flags"})
	count := len(info.TCBRecords) / tcb.RecordSize
	for i := 0; i < count; i++ {
		raw := info.TCBRecords[i*tcb.RecordSize : (i+1)*tcb.RecordSize]
		rec, err := tcb.Decode(raw)
		if err != nil {
			tcbTable.Append([]string{fmt.Sprint(i), "decode-error", "-", "-", err.Error()})
			continue
		}
		tcbTable.Append(tcbRow(i, rec))
	}
	tcbTable.Render()

	fmt.Fprintln(w, "\nI/O tensor map:")
	ioTable := tablewriter.NewWriter(w)
	ioTable.SetHeader([]string{"kind", "id", "dtype", "pa", "size"})
	for _, t := range info.Inputs {
		ioTable.Append([]string{"input", fmt.Sprint(t.ID), t.DataType.String(), fmt.Sprintf("%#x", t.PA), fmt.Sprint(t.Size)})
	}
	for _, t := range info.Outputs {
		ioTable.Append([]string{"output", fmt.Sprint(t.ID), t.DataType.String(), fmt.Sprintf("%#x", t.PA), fmt.Sprint(t.Size)})
	}
	ioTable.Render()
	return nil
}

func tcbRow(idx int, rec tcb.Record) []string {
	switch rec.Kind {
	case tcb.KindGridInit:
		return []string{fmt.Sprint(idx), "GRID_INIT", fmt.Sprint(rec.GridInit.GroupID), fmt.Sprint(rec.GridInit.GridID), ""}
	case tcb.KindGroupInit:
		return []string{fmt.Sprint(idx), "GROUP_INIT", fmt.Sprint(rec.GroupInit.GroupID), fmt.Sprint(rec.GroupInit.GridID), depFlags(rec)}
	case tcb.KindTask:
		return []string{fmt.Sprint(idx), "TASK", fmt.Sprint(rec.Task.GroupID), fmt.Sprint(rec.Task.GridID), endFlags(rec)}
	default:
		return []string{fmt.Sprint(idx), "UNKNOWN", "-", "-", ""}
	}
}

func depFlags(rec tcb.Record) string {
	switch rec.GroupInit.DepType {
	case tcb.DepTypeGroup:
		return "DEP_GROUP"
	case tcb.DepTypePreAll:
		return "DEP_PRE_ALL"
	default:
		return "DEP_NONE"
	}
}

func endFlags(rec tcb.Record) string {
	switch {
	case rec.Task.GridEnd:
		return "GROUP_END|GRID_END"
	case rec.Task.GroupEnd:
		return "GROUP_END"
	default:
		return ""
	}
}

// combinedOnce enforces spec.md §4.8's "a combined multi-job dump ... must
// run at most once per process" rule.
var combinedOnce sync.Once

// Combined writes one runtime.cfg/metadata.txt pair per job into its own
// subdirectory of dir, for a whole-graph snapshot. It runs at most once per
// process; later calls are no-ops returning nil, matching the source's
// internal once-flag (spec.md §4.8). Each job's files are independent of
// every other job's, so they are written concurrently rather than one at a
// time.
func Combined(dir string, jobs []jobbuild.DumpInfo) error {
	var err error
	combinedOnce.Do(func() {
		eg := new(errgroup.Group)
		for i, info := range jobs {
			i, info := i, info
			eg.Go(func() error {
				return Job(filepath.Join(dir, fmt.Sprintf("job%d", i)), info)
			})
		}
		err = eg.Wait()
	})
	return err
}
