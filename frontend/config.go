package frontend

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/tcassar-diss/iomon/bpf"
)

var ErrConfigInvalid = errors.New("invalid configuration")

// Output formats.
const (
	FormatText = "text"
	FormatCSV  = "csv"
	FormatNone = "none"
)

type TableCfg struct {
	Capacity uint32 `toml:"capacity"`
}

type ChannelCfg struct {
	Size uint32 `toml:"size"`
}

type AttachCfg struct {
	Symbol   string `toml:"symbol"`
	Op       string `toml:"op"`
	FileArg  int    `toml:"file_arg"`
	PosArg   int    `toml:"pos_arg"`
	Optional bool   `toml:"optional"`
}

// LayoutCfg overrides the struct offsets normally read from kernel BTF. Both offsets
// must be set for the override to apply.
type LayoutCfg struct {
	FileInode uint32 `toml:"file_f_inode"`
	InodeIno  uint32 `toml:"inode_i_ino"`
}

type OutputCfg struct {
	Format  string `toml:"format"`
	Path    string `toml:"path"` // stdout when empty
	DB      string `toml:"db"`   // sqlite recording, disabled when empty
	Summary bool   `toml:"summary"`
	Top     int    `toml:"top"`
}

type FilterCfg struct {
	Expr string `toml:"expr"`
}

type ProcnameCfg struct {
	CacheSize int    `toml:"cache_size"`
	ProcRoot  string `toml:"proc_root"`
}

// Config is the iomon configuration file.
type Config struct {
	Table    TableCfg    `toml:"table"`
	Channel  ChannelCfg  `toml:"channel"`
	Attach   []AttachCfg `toml:"attach"`
	Layout   LayoutCfg   `toml:"layout"`
	Output   OutputCfg   `toml:"output"`
	Filter   FilterCfg   `toml:"filter"`
	Procname ProcnameCfg `toml:"procname"`
}

// DefaultConfig attaches to every known read and write call form, with a 10240
// entry correlation table and a 16 MiB ring buffer.
func DefaultConfig() *Config {
	points := bpf.DefaultAttachPoints()
	attach := make([]AttachCfg, 0, len(points))

	for _, p := range points {
		attach = append(attach, AttachCfg{
			Symbol:   p.Symbol,
			Op:       string(p.Op),
			FileArg:  p.FileArg,
			PosArg:   p.PosArg,
			Optional: p.Optional,
		})
	}

	return &Config{
		Table:   TableCfg{Capacity: bpf.DefaultTableCapacity},
		Channel: ChannelCfg{Size: bpf.DefaultChannelSize},
		Attach:  attach,
		Output: OutputCfg{
			Format:  FormatText,
			Summary: true,
			Top:     20,
		},
		Procname: ProcnameCfg{
			CacheSize: 1024,
			ProcRoot:  "/proc",
		},
	}
}

// LoadConfig reads a TOML file over the defaults. Keys absent from the file keep
// their default value; an [[attach]] list replaces the default list entirely.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config %s: %w", path, err)
	}
	defer file.Close()

	// an [[attach]] list must not be merged element-wise into the defaults
	defaults := cfg.Attach
	cfg.Attach = nil

	md, err := toml.NewDecoder(file).Decode(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
	}

	if !md.IsDefined("attach") {
		cfg.Attach = defaults
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown keys %v", ErrConfigInvalid, undecoded)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Points converts the attach list.
func (c *Config) Points() []bpf.AttachPoint {
	points := make([]bpf.AttachPoint, 0, len(c.Attach))

	for _, a := range c.Attach {
		points = append(points, bpf.AttachPoint{
			Symbol:   a.Symbol,
			Op:       bpf.Op(a.Op),
			FileArg:  a.FileArg,
			PosArg:   a.PosArg,
			Optional: a.Optional,
		})
	}

	return points
}

// Validate checks sizes, attachment points and the output section.
func (c *Config) Validate() error {
	var errs []error

	if c.Table.Capacity == 0 {
		errs = append(errs, errors.New("table capacity must be positive"))
	}

	if size := c.Channel.Size; size < 4096 || size&(size-1) != 0 {
		errs = append(errs, fmt.Errorf("channel size %d must be a power of two of at least 4096", size))
	}

	if len(c.Attach) == 0 {
		errs = append(errs, errors.New("no attachment points"))
	}

	seen := make(map[string]bool, len(c.Attach))

	for _, p := range c.Points() {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
		}

		if seen[p.Symbol] {
			errs = append(errs, fmt.Errorf("attachment point %s listed twice", p.Symbol))
		}
		seen[p.Symbol] = true
	}

	if (c.Layout.FileInode == 0) != (c.Layout.InodeIno == 0) {
		errs = append(errs, errors.New("layout override needs both file_f_inode and inode_i_ino"))
	}

	switch c.Output.Format {
	case FormatText, FormatCSV, FormatNone:
	default:
		errs = append(errs, fmt.Errorf("unknown output format %q", c.Output.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, errors.Join(errs...))
	}

	return nil
}

// MonitorCfg builds the probe configuration. The layout is left nil, meaning BTF,
// unless it is overridden.
func (c *Config) MonitorCfg() (*bpf.MonitorCfg, error) {
	cfg := &bpf.MonitorCfg{
		TableCapacity: c.Table.Capacity,
		ChannelSize:   c.Channel.Size,
		Points:        c.Points(),
	}

	if c.Layout.FileInode != 0 {
		regs, err := bpf.NativeRegs()
		if err != nil {
			return nil, err
		}

		cfg.Layout = &bpf.Layout{
			FileInode: c.Layout.FileInode,
			InodeIno:  c.Layout.InodeIno,
			Regs:      regs,
		}
	}

	return cfg, nil
}
