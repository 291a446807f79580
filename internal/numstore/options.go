package numstore

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Options configures a Store. Every field has a programmatic default, so a
// zero-value Options (or a YAML file that sets only a few fields) is always
// usable, the way the teacher's cmd/repl config loading falls back to
// defaults for anything examples.yml leaves unset.
type Options struct {
	PageSize           int           `yaml:"page_size"`
	MaxCachePages      int           `yaml:"max_cache_pages"`
	MaxOpenFiles       int           `yaml:"max_open_files"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	LockTimeout        time.Duration `yaml:"lock_timeout"`
}

// DefaultOptions returns the programmatic defaults applied to any field an
// Options value leaves at its zero value.
func DefaultOptions() Options {
	return Options{
		PageSize:           8192,
		MaxCachePages:      1024,
		MaxOpenFiles:       64,
		CheckpointInterval: 5 * time.Minute,
		LockTimeout:        5 * time.Second,
	}
}

// withDefaults fills any zero-valued field of o with DefaultOptions' value.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PageSize == 0 {
		o.PageSize = d.PageSize
	}
	if o.MaxCachePages == 0 {
		o.MaxCachePages = d.MaxCachePages
	}
	if o.MaxOpenFiles == 0 {
		o.MaxOpenFiles = d.MaxOpenFiles
	}
	if o.CheckpointInterval == 0 {
		o.CheckpointInterval = d.CheckpointInterval
	}
	if o.LockTimeout == 0 {
		o.LockTimeout = d.LockTimeout
	}
	return o
}

// LoadOptions reads YAML configuration from path, layering it over
// DefaultOptions the way cmd/repl/main.go's config loading in the teacher
// layers an examples.yml over built-in defaults.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	buf, err := os.ReadFile(path)
	if err != nil {
		return Options{}, newErr(IO, "LoadOptions", err)
	}
	if err := yaml.Unmarshal(buf, &opts); err != nil {
		return Options{}, newErr(InvalidArgument, "LoadOptions", err)
	}
	return opts.withDefaults(), nil
}
