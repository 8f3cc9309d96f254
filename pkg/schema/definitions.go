// Package schema creates the proxy's keyspace, tables and secondary
// indexes before client traffic is accepted. Table definitions are
// declarative YAML files found in the configured search paths; the physical
// table parameters derive from a small taxonomy of access models.
package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// IndexDef declares a secondary index on one column of a table.
type IndexDef struct {
	Name   string `yaml:"name"`
	Column string `yaml:"column"`
}

// TableDef declares one table. Every table uses the key/column1/value blob
// layout the proxy's clients expect; what varies per table is its access
// model and therefore its physical parameters.
type TableDef struct {
	Name    string     `yaml:"name"`
	Model   string     `yaml:"model"`
	Comment string     `yaml:"comment"`
	Drop    bool       `yaml:"drop"`
	Indexes []IndexDef `yaml:"indexes"`
}

type definitionFile struct {
	Tables []TableDef `yaml:"tables"`
}

// tableOptions is the physical parameter set attached to an access model.
type tableOptions struct {
	compaction          string
	gcGraceSeconds      int
	bloomFilterFPChance float64
	memtableFlushPeriod int
	speculativeRetry    string
	compressionChunkKB  int
}

// Access model taxonomy. The mapping is a pure lookup; a definition naming
// an unknown model falls back to "data".
var modelOptions = map[string]tableOptions{
	// append heavy, time ordered, rarely read back
	"log": {
		compaction:          `{'class': 'TimeWindowCompactionStrategy'}`,
		gcGraceSeconds:      86400,
		bloomFilterFPChance: 0.1,
		memtableFlushPeriod: 3600000,
		speculativeRetry:    "NONE",
		compressionChunkKB:  64,
	},
	// rows written once and deleted shortly after
	"queue": {
		compaction:          `{'class': 'LeveledCompactionStrategy'}`,
		gcGraceSeconds:      3600,
		bloomFilterFPChance: 0.01,
		memtableFlushPeriod: 60000,
		speculativeRetry:    "99percentile",
		compressionChunkKB:  4,
	},
	// read-mostly content and data rows
	"content": {
		compaction:          `{'class': 'SizeTieredCompactionStrategy'}`,
		gcGraceSeconds:      864000,
		bloomFilterFPChance: 0.01,
		memtableFlushPeriod: 0,
		speculativeRetry:    "99percentile",
		compressionChunkKB:  64,
	},
	"data": {
		compaction:          `{'class': 'SizeTieredCompactionStrategy'}`,
		gcGraceSeconds:      864000,
		bloomFilterFPChance: 0.01,
		memtableFlushPeriod: 0,
		speculativeRetry:    "99percentile",
		compressionChunkKB:  64,
	},
	// short lived rows expired by TTL
	"session": {
		compaction:          `{'class': 'LeveledCompactionStrategy'}`,
		gcGraceSeconds:      86400,
		bloomFilterFPChance: 0.01,
		memtableFlushPeriod: 0,
		speculativeRetry:    "99percentile",
		compressionChunkKB:  16,
	},
}

func optionsFor(model string) tableOptions {
	if opts, ok := modelOptions[model]; ok {
		return opts
	}
	return modelOptions["data"]
}

// CreateStatement renders the CREATE TABLE for this definition.
func (t *TableDef) CreateStatement(keyspace string) string {
	opts := optionsFor(t.Model)
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s.%s (\n", keyspace, t.Name)
	b.WriteString("    key BLOB,\n    column1 BLOB,\n    value BLOB,\n    PRIMARY KEY (key, column1)\n)")
	fmt.Fprintf(&b, "\nWITH comment = '%s'", strings.ReplaceAll(t.Comment, "'", "''"))
	fmt.Fprintf(&b, "\nAND compaction = %s", opts.compaction)
	fmt.Fprintf(&b, "\nAND gc_grace_seconds = %d", opts.gcGraceSeconds)
	fmt.Fprintf(&b, "\nAND bloom_filter_fp_chance = %g", opts.bloomFilterFPChance)
	fmt.Fprintf(&b, "\nAND memtable_flush_period_in_ms = %d", opts.memtableFlushPeriod)
	fmt.Fprintf(&b, "\nAND speculative_retry = '%s'", opts.speculativeRetry)
	fmt.Fprintf(&b, "\nAND compression = {'class': 'LZ4Compressor', 'chunk_length_in_kb': %d}", opts.compressionChunkKB)
	return b.String()
}

// CreateStatement renders the CREATE INDEX for this index.
func (i *IndexDef) CreateStatement(keyspace, table string) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s.%s (%s)",
		i.IndexName(table), keyspace, table, i.Column)
}

// IndexName returns the index's name, defaulting to <table>_<column>_idx.
func (i *IndexDef) IndexName(table string) string {
	if i.Name != "" {
		return i.Name
	}
	return fmt.Sprintf("%s_%s_idx", table, i.Column)
}

// LoadDefinitions reads every *.yaml file found in the colon-separated
// search paths. Files sort by name within each path; a later definition of
// a table name overrides an earlier one so a site can amend stock tables.
func LoadDefinitions(searchPaths string) ([]TableDef, error) {
	byName := map[string]TableDef{}
	var order []string

	for _, dir := range strings.Split(searchPaths, ":") {
		if dir == "" {
			continue
		}
		files, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
		if err != nil {
			return nil, errors.Wrap(err, "scan table definitions")
		}
		sort.Strings(files)
		for _, file := range files {
			raw, err := os.ReadFile(file)
			if err != nil {
				return nil, errors.Wrapf(err, "read table definitions %s", file)
			}
			var def definitionFile
			if err := yaml.UnmarshalStrict(raw, &def); err != nil {
				return nil, errors.Wrapf(err, "parse table definitions %s", file)
			}
			for _, table := range def.Tables {
				if table.Name == "" {
					return nil, errors.Errorf("%s: table definition without a name", file)
				}
				if _, seen := byName[table.Name]; !seen {
					order = append(order, table.Name)
				}
				byName[table.Name] = table
			}
		}
	}

	defs := make([]TableDef, 0, len(order))
	for _, name := range order {
		defs = append(defs, byName[name])
	}
	return defs, nil
}
