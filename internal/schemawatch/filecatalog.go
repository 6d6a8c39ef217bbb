package schemawatch

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tributary-io/tributary/internal/types"
)

// FileCatalog reads table shapes from a YAML schema manifest exported
// alongside the commit log. The file is re-read on every call, so edits
// show up on the next poll tick.
//
// Manifest shape:
//
//	keyspaces:
//	  ecommerce:
//	    users:
//	      columns:
//	        - {name: user_id, type: uuid, partitionKey: true}
//	        - {name: created_at, type: timestamp, clusteringKey: true}
//	        - {name: email, type: text}
type FileCatalog struct {
	path string
}

// NewFileCatalog builds a catalog over the manifest at path.
func NewFileCatalog(path string) *FileCatalog {
	return &FileCatalog{path: path}
}

type manifest struct {
	Keyspaces map[string]map[string]manifestTable `yaml:"keyspaces"`
}

type manifestTable struct {
	Columns []manifestColumn `yaml:"columns"`
}

type manifestColumn struct {
	Name          string `yaml:"name"`
	Type          string `yaml:"type"`
	PartitionKey  bool   `yaml:"partitionKey"`
	ClusteringKey bool   `yaml:"clusteringKey"`
	Static        bool   `yaml:"static"`
}

// TableSchema implements Catalog.
func (c *FileCatalog) TableSchema(_ context.Context, keyspace, table string) (*types.SchemaSnapshot, error) {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("read schema manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse schema manifest %s: %w", c.path, err)
	}
	ks, ok := m.Keyspaces[keyspace]
	if !ok {
		return nil, fmt.Errorf("keyspace %q not in schema manifest", keyspace)
	}
	tbl, ok := ks[table]
	if !ok {
		return nil, fmt.Errorf("table %q not in schema manifest keyspace %q", table, keyspace)
	}
	if len(tbl.Columns) == 0 {
		return nil, fmt.Errorf("table %s.%s has no columns in manifest", keyspace, table)
	}

	snap := &types.SchemaSnapshot{Keyspace: keyspace, Table: table}
	for _, mc := range tbl.Columns {
		snap.Columns = append(snap.Columns, types.ColumnDef{
			Name:          mc.Name,
			Type:          types.CQLType(mc.Type),
			PartitionKey:  mc.PartitionKey,
			ClusteringKey: mc.ClusteringKey,
			Static:        mc.Static,
		})
		if mc.PartitionKey {
			snap.PartitionKeys = append(snap.PartitionKeys, mc.Name)
		}
		if mc.ClusteringKey {
			snap.ClusteringKeys = append(snap.ClusteringKeys, mc.Name)
		}
	}
	if len(snap.PartitionKeys) == 0 {
		return nil, fmt.Errorf("table %s.%s declares no partition key", keyspace, table)
	}
	return snap, nil
}
