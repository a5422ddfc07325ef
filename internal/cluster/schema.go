package cluster

import (
	"github.com/roach88/fragstore/internal/dialect"
	"github.com/roach88/fragstore/internal/model"
)

// Table and column names of the cluster log.
const (
	NodesTable = "cluster_nodes"
	InvalTable = "cluster_invals"

	colRepository = "repository"
	colNodeID     = "nodeid"
	colCreated    = "created"
	colSeq        = "seq"
	colID         = "id"
	colFragments  = "fragments"
	colKind       = "kind"
)

// Tables returns the definitions of the cluster tables for d.
func Tables(d dialect.Dialect) []dialect.TableDef {
	str := d.ColumnType(model.TypeString)
	return []dialect.TableDef{
		{
			Name: NodesTable,
			Columns: []dialect.ColumnDef{
				{Name: colRepository, Type: str, NotNull: true},
				{Name: colNodeID, Type: str, NotNull: true},
				{Name: colCreated, Type: d.ColumnType(model.TypeTimestamp)},
			},
			PrimaryKey: []string{colRepository, colNodeID},
		},
		{
			Name: InvalTable,
			Columns: []dialect.ColumnDef{
				{Name: colSeq, Type: d.AutoIncrementPK()},
				{Name: colRepository, Type: str, NotNull: true},
				{Name: colNodeID, Type: str, NotNull: true},
				{Name: colID, Type: d.IDType(), NotNull: true},
				{Name: colFragments, Type: d.ClusterFragmentsType()},
				{Name: colKind, Type: d.ColumnType(model.TypeLong), NotNull: true},
			},
			Indexes: [][]string{{colRepository, colNodeID}},
		},
	}
}
