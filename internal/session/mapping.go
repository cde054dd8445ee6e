package session

// Mapping ties an entity type to a table. Dump and Load convert between an
// entity pointer and column values; Dump must return plain values (no
// pointers into the entity) so change tracking can compare snapshots.
type Mapping interface {
	TableName() string
	ColumnNames() []string
	IdentityColumns() []string
	New() any
	Dump(entity any) (map[string]any, error)
	Load(entity any, row map[string]any) error
}
