package postgres

import (
	"context"

	"github.com/justjake/sqlink/pkg/driver"
)

// DB is the backend descriptor for PostgreSQL. It binds *Conn and
// TxManager together, so code generic over driver.Database can only ever
// pair this backend's connection with this backend's transaction
// manager.
type DB struct{}

var _ driver.Database[*Conn] = DB{}

func (DB) Name() string {
	return "postgres"
}

func (DB) Connect(ctx context.Context, url string) (*Conn, error) {
	return Connect(ctx, url)
}

func (DB) TxManager() driver.TxManager[*Conn] {
	return TxManager{}
}
