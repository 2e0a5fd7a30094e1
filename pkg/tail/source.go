package tail

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Source streams the change feed of a view from a Materialize (pg wire)
// server.
type Source struct {
	conn *pgx.Conn
}

// Connect opens a connection, e.g.
// "postgresql://localhost:6875/materialize?sslmode=disable".
func Connect(ctx context.Context, dsn string) (*Source, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect upstream: %w", err)
	}
	return &Source{conn: conn}, nil
}

// TailQuery builds the COPY statement for table, which may be schema
// qualified.
func TailQuery(table string) string {
	ident := pgx.Identifier(strings.Split(table, "."))
	return fmt.Sprintf("COPY (TAIL %s) TO STDOUT", ident.Sanitize())
}

// Tail copies the TAIL output of table into w until ctx is done or the
// server ends the stream.
func (s *Source) Tail(ctx context.Context, table string, w io.Writer) error {
	if _, err := s.conn.PgConn().CopyTo(ctx, w, TailQuery(table)); err != nil {
		return fmt.Errorf("tail %s: %w", table, err)
	}
	return nil
}

func (s *Source) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}
