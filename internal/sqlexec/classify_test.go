package sqlexec

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"github.com/latolukasz/beeorm-core/storage"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		kind       storage.Kind
		constraint string
	}{
		{
			name:       "mysql duplicate",
			err:        &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'cars' for key 'category.code'"},
			kind:       storage.KindDuplicateKey,
			constraint: "code",
		},
		{
			name: "mysql foreign key",
			err: &mysql.MySQLError{Number: 1452, Message: "Cannot add or update a child row: a foreign key constraint fails " +
				"(`db`.`product`, CONSTRAINT `product_category` FOREIGN KEY (`category_id`) REFERENCES `category` (`id`))"},
			kind:       storage.KindForeignKey,
			constraint: "product_category",
		},
		{name: "mysql deadlock", err: &mysql.MySQLError{Number: 1213}, kind: storage.KindDeadlock},
		{name: "mysql too many connections", err: &mysql.MySQLError{Number: 1040}, kind: storage.KindTooManyConnections},
		{name: "mysql unknown column", err: &mysql.MySQLError{Number: 1054}, kind: storage.KindUnknownColumn},
		{name: "mysql unrecognised", err: &mysql.MySQLError{Number: 9999}, kind: storage.KindUnknown},
		{name: "wrapped mysql", err: fmt.Errorf("exec: %w", &mysql.MySQLError{Number: 1146}), kind: storage.KindUnknownTable},
		{name: "postgres unique", err: &pq.Error{Code: "23505", Constraint: "category_code_key"}, kind: storage.KindDuplicateKey, constraint: "category_code_key"},
		{name: "postgres connection class", err: &pq.Error{Code: "08006"}, kind: storage.KindConnection},
		{name: "postgres syntax", err: &pq.Error{Code: "42601"}, kind: storage.KindSyntax},
		{name: "bad connection", err: mysql.ErrInvalidConn, kind: storage.KindConnection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if kind := storage.KindOf(got); kind != tt.kind {
				t.Fatalf("KindOf() = %v, want %v", kind, tt.kind)
			}
			var de *storage.DriverError
			if errors.As(got, &de) && de.Constraint != tt.constraint {
				t.Errorf("Constraint = %q, want %q", de.Constraint, tt.constraint)
			}
			if !errors.Is(got, tt.err) {
				t.Error("classified error must wrap the driver error")
			}
		})
	}
}

func TestClassify_PassThrough(t *testing.T) {
	if Classify(nil) != nil {
		t.Error("Classify(nil) must be nil")
	}
	plain := errors.New("plain")
	if Classify(plain) != plain {
		t.Error("unrecognised errors are returned unchanged")
	}
	de := &storage.DriverError{Kind: storage.KindSyntax}
	if Classify(de) != error(de) {
		t.Error("already classified errors are returned unchanged")
	}
}
