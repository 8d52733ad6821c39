package errors_test

import (
	"fmt"
	"testing"

	"github.com/c0deZ3R0/marketsync/errors"
)

func TestWrapOpComponent(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		op           string
		component    string
		expectedOp   errors.Operation
		expectedComp string
		nilError     bool
	}{
		{
			name:      "nil error returns nil",
			err:       nil,
			op:        "sqlite.SaveEntity",
			component: "storage/sqlite",
			nilError:  true,
		},
		{
			name:         "basic error wrapping",
			err:          fmt.Errorf("underlying error"),
			op:           "sqlite.SaveEntity",
			component:    "storage/sqlite",
			expectedOp:   errors.Operation("sqlite.SaveEntity"),
			expectedComp: "storage/sqlite",
		},
		{
			name:         "complex operation name",
			err:          fmt.Errorf("scan failed"),
			op:           "postgres.ListConflicts.scan",
			component:    "storage/postgres",
			expectedOp:   errors.Operation("postgres.ListConflicts.scan"),
			expectedComp: "storage/postgres",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := errors.WrapOpComponent(tt.err, tt.op, tt.component)
			if tt.nilError {
				if got != nil {
					t.Fatalf("expected nil, got %v", got)
				}
				return
			}
			se, ok := got.(*errors.SyncError)
			if !ok {
				t.Fatalf("expected *SyncError, got %T", got)
			}
			if se.Op != tt.expectedOp {
				t.Errorf("Op = %v, want %v", se.Op, tt.expectedOp)
			}
			if se.Component != tt.expectedComp {
				t.Errorf("Component = %v, want %v", se.Component, tt.expectedComp)
			}
			if se.Err != tt.err {
				t.Errorf("Err = %v, want %v", se.Err, tt.err)
			}
		})
	}
}

