package failure_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rohmanhakim/offline-cache/pkg/failure"
	"github.com/stretchr/testify/assert"
)

type classified struct {
	severity failure.Severity
}

func (c *classified) Error() string {
	return "classified"
}

func (c *classified) Severity() failure.Severity {
	return c.severity
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "fatal", err: &classified{severity: failure.SeverityFatal}, want: true},
		{name: "recoverable", err: &classified{severity: failure.SeverityRecoverable}, want: false},
		{name: "wrapped recoverable", err: fmt.Errorf("ctx: %w", &classified{severity: failure.SeverityRecoverable}), want: false},
		{name: "unclassified", err: errors.New("plain"), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, failure.IsFatal(tt.err))
		})
	}
}

func TestSeverityString(t *testing.T) {
	assert.Equal(t, "fatal", failure.SeverityFatal.String())
	assert.Equal(t, "recoverable", failure.SeverityRecoverable.String())
	assert.Equal(t, "unknown", failure.Severity(42).String())
}
