package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobHasReference(t *testing.T) {
	tests := []struct {
		name string
		job  Job
		want bool
	}{
		{"both set", Job{ReferenceType: "invoice", ReferenceID: "123"}, true},
		{"type only", Job{ReferenceType: "invoice"}, false},
		{"id only", Job{ReferenceID: "123"}, false},
		{"neither set", Job{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.job.HasReference())
		})
	}
}
