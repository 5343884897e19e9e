package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationValidate(t *testing.T) {
	tests := map[string]struct {
		operation   *Operation
		expectError string
	}{
		"valid": {
			operation: NewOperation(true,
				Single(&testStep{name: "A"}),
				Parallel([]Step{&testStep{name: "B"}, &testStep{name: "C"}}),
				Single(&testStep{name: "M"}, WithRepeat(time.Second)),
			),
		},
		"no groups": {
			operation:   NewOperation(true),
			expectError: "at least one step group",
		},
		"parallel with one step": {
			operation:   NewOperation(true, Parallel([]Step{&testStep{name: "A"}})),
			expectError: "at least 2 steps",
		},
		"duplicate step names": {
			operation: NewOperation(true,
				Single(&testStep{name: "A"}),
				Single(&testStep{name: "A"}),
			),
			expectError: "used more than once",
		},
		"repeat not last": {
			operation: NewOperation(true,
				Single(&testStep{name: "A"}, WithRepeat(time.Second)),
				Single(&testStep{name: "B"}),
			),
			expectError: "only the last group may repeat",
		},
		"manual intervention in repeating group": {
			operation: NewOperation(true,
				Single(&testStep{name: "A", manual: true}, WithRepeat(time.Second)),
			),
			expectError: "deadlock",
		},
		"duplicate provided context keys": {
			operation: NewOperation(true,
				Single(&testStep{name: "A", provides: []string{"url"}}),
				Single(&testStep{name: "B", provides: []string{"url"}}),
			),
			expectError: "provided by both",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := tc.operation.Validate()
			if tc.expectError == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.expectError)
			}
		})
	}
}

func TestStepGroupName(t *testing.T) {
	assert.Equal(t, "0S", Single(&testStep{name: "A"}).Name(0))
	assert.Equal(t, "1P", Parallel([]Step{&testStep{name: "A"}, &testStep{name: "B"}}).Name(1))
	assert.Equal(t, "2SR", Single(&testStep{name: "A"}, WithRepeat(time.Second)).Name(2))
}

func TestOperationProvidedContextKeys(t *testing.T) {
	operation := NewOperation(true,
		Single(&testStep{name: "A", provides: []string{"url", "token"}}),
		Single(&testStep{name: "B", provides: []string{"handle"}}),
	)
	keys := operation.ProvidedContextKeys()
	assert.Equal(t, map[string]string{"url": "A", "token": "A", "handle": "B"}, keys)
}
