package ifresolve

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveUnknownInterfaceErrors(t *testing.T) {
	_, err := Resolve("nsbpfd-test-does-not-exist0")
	require.Error(t, err)
}

func TestEnsureClsactUnknownInterfaceErrors(t *testing.T) {
	err := EnsureClsact("nsbpfd-test-does-not-exist0")
	require.Error(t, err)
}
