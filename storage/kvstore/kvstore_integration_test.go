//go:build integration

package kvstore_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c360/triage/natsclient"
	"github.com/c360/triage/storage"
	"github.com/c360/triage/storage/kvstore"
	"github.com/c360/triage/storage/storagetest"
)

func TestContract(t *testing.T) {
	tc := natsclient.NewTestClient(t)
	var n atomic.Int32

	storagetest.Run(t, func(t *testing.T) storage.Store {
		i := n.Add(1)
		s, err := kvstore.Open(context.Background(), tc.Client, kvstore.Options{
			ConfigBucket: fmt.Sprintf("CFG_%d", i),
			RunBucket:    fmt.Sprintf("RUN_%d", i),
		}, nil)
		require.NoError(t, err)
		return s
	})
}
