package stunutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"overlayctl/internal/model"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	require.Equal(t, model.NATUnknown, Classify(nil))
	require.Equal(t, model.NATUnknown, Classify([]string{"1.2.3.4:1"}))
	require.Equal(t, model.NATFullCone, Classify([]string{"1.2.3.4:1", "1.2.3.4:1"}))
	require.Equal(t, model.NATSymmetric, Classify([]string{"1.2.3.4:1", "1.2.3.4:2"}))
}

func TestDiscover_NoServers(t *testing.T) {
	t.Parallel()

	info, err := Discover(context.Background(), nil, time.Second)
	require.NoError(t, err)
	require.Equal(t, model.NATUnknown, info.NATType)
	require.Empty(t, info.STUNMappedAddress)
}
