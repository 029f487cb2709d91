package outcome

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTally(t *testing.T) {
	b := Tally([]Asset{
		{AssetID: "1", Bucket: Succeeded},
		{AssetID: "2", Bucket: Succeeded, SidecarError: "status 500"},
		{AssetID: "3", Bucket: FailedDownload},
		{AssetID: "4", Bucket: FailedUpload},
	})
	require.Equal(t, 4, b.Total)
	require.Equal(t, 2, b.Succeeded)
	require.Equal(t, 2, b.Failed)
	require.Equal(t, 1, b.FailedDownload)
	require.Equal(t, 1, b.FailedUpload)
	require.Equal(t, 1, b.SidecarFailures)
	require.Equal(t, 50, b.SuccessRate)
	require.Equal(t, b.Total, b.Succeeded+b.Failed)
}

func TestMerge(t *testing.T) {
	var total Batch
	total.Merge(Tally([]Asset{{Bucket: Succeeded}, {Bucket: FailedDownload}}))
	total.Merge(Tally([]Asset{{Bucket: Succeeded}}))
	require.Equal(t, 2, total.Succeeded)
	require.Equal(t, 1, total.Failed)
	require.Len(t, total.Results, 3)
}

func TestRate(t *testing.T) {
	require.Equal(t, 100, Rate(5, 5))
	require.Equal(t, 80, Rate(8, 10))
	require.Equal(t, 67, Rate(2, 3))
	require.Equal(t, 33, Rate(1, 3))
	require.Equal(t, 0, Rate(0, 0))
}
