package ledger

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	migerr "github.com/your-org/mediamigrate/internal/errors"
)

const token40 = "Zx8kQ2mN5pL7vR1tY4wE6uI9oA3sD0fG2hJ5kL8z"

func fixedNow() time.Time { return time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC) }

func TestRecordRedactsBeforeExport(t *testing.T) {
	l := New(Params{RunID: "run-1", Now: fixedNow})
	l.Record(Entry{
		Phase:   migerr.PhaseDownload,
		AssetID: "a1",
		Message: "GET https://src.example/a.jpg?token=" + token40 + ": connection reset",
	})

	doc := l.Export()
	require.Len(t, doc.Entries, 1)
	require.NotContains(t, doc.Entries[0].Message, token40)
	require.Equal(t, fixedNow(), doc.Entries[0].Timestamp)
}

func TestSummaryAndExport(t *testing.T) {
	l := New(Params{RunID: "run-1", Now: fixedNow})
	l.RecordError(migerr.Fetch("a", "a.jpg", true, 3, errors.New("status 503")))
	l.RecordError(migerr.Fetch("b", "b.jpg", false, 1, errors.New("status 404")))
	l.RecordError(migerr.Store(migerr.PhaseSidecar, "c", "c.jpg", true, 3, errors.New("status 500")))
	_, ok := l.RecordError(nil)
	require.False(t, ok)

	s := l.Summary()
	require.Equal(t, 3, s.Total)
	require.Equal(t, 2, s.RetryableCount)
	require.Equal(t, map[string]int{"download": 2, "sidecar": 1}, s.ByPhase)

	doc := l.Export()
	require.Equal(t, "run-1", doc.RunID)
	require.Equal(t, 3, doc.TotalErrors)
	require.Equal(t, s.ByPhase, doc.ErrorsByPhase)
	require.Equal(t, migerr.CategoryFetch, doc.Entries[0].Category)
	require.Equal(t, "status 503", doc.Entries[0].Message)
	require.Equal(t, 3, doc.Entries[0].Attempts)
}

func TestExportEmptyHasNoNilSlices(t *testing.T) {
	doc := New(Params{RunID: "r"}).Export()
	require.NotNil(t, doc.Entries)
	require.NotNil(t, doc.ErrorsByPhase)
	require.Zero(t, doc.TotalErrors)
}

func TestConcurrentRecord(t *testing.T) {
	l := New(Params{RunID: "r"})
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Record(Entry{Phase: migerr.PhaseUpload, Message: "x"})
		}()
	}
	wg.Wait()
	require.Equal(t, 50, l.Len())
}

func TestPersist(t *testing.T) {
	fs := afero.NewMemMapFs()
	l := New(Params{RunID: "run-9", Now: fixedNow})
	l.RecordError(migerr.Fetch("a", "a.jpg", false, 1, errors.New("status 404, not found")))

	paths, err := l.Persist(fs, "logs")
	require.NoError(t, err)
	require.Equal(t, []string{"logs/run-9-errors.json", "logs/run-9-errors.csv"}, paths)

	data, err := afero.ReadFile(fs, paths[0])
	require.NoError(t, err)
	require.Contains(t, string(data), `"runId": "run-9"`)
	require.Contains(t, string(data), `"totalErrors": 1`)

	data, err = afero.ReadFile(fs, paths[1])
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Equal(t, "timestamp,phase,category,assetId,displayName,retryable,attempts,message", lines[0])
	require.Equal(t, `2025-03-04T05:06:07Z,download,FETCH,a,a.jpg,false,1,"status 404, not found"`, lines[1])
}
