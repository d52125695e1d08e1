package store

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/youcefouarab/fog-client/pkg/fogtypes"
)

func readTable(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestCSVSave(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	s, err := NewCSV(dir, "10.0.0.2")
	require.NoError(err)

	req := fogtypes.NewRequest("abcdef0123",
		&fogtypes.CoS{ID: 3, Name: "real-time"}, []byte("X"))
	req.Host = "10.0.0.5"
	req.State = fogtypes.StateDRes
	req.HreqAt = time.Now()
	req.DresAt = req.HreqAt.Add(time.Second)
	req.Result = []byte("result")

	a := req.NewAttempt()
	a.Host = "10.0.0.5"
	a.State = fogtypes.StateDRes
	a.HreqAt = req.HreqAt
	a.DresAt = req.DresAt
	a.Responses = append(a.Responses, &fogtypes.Response{
		ReqID: req.ID, AttemptNo: 1, Host: "10.0.0.5",
		CPU: 4, RAM: 2048, Disk: 20, Timestamp: req.HreqAt,
	})

	require.NoError(s.Save([]*fogtypes.Request{req}))

	rows := readTable(t, filepath.Join(dir, "requests.csv.10.0.0.2"))
	require.Len(rows, 2)
	require.Equal([]string{"id", "cos_id", "host", "state", "hreq_at",
		"dres_at", "result"}, rows[0])
	require.Equal("abcdef0123", rows[1][0])
	require.Equal("3", rows[1][1])
	require.Equal("10.0.0.5", rows[1][2])
	require.Equal("DRES", rows[1][3])
	require.Equal("result", rows[1][6])

	rows = readTable(t, filepath.Join(dir, "attempts.csv.10.0.0.2"))
	require.Len(rows, 2)
	require.Equal("1", rows[1][1])

	rows = readTable(t, filepath.Join(dir, "responses.csv.10.0.0.2"))
	require.Len(rows, 2)
	require.Equal("2048", rows[1][4])
}

// a second save rewrites the tables, reflecting updated terminal states
func TestCSVSaveRewrites(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	s, err := NewCSV(dir, "")
	require.NoError(err)

	req := fogtypes.NewRequest("abcdef0123", &fogtypes.CoS{ID: 1}, nil)
	req.State = fogtypes.StateFail
	require.NoError(s.Save([]*fogtypes.Request{req}))

	rows := readTable(t, filepath.Join(dir, "requests.csv"))
	require.Equal("FAIL", rows[1][3])

	// late acceptance flips the persisted state
	req.State = fogtypes.StateDRes
	require.NoError(s.Save([]*fogtypes.Request{req}))
	rows = readTable(t, filepath.Join(dir, "requests.csv"))
	require.Len(rows, 2)
	require.Equal("DRES", rows[1][3])
}
