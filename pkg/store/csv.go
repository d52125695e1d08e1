// Package store persists completed hosting requests, their attempts and the
// observed host responses as CSV tables. When several agents share a data
// directory (emulated topologies), the local IP is appended to each file
// name to keep the tables apart.
package store

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/youcefouarab/fog-client/pkg/fogtypes"
)

// CSV writes the request, attempt and response tables under a directory.
type CSV struct {
	mu     sync.Mutex
	dir    string
	suffix string
}

// NewCSV creates a store rooted at dir. suffix is appended to every file
// name (conventionally the local IP); empty means no suffix.
func NewCSV(dir, suffix string) (*CSV, error) {
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return nil, errors.Wrap(err, "failed to create data directory")
	}
	if suffix != "" {
		suffix = "." + suffix
	}
	return &CSV{dir: dir, suffix: suffix}, nil
}

func ts(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}

func f64(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Save rewrites the three tables from the given requests. It is called with
// the registry's full consumer view so late acceptances overwrite the
// previously persisted terminal state.
func (s *CSV) Save(reqs []*fogtypes.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	requests := [][]string{{
		"id", "cos_id", "host", "state", "hreq_at", "dres_at", "result",
	}}
	attempts := [][]string{{
		"req_id", "attempt_no", "host", "state",
		"hreq_at", "hres_at", "rres_at", "dres_at",
	}}
	responses := [][]string{{
		"req_id", "attempt_no", "host", "cpu", "ram", "disk", "timestamp",
	}}

	for _, r := range reqs {
		cosID := ""
		if r.CoS != nil {
			cosID = strconv.FormatUint(uint64(r.CoS.ID), 10)
		}
		requests = append(requests, []string{
			r.ID, cosID, r.Host, r.State.String(),
			ts(r.HreqAt), ts(r.DresAt), string(r.Result),
		})
		for _, a := range r.Attempts {
			attempts = append(attempts, []string{
				a.ReqID, strconv.Itoa(a.AttemptNo), a.Host, a.State.String(),
				ts(a.HreqAt), ts(a.HresAt), ts(a.RresAt), ts(a.DresAt),
			})
			for _, resp := range a.Responses {
				responses = append(responses, []string{
					resp.ReqID, strconv.Itoa(resp.AttemptNo), resp.Host,
					f64(resp.CPU), f64(resp.RAM), f64(resp.Disk),
					ts(resp.Timestamp),
				})
			}
		}
	}

	if err := s.write("requests.csv", requests); err != nil {
		return err
	}
	if err := s.write("attempts.csv", attempts); err != nil {
		return err
	}
	return s.write("responses.csv", responses)
}

func (s *CSV) write(name string, rows [][]string) error {
	path := filepath.Join(s.dir, name+s.suffix)
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return errors.Wrapf(err, "failed to write %s", path)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return errors.Wrapf(err, "failed to flush %s", path)
	}
	return f.Close()
}
