package manager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youcefouarab/fog-client/pkg/fogtypes"
	"github.com/youcefouarab/fog-client/pkg/ledger"
	"github.com/youcefouarab/fog-client/pkg/orchestrator"
)

func testManager(t *testing.T, opts Options, handler http.HandlerFunc) *Manager {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, _ := strconv.Atoi(u.Port())
	opts.ServerIP = u.Hostname()
	opts.APIPort = port
	return New(opts, orchestrator.NewClient(u.Hostname(), port))
}

func testNode() *fogtypes.Node {
	return fogtypes.NewNode("aa:bb:cc:dd:ee:ff", fogtypes.ServerType, "host1")
}

func TestConfigureAppliesEnvironment(t *testing.T) {
	require := require.New(t)
	os.Unsetenv("TEST_CONF_KEY")
	m := testManager(t, Options{Mode: ModeClient},
		func(w http.ResponseWriter, r *http.Request) {
			require.Equal("/config", r.URL.Path)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"TEST_CONF_KEY": "applied",
				"TEST_NIL_KEY":  nil,
			})
		})

	require.NoError(m.Configure(context.Background()))
	require.Equal("applied", os.Getenv("TEST_CONF_KEY"))
	_, set := os.LookupEnv("TEST_NIL_KEY")
	require.False(set, "null keys must not be applied")
}

// the join loop retries transient failures with 1s spacing until the
// orchestrator accepts the node
func TestJoinRetriesUntilSuccess(t *testing.T) {
	require := require.New(t)
	var calls int32
	m := testManager(t, Options{Mode: ModeClient, Node: testNode()},
		func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/node" {
				w.WriteHeader(http.StatusOK)
				return
			}
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(m.Connect(ctx))
	require.Equal(Connected, m.State())
	require.GreaterOrEqual(atomic.LoadInt32(&calls), int32(3))
	require.NoError(m.Disconnect(ctx))
	require.Equal(Disconnected, m.State())
}

// a 303 means another agent owns this id: the join must fail hard
func TestJoinConflictIsFatal(t *testing.T) {
	m := testManager(t, Options{Mode: ModeClient, Node: testNode()},
		func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/node" {
				w.WriteHeader(http.StatusSeeOther)
				return
			}
			w.WriteHeader(http.StatusOK)
		})

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Equal(t, Disconnected, m.State())
}

func TestBuildSwitchNode(t *testing.T) {
	require := require.New(t)

	m := New(Options{Mode: ModeSwitch, DPID: "00000000000000a1"}, nil)
	require.NoError(m.build())
	node := m.Node()
	require.Equal("00000000000000a1", node.ID)
	require.Equal(fogtypes.SwitchType, node.Type)

	m = New(Options{Mode: ModeSwitch, DPID: "not-hex"}, nil)
	require.Error(m.build())

	m = New(Options{Mode: ModeSwitch}, nil)
	require.Error(m.build())
}

func TestBuildNodeThreshold(t *testing.T) {
	require := require.New(t)
	m := New(Options{Mode: ModeResource, ID: "aa:bb:cc:dd:ee:ff", Label: "n1"}, nil)
	m.SetResources(nil, ledger.New(ledger.Totals{CPU: 4}, 80, nil), nil)
	require.NoError(m.build())
	node := m.Node()
	require.Equal("aa:bb:cc:dd:ee:ff", node.ID)
	require.Equal("n1", node.Label)
	require.InDelta(0.2, node.Threshold, 1e-9)
}
