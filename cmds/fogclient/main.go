package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli"

	"github.com/youcefouarab/fog-client/pkg/executor"
	"github.com/youcefouarab/fog-client/pkg/fogtypes"
	"github.com/youcefouarab/fog-client/pkg/ledger"
	"github.com/youcefouarab/fog-client/pkg/manager"
	"github.com/youcefouarab/fog-client/pkg/monitor"
	"github.com/youcefouarab/fog-client/pkg/netutil"
	"github.com/youcefouarab/fog-client/pkg/orchestrator"
	"github.com/youcefouarab/fog-client/pkg/protocol"
	"github.com/youcefouarab/fog-client/pkg/store"
)

func main() {
	app := cli.NewApp()
	app.Name = "fogclient"
	app.Usage = "node agent of the compute-offload fabric"

	serverFlag := cli.StringFlag{
		Name:     "server, s",
		Usage:    "server IP and API port (format IP:PORT)",
		Required: true,
	}
	verboseFlag := cli.BoolFlag{
		Name:  "verbose, v",
		Usage: "detailed output on the console",
	}
	idFlag := cli.StringFlag{
		Name:  "id, i",
		Usage: "custom node ID (for simulations)",
	}
	labelFlag := cli.StringFlag{
		Name:  "label, l",
		Usage: "custom node label (for simulations)",
	}

	app.Commands = []cli.Command{
		{
			Name:  "switch",
			Usage: "connect as switch",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:     "dpid, d",
					Usage:    "bridge datapath ID (in hexadecimal)",
					Required: true,
				},
				serverFlag,
				verboseFlag,
			},
			Action: func(c *cli.Context) error {
				return run(manager.ModeSwitch, c)
			},
		},
		{
			Name:  "client",
			Usage: "connect as client",
			Flags: []cli.Flag{serverFlag, idFlag, labelFlag, verboseFlag},
			Action: func(c *cli.Context) error {
				return run(manager.ModeClient, c)
			},
		},
		{
			Name:  "resource",
			Usage: "connect as resource",
			Flags: []cli.Flag{
				serverFlag, idFlag, labelFlag,
				cli.StringFlag{Name: "cpu, c", Usage: "number of simulated CPUs"},
				cli.StringFlag{Name: "ram, r", Usage: "size of simulated RAM (in MB)"},
				cli.StringFlag{Name: "disk, d", Usage: "size of simulated disk (in GB)"},
				verboseFlag,
			},
			Action: func(c *cli.Context) error {
				return run(manager.ModeResource, c)
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("fatal error")
	}
}

func run(mode manager.Mode, c *cli.Context) error {
	setupLogging(c.Bool("verbose"))

	serverIP, apiPort, err := parseServer(c.String("server"))
	if err != nil {
		return err
	}
	os.Setenv("SERVER_IP", serverIP)
	os.Setenv("SERVER_API_PORT", strconv.Itoa(apiPort))
	os.Setenv("PROTOCOL_VERBOSE", strconv.FormatBool(c.Bool("verbose")))
	if mode == manager.ModeResource {
		os.Setenv("IS_RESOURCE", "true")
		for flag, key := range map[string]string{
			"cpu": "HOST_CPU", "ram": "HOST_RAM", "disk": "HOST_DISK",
		} {
			if v := c.String(flag); v != "" {
				os.Setenv(key, v)
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := orchestrator.NewClient(serverIP, apiPort)
	mgr := manager.New(manager.Options{
		Mode:     mode,
		ServerIP: serverIP,
		APIPort:  apiPort,
		ID:       c.String("id"),
		Label:    c.String("label"),
		DPID:     c.String("dpid"),
	}, api)

	// remote configuration must be applied before the resource and
	// protocol parameters are read
	if err := mgr.Configure(ctx); err != nil {
		return err
	}

	mon := monitor.New(envDuration("MONITOR_PERIOD", time.Second), "/")
	go func() {
		if err := mon.Run(ctx); err != nil {
			log.Error().Err(err).Msg("monitor stopped")
		}
	}()

	led, err := buildLedger(ctx, mon, mode == manager.ModeResource)
	if err != nil {
		return err
	}

	var proto *protocol.Protocol
	if mode != manager.ModeSwitch {
		proto, err = buildProtocol(api, led)
		if err != nil {
			return err
		}
	}

	var reg *protocol.Registry
	if proto != nil {
		reg = proto.Registry()
	}
	mgr.SetResources(mon, led, reg)

	if err := mgr.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mgr.Disconnect(dctx); err != nil {
			log.Error().Err(err).Msg("disconnect failed")
		}
	}()

	if proto != nil {
		go func() {
			if err := proto.Run(ctx); err != nil {
				log.Error().Err(err).Msg("protocol loop stopped")
			}
		}()
		requestShell(ctx, mode, proto)
		return nil
	}

	<-ctx.Done()
	return nil
}

func setupLogging(verbose bool) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	console := zerolog.ConsoleWriter{Out: os.Stderr}
	if path := os.Getenv("LOG_FILE"); path != "" {
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			log.Logger = log.Output(zerolog.MultiLevelWriter(console, f))
			zerolog.SetGlobalLevel(level)
			return
		}
	}
	log.Logger = log.Output(console)
	zerolog.SetGlobalLevel(level)
}

func parseServer(server string) (string, int, error) {
	host, port, err := net.SplitHostPort(server)
	if err != nil {
		return "", 0, errors.New("server format must be IP:PORT (e.g. 127.0.0.1:8080)")
	}
	if net.ParseIP(host) == nil {
		return "", 0, errors.New("server IP invalid")
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return "", 0, errors.New("server port invalid")
	}
	return host, p, nil
}

// buildLedger declares the node's offered capacity: simulated values from
// the environment, or the measured totals once the monitor produced its
// first sample. Non-resource nodes offer nothing.
func buildLedger(ctx context.Context, mon *monitor.Monitor, isResource bool) (*ledger.Ledger, error) {
	limit := 100.0
	if v := os.Getenv("RESOURCE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			log.Warn().Str("value", v).Msg("RESOURCE_LIMIT invalid, no capacity will be offered")
			f = -1
		}
		limit = f
	}

	if !isResource {
		return ledger.New(ledger.Totals{}, limit, nil), nil
	}

	if strings.EqualFold(os.Getenv("SIMULATOR_ACTIVE"), "true") {
		cpu, err := strconv.ParseFloat(os.Getenv("HOST_CPU"), 64)
		if err != nil {
			return nil, errors.New("CPU argument invalid or missing")
		}
		ram, err := strconv.ParseFloat(os.Getenv("HOST_RAM"), 64)
		if err != nil {
			return nil, errors.New("RAM argument invalid or missing")
		}
		disk, err := strconv.ParseFloat(os.Getenv("HOST_DISK"), 64)
		if err != nil {
			return nil, errors.New("disk argument invalid or missing")
		}
		return ledger.New(ledger.Totals{CPU: cpu, RAM: ram, Disk: disk}, limit, nil), nil
	}

	// measured mode: wait for the first monitoring sample
	for {
		if m, ok := mon.Snapshot(); ok {
			totals := ledger.Totals{
				CPU:  m.CPUCount,
				RAM:  m.MemoryTotal,
				Disk: m.DiskTotal,
			}
			return ledger.New(totals, limit, mon.Free), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func buildProtocol(api *orchestrator.Client, led *ledger.Ledger) (*protocol.Protocol, error) {
	cfg, err := protocol.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if cfg.Mode == protocol.ModeNone {
		return nil, nil
	}

	iface, err := netutil.Select(os.Getenv("NETWORK_ADDRESS"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to select protocol interface")
	}
	cfg.IfaceName = iface.Name
	cfg.IfaceIndex = iface.Index
	cfg.LocalMAC = iface.MAC
	cfg.LocalIP = iface.IPv4
	cfg.BroadcastIP = iface.Broadcast

	tr, err := protocol.NewPacketTransport(cfg)
	if err != nil {
		return nil, err
	}

	csv, err := store.NewCSV("data", cfg.LocalIP)
	if err != nil {
		return nil, err
	}

	execMin := envFloat("SIMULATOR_EXEC_MIN", 0)
	execMax := envFloat("SIMULATOR_EXEC_MAX", 1)

	return protocol.New(protocol.Options{
		Config:    cfg,
		Transport: tr,
		Ledger:    led,
		Executor:  executor.NewSimulated(execMin, execMax),
		CoS:       fogtypes.DefaultCoSTable(),
		Store:     csv,
		Report: func(req *fogtypes.Request) {
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if sent, code, err := api.AddRequest(rctx, req); !sent {
				log.Error().Err(err).Int("status", code).
					Msg("request info failed to send to server, only saved locally")
			}
		},
	}), nil
}

// requestShell is the interactive test front-end: it reads CoS ids from
// stdin and fires hosting requests.
func requestShell(ctx context.Context, mode manager.Mode, proto *protocol.Protocol) {
	cos := fogtypes.DefaultCoSTable()
	ids := make([]int, 0, len(cos))
	for id := range cos {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	list := func() {
		fmt.Println()
		for _, id := range ids {
			suffix := ""
			if id == 1 {
				suffix = " (default)"
			}
			fmt.Printf("  %d - %s%s\n", id, cos[uint32(id)].Name, suffix)
		}
		fmt.Println()
	}

	fmt.Println("\nChoose a Class of Service and press ENTER to send a request")
	if mode == manager.ModeResource {
		fmt.Println("Or wait to receive requests")
	}
	list()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return
			}
			line = strings.TrimSpace(line)
			cosID := 1
			if line != "" {
				n, err := strconv.Atoi(line)
				if err != nil {
					fmt.Println("Invalid CoS ID")
					list()
					continue
				}
				cosID = n
			}
			if _, ok := cos[uint32(cosID)]; !ok {
				fmt.Println("This CoS doesn't exist")
				list()
				continue
			}
			go func(id uint32) {
				result, err := proto.SendRequest(ctx, id, []byte("data + program"))
				if err != nil {
					fmt.Println("request failed:", err)
				} else if result == nil {
					fmt.Println("request failed: no host completed the exchange")
				} else {
					fmt.Printf("%s\n", result)
				}
				list()
			}(uint32(cosID))
		}
	}
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return def
	}
	return time.Duration(f * float64(time.Second))
}
