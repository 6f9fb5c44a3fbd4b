package stateserver

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
	"github.com/xiaonanln/goTimer"
	"github.com/xiaonanln/gostate/engine/binutil"
	"github.com/xiaonanln/gostate/engine/bus"
	"github.com/xiaonanln/gostate/engine/common"
	"github.com/xiaonanln/gostate/engine/config"
	"github.com/xiaonanln/gostate/engine/consts"
	"github.com/xiaonanln/gostate/engine/dclass"
	"github.com/xiaonanln/gostate/engine/gwlog"
	"github.com/xiaonanln/gostate/engine/idalloc"
	"github.com/xiaonanln/gostate/engine/netutil/compress"
	"github.com/xiaonanln/gostate/engine/opmon"
	"github.com/xiaonanln/gostate/engine/post"
	"github.com/xiaonanln/gostate/engine/stateserver"
)

// StateServer runs one state tree on the channel bus
type StateServer struct {
	sid    uint16
	config *config.StateServerConfig
	bus    bus.Bus
	tree   *stateserver.StateTree

	terminating xnsyncutil.AtomicBool
	terminated  *xnsyncutil.OneTimeCond
}

// Start fires up the state server instance
func Start() {
	rand.Seed(time.Now().UnixNano())
	parseArgs()

	if args.runInDaemonMode {
		daemoncontext := binutil.Daemonize()
		defer daemoncontext.Release()
	}

	if args.configFile != "" {
		config.SetConfigFile(args.configFile)
	}

	if args.sid <= 0 {
		gwlog.Fatalf("sid %d is not valid, should be positive", args.sid)
	}

	cfg := config.GetStateServer(args.sid)
	if cfg == nil {
		gwlog.Fatalf("state server %d is not configured in %s", args.sid, config.GetConfigFilePath())
	}
	if cfg.GoMaxProcs > 0 {
		gwlog.Infof("SET GOMAXPROCS = %d", cfg.GoMaxProcs)
		runtime.GOMAXPROCS(cfg.GoMaxProcs)
	}
	logLevel := args.logLevel
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	binutil.SetupGWLog(fmt.Sprintf("stateserver%d", args.sid), logLevel, cfg.LogFile, cfg.LogStderr)
	binutil.SetupHTTPServer(cfg.HTTPIp, cfg.HTTPPort)

	schemaFile := config.GetDClass().File
	if !filepath.IsAbs(schemaFile) {
		schemaFile = filepath.Join(config.GetConfigDir(), schemaFile)
	}
	schema, err := dclass.LoadFile(schemaFile)
	if err != nil {
		gwlog.Fatalf("load dclass schema failed: %+v", err)
	}

	b, err := newBus(config.GetBus())
	if err != nil {
		gwlog.Fatalf("create channel bus failed: %+v", err)
	}

	stateServer, err = newStateServer(args.sid, cfg, b, schema)
	if err != nil {
		gwlog.Fatalf("create state server failed: %+v", err)
	}
	setupSignals()
	stateServer.run()
}

func newBus(cfg *config.BusConfig) (bus.Bus, error) {
	gwlog.Infof("Using %s channel bus ...", cfg.Type)
	switch cfg.Type {
	case "local":
		return bus.NewLocalBus(), nil
	case "redis":
		cr, err := compress.NewCompressor(cfg.CompressFormat)
		if err != nil {
			return nil, err
		}
		return bus.NewRedisBus(cfg.Url, cfg.DB, cfg.DedupSize, cr, cfg.CompressThreshold)
	default:
		return nil, errors.Errorf("unknown bus type: %s", cfg.Type)
	}
}

func newStateServer(sid uint16, cfg *config.StateServerConfig, b bus.Bus, schema *dclass.Schema) (*StateServer, error) {
	ids, err := idalloc.New(common.DoID(cfg.MinID), common.DoID(cfg.MaxID))
	if err != nil {
		return nil, err
	}
	gwlog.Infof("Read state server %d config: \n%s\n", sid, config.DumpPretty(cfg))

	ss := &StateServer{
		sid:        sid,
		config:     cfg,
		bus:        b,
		terminated: xnsyncutil.NewOneTimeCond(),
	}
	ss.tree = stateserver.NewStateTree(common.Channel(cfg.Channel), b, schema, ids)
	return ss, nil
}

func (ss *StateServer) String() string {
	return fmt.Sprintf("StateServer<%d>", ss.sid)
}

func (ss *StateServer) statsInterval() time.Duration {
	if ss.config.StatsInterval > 0 {
		return ss.config.StatsInterval
	}
	return consts.STATESERVER_DEFAULT_STATS_INTERVAL
}

func (ss *StateServer) dumpStats() {
	ss.tree.DumpStats()
	opmon.Dump()
}

func (ss *StateServer) run() {
	gwlog.Infof("%s started on channel %d", ss, ss.tree.Channel())
	timer.AddTimer(ss.statsInterval(), ss.dumpStats)

	ticker := time.Tick(consts.STATESERVER_TICK_INTERVAL)
	for !ss.terminating.Load() {
		ss.loopOnce(ticker)
	}
}

func (ss *StateServer) loopOnce(ticker <-chan time.Time) {
	select {
	case <-ss.bus.Ready():
		op := opmon.StartOperation("stateserver.flush")
		ss.bus.Flush()
		op.Finish(consts.DISPATCH_WARN_THRESHOLD)
	case <-post.C():
	case <-ticker:
		timer.Tick()
	}
	post.Tick()
}

// terminate runs in the state server routine
func (ss *StateServer) terminate() {
	if ss.terminating.Load() {
		return
	}
	ss.terminating.Store(true)
	ss.dumpStats()
	ss.tree.Shutdown()
	if err := ss.bus.Close(); err != nil {
		gwlog.Errorf("%s: close bus failed: %v", ss, err)
	}
	gwlog.Sync()
	ss.terminated.Signal()
}
