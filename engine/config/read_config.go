package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-ini/ini"
	"github.com/xiaonanln/gostate/engine/common"
	"github.com/xiaonanln/gostate/engine/consts"
	"github.com/xiaonanln/gostate/engine/gwlog"
	"github.com/xiaonanln/gostate/engine/netutil/compress"
)

const (
	_DEFAULT_CONFIG_FILE  = "gostate.ini"
	_DEFAULT_HTTP_IP      = "127.0.0.1"
	_DEFAULT_LOG_LEVEL    = "debug"
	_DEFAULT_DCLASS_FILE  = "gostate.dc.yaml"
	_DEFAULT_REDIS_URL    = "127.0.0.1:6379"
	_DEFAULT_STATS_SECOND = int(consts.STATESERVER_DEFAULT_STATS_INTERVAL / time.Second)
)

var (
	configFilePath = _DEFAULT_CONFIG_FILE
	goStateConfig  *GoStateConfig
	configLock     sync.Mutex
)

// StateServerConfig defines fields of state server config
type StateServerConfig struct {
	Channel       uint64 // control channel of the state server
	MinID         uint32
	MaxID         uint32
	LogFile       string
	LogStderr     bool
	LogLevel      string
	HTTPIp        string
	HTTPPort      int
	GoMaxProcs    int
	StatsInterval time.Duration
}

// BusConfig defines fields of the channel bus config
type BusConfig struct {
	Type      string // Type of bus (local, redis)
	Url       string // Redis host (redis)
	DB        int    // Redis db index (redis)
	DedupSize int    // Number of envelope ids remembered (redis)

	CompressFormat    string // snappy, flate or none (redis)
	CompressThreshold int    // Datagrams smaller than this are never compressed (redis)
}

// DClassConfig defines fields of the dclass schema config
type DClassConfig struct {
	File string
}

// ClientConfig defines fields of interest clients config
type ClientConfig struct {
	HistorySize int
	QueueSize   int
}

// GoStateConfig defines the total config file structure
type GoStateConfig struct {
	StateServerCommon StateServerConfig
	StateServers      map[int]*StateServerConfig
	Bus               BusConfig
	DClass            DClassConfig
	Client            ClientConfig
}

// SetConfigFile sets the config file path (gostate.ini by default)
func SetConfigFile(f string) {
	configFilePath = f
}

// GetConfigDir returns the directory of gostate.ini
func GetConfigDir() string {
	dir, _ := path.Split(configFilePath)
	return dir
}

// GetConfigFilePath returns the config file path
func GetConfigFilePath() string {
	return configFilePath
}

// Get returns the total config
func Get() *GoStateConfig {
	configLock.Lock()
	defer configLock.Unlock()
	if goStateConfig == nil {
		goStateConfig = readGoStateConfig()
	}
	return goStateConfig
}

// Reload forces to reload the whole config
func Reload() *GoStateConfig {
	configLock.Lock()
	goStateConfig = nil
	configLock.Unlock()

	return Get()
}

// GetStateServer gets the state server config of specified id
func GetStateServer(id uint16) *StateServerConfig {
	return Get().StateServers[int(id)]
}

// GetStateServerIDs returns all state server IDs
func GetStateServerIDs() []uint16 {
	cfg := Get()
	ids := make([]int, 0, len(cfg.StateServers))
	for id := range cfg.StateServers {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	res := make([]uint16, len(ids))
	for i, id := range ids {
		res[i] = uint16(id)
	}
	return res
}

// GetBus returns the bus config
func GetBus() *BusConfig {
	return &Get().Bus
}

// GetDClass returns the dclass config
func GetDClass() *DClassConfig {
	return &Get().DClass
}

// GetClient returns the client config
func GetClient() *ClientConfig {
	return &Get().Client
}

// DumpPretty format config to string in pretty format
func DumpPretty(cfg interface{}) string {
	s, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return err.Error()
	}
	return string(s)
}

func readGoStateConfig() *GoStateConfig {
	config := GoStateConfig{
		StateServers: map[int]*StateServerConfig{},
	}
	gwlog.Infof("Using config file: %s", configFilePath)
	iniFile, err := ini.Load(configFilePath)
	checkConfigError(err, "")
	readStateServerCommonConfig(iniFile.Section("stateserver_common"), &config.StateServerCommon)
	readBusConfig(iniFile.Section("bus"), &config.Bus)
	readDClassConfig(iniFile.Section("dclass"), &config.DClass)
	readClientConfig(iniFile.Section("client"), &config.Client)

	for _, sec := range iniFile.Sections() {
		secName := strings.ToLower(sec.Name())
		if secName == "default" {
			continue
		}

		if secName == "stateserver_common" || secName == "bus" || secName == "dclass" || secName == "client" {
			// read above
		} else if len(secName) > 11 && secName[:11] == "stateserver" {
			id, err := strconv.Atoi(secName[11:])
			checkConfigError(err, fmt.Sprintf("invalid stateserver name: %s", secName))
			config.StateServers[id] = readStateServerConfig(sec, &config.StateServerCommon)
		} else {
			gwlog.Errorf("unknown section: %s", secName)
		}
	}

	validateConfig(&config)
	return &config
}

func readStateServerCommonConfig(section *ini.Section, sc *StateServerConfig) {
	sc.MinID = consts.DEFAULT_MIN_DOID
	sc.MaxID = consts.DEFAULT_MAX_DOID
	sc.LogFile = "stateserver.log"
	sc.LogStderr = true
	sc.LogLevel = _DEFAULT_LOG_LEVEL
	sc.HTTPIp = _DEFAULT_HTTP_IP
	sc.HTTPPort = 0 // pprof & metrics not enabled by default
	sc.StatsInterval = consts.STATESERVER_DEFAULT_STATS_INTERVAL

	_readStateServerConfig(section, sc)
}

func readStateServerConfig(sec *ini.Section, commonConfig *StateServerConfig) *StateServerConfig {
	sc := *commonConfig // copy from stateserver_common
	_readStateServerConfig(sec, &sc)
	if sc.Channel == 0 {
		gwlog.Panicf("channel is not set in %s", sec.Name())
	}
	if sc.MinID < uint32(common.MIN_OBJECT_ID) || sc.MaxID < sc.MinID {
		gwlog.Panicf("invalid id range [%d, %d] in %s", sc.MinID, sc.MaxID, sec.Name())
	}
	return &sc
}

func _readStateServerConfig(sec *ini.Section, sc *StateServerConfig) {
	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		if name == "channel" {
			sc.Channel = key.MustUint64(sc.Channel)
		} else if name == "min_id" {
			sc.MinID = uint32(key.MustUint64(uint64(sc.MinID)))
		} else if name == "max_id" {
			sc.MaxID = uint32(key.MustUint64(uint64(sc.MaxID)))
		} else if name == "log_file" {
			sc.LogFile = key.MustString(sc.LogFile)
		} else if name == "log_stderr" {
			sc.LogStderr = key.MustBool(sc.LogStderr)
		} else if name == "log_level" {
			sc.LogLevel = key.MustString(sc.LogLevel)
		} else if name == "http_ip" {
			sc.HTTPIp = key.MustString(sc.HTTPIp)
		} else if name == "http_port" {
			sc.HTTPPort = key.MustInt(sc.HTTPPort)
		} else if name == "gomaxprocs" {
			sc.GoMaxProcs = key.MustInt(sc.GoMaxProcs)
		} else if name == "stats_interval" {
			sc.StatsInterval = time.Second * time.Duration(key.MustInt(_DEFAULT_STATS_SECOND))
		} else {
			gwlog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}
}

func readBusConfig(sec *ini.Section, config *BusConfig) {
	config.Type = "local"
	config.Url = _DEFAULT_REDIS_URL
	config.DB = 0
	config.DedupSize = consts.BUS_DEDUP_SIZE
	config.CompressFormat = "snappy"
	config.CompressThreshold = consts.BUS_COMPRESS_THRESHOLD

	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		if name == "type" {
			config.Type = key.MustString(config.Type)
		} else if name == "url" {
			config.Url = key.MustString(config.Url)
		} else if name == "db" {
			config.DB = key.MustInt(config.DB)
		} else if name == "dedup_size" {
			config.DedupSize = key.MustInt(config.DedupSize)
		} else if name == "compress_format" {
			config.CompressFormat = key.MustString(config.CompressFormat)
		} else if name == "compress_threshold" {
			config.CompressThreshold = key.MustInt(config.CompressThreshold)
		} else {
			gwlog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}

	validateBusConfig(config)
}

func validateBusConfig(config *BusConfig) {
	if config.Type == "local" {
		// nothing to check
	} else if config.Type == "redis" {
		if config.Url == "" {
			fmt.Fprintf(os.Stderr, "%s\n", DumpPretty(config))
			gwlog.Panicf("invalid %s bus config above", config.Type)
		}
		if config.DedupSize <= 0 {
			gwlog.Panicf("dedup_size must be positive")
		}
		if _, err := compress.NewCompressor(config.CompressFormat); err != nil {
			gwlog.Panicf("invalid compress_format: %v", err)
		}
	} else {
		gwlog.Panicf("unknown bus type: %s", config.Type)
	}
}

func readDClassConfig(sec *ini.Section, config *DClassConfig) {
	config.File = _DEFAULT_DCLASS_FILE
	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		if name == "file" {
			config.File = key.MustString(config.File)
		} else {
			gwlog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}
	if config.File == "" {
		gwlog.Panicf("dclass file is not set")
	}
}

func readClientConfig(sec *ini.Section, config *ClientConfig) {
	config.HistorySize = consts.CLIENT_HISTORY_SIZE
	config.QueueSize = consts.CLIENT_POST_QUEUE_SIZE
	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		if name == "history_size" {
			config.HistorySize = key.MustInt(config.HistorySize)
		} else if name == "queue_size" {
			config.QueueSize = key.MustInt(config.QueueSize)
		} else {
			gwlog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}
	if config.HistorySize <= 0 {
		gwlog.Panicf("history_size must be positive")
	}
}

func checkConfigError(err error, msg string) {
	if err != nil {
		if msg == "" {
			msg = err.Error()
		}
		gwlog.Panicf("read config error: %s", msg)
	}
}

func validateConfig(config *GoStateConfig) {
	num := len(config.StateServers)
	if num <= 0 {
		gwlog.Panicf("stateserver not found in config file, must has at least 1 stateserver")
	}

	for id := 1; id <= num; id++ {
		if _, ok := config.StateServers[id]; !ok {
			gwlog.Panicf("found %d stateservers in config file, but stateserver%d is not found. stateserver id must be 1~%d", num, id, num)
		}
	}

	// control channels must be unique and never an object channel of any state server
	channels := map[uint64]int{}
	for id, sc := range config.StateServers {
		if other, ok := channels[sc.Channel]; ok {
			gwlog.Panicf("stateserver%d and stateserver%d use the same channel %d", id, other, sc.Channel)
		}
		channels[sc.Channel] = id
	}
	for id, sc := range config.StateServers {
		for ch, owner := range channels {
			if ch >= uint64(sc.MinID) && ch <= uint64(sc.MaxID) {
				gwlog.Panicf("channel %d of stateserver%d is in the id range of stateserver%d", ch, owner, id)
			}
		}
		for otherID, other := range config.StateServers {
			if otherID != id && sc.MinID <= other.MaxID && other.MinID <= sc.MaxID {
				gwlog.Panicf("id ranges of stateserver%d and stateserver%d overlap", id, otherID)
			}
		}
	}
}
