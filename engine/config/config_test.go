package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/gostate/engine/gwlog"
)

func init() {
	SetConfigFile("../../gostate.ini.sample")
}

func TestLoad(t *testing.T) {
	config := Get()
	if config == nil {
		t.FailNow()
	}
	gwlog.Debugf("gostate config: \n%s", DumpPretty(config))

	ids := GetStateServerIDs()
	assert.Equal(t, []uint16{1, 2}, ids)

	ss1 := GetStateServer(1)
	assert.Equal(t, uint64(4002), ss1.Channel)
	assert.Equal(t, uint32(100000000), ss1.MinID)
	assert.Equal(t, uint32(199999999), ss1.MaxID)
	assert.Equal(t, "stateserver1.log", ss1.LogFile)
	assert.Equal(t, 30*time.Second, ss1.StatsInterval)

	ss2 := GetStateServer(2)
	assert.Equal(t, "info", ss2.LogLevel) // inherited from stateserver_common
	assert.Equal(t, uint32(200000000), ss2.MinID)

	assert.Equal(t, "local", GetBus().Type)
	assert.Equal(t, "snappy", GetBus().CompressFormat)
	assert.Equal(t, 1024, GetBus().CompressThreshold)
	assert.Equal(t, "gostate.dc.yaml", GetDClass().File)
	assert.Equal(t, 4096, GetClient().HistorySize)
	assert.T(t, GetStateServer(3) == nil)
}

func TestReload(t *testing.T) {
	Get()
	config := Reload()
	assert.Equal(t, 2, len(config.StateServers))
}

func writeConfig(t *testing.T, content string) string {
	p := filepath.Join(t.TempDir(), "gostate.ini")
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestInvalidConfig(t *testing.T) {
	defer SetConfigFile("../../gostate.ini.sample")

	invalids := []string{
		"[stateserver1]\nchannel = 4002\nunknown_key = 1\n",
		"[stateserver1]\nmin_id = 1\n",
		"[stateserver1]\nchannel = 4002\nmin_id = 2\nmax_id = 200\n",
		"[stateserver1]\nchannel = 100000005\n",
		"[stateserver1]\nchannel = 4002\nmin_id = 100\nmax_id = 200\n[stateserver2]\nchannel = 4003\nmin_id = 150\nmax_id = 300\n",
		"[stateserver2]\nchannel = 4002\n",
		"[bus]\ntype = carrier_pigeon\n[stateserver1]\nchannel = 4002\n",
		"[bus]\ntype = redis\ncompress_format = zip\n[stateserver1]\nchannel = 4002\n",
	}
	for _, content := range invalids {
		SetConfigFile(writeConfig(t, content))
		func() {
			defer func() {
				assert.T(t, recover() != nil, fmt.Sprintf("config should be invalid: %q", content))
			}()
			Reload()
		}()
	}
}
