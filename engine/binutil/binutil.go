package binutil

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"net/url"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xiaonanln/gostate/engine/gwlog"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

const lumberjackScheme = "lumberjack"

type lumberjackSink struct {
	*lumberjack.Logger
}

func (lumberjackSink) Sync() error {
	return nil
}

func init() {
	err := zap.RegisterSink(lumberjackScheme, func(u *url.URL) (zap.Sink, error) {
		filename := u.Path
		if filename == "" {
			filename = u.Opaque
		}
		logger := &lumberjack.Logger{
			Filename:   filename,
			MaxSize:    100, // megabytes
			MaxBackups: 100,
			MaxAge:     30, //days
			Compress:   true,
		}
		logger.Rotate() // rotate immediately
		return lumberjackSink{logger}, nil
	})
	if err != nil {
		panic(err)
	}
}

// SetupHTTPServer starts the HTTP server for go tool pprof and prometheus metrics
func SetupHTTPServer(ip string, port int) {
	if port == 0 {
		// pprof not enabled
		gwlog.Infof("pprof server not enabled")
		return
	}

	httpHost := fmt.Sprintf("%s:%d", ip, port)
	gwlog.Infof("http server listening on %s", httpHost)
	gwlog.Infof("pprof http://%s/debug/pprof/ ... available commands: ", httpHost)
	gwlog.Infof("    go tool pprof http://%s/debug/pprof/heap", httpHost)
	gwlog.Infof("    go tool pprof http://%s/debug/pprof/profile", httpHost)
	gwlog.Infof("metrics http://%s/metrics", httpHost)

	http.Handle("/metrics", promhttp.Handler())

	go func() {
		if err := http.ListenAndServe(httpHost, nil); err != nil {
			gwlog.Errorf("http server stopped: %v", err)
		}
	}()
}

// SetupGWLog setup the log system, log files are rotated by lumberjack
func SetupGWLog(component string, logLevel string, logFile string, logStderr bool) {
	gwlog.SetSource(component)
	gwlog.Infof("Set log level to %s", logLevel)
	gwlog.SetLevel(gwlog.ParseLevel(logLevel))

	outputs := make([]string, 0, 2)
	if logFile != "" {
		outputs = append(outputs, lumberjackScheme+":"+logFile)
	}
	if logStderr {
		outputs = append(outputs, "stderr")
	}
	gwlog.SetOutput(outputs)
}
