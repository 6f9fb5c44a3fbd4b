package stateserver

import (
	"flag"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/xiaonanln/gostate/engine/gwlog"
	"github.com/xiaonanln/gostate/engine/post"
)

var (
	args struct {
		sid             uint16
		configFile      string
		logLevel        string
		runInDaemonMode bool
	}
	stateServer *StateServer
	signalChan  = make(chan os.Signal, 1)
)

func parseArgs() {
	var sidArg int
	flag.IntVar(&sidArg, "sid", 0, "set state server id")
	flag.StringVar(&args.configFile, "configfile", "", "set config file path")
	flag.StringVar(&args.logLevel, "log", "", "set log level, will override log level in config")
	flag.BoolVar(&args.runInDaemonMode, "d", false, "run in daemon mode")
	flag.Parse()
	args.sid = uint16(sidArg)
}

func setupSignals() {
	gwlog.Infof("Setup signals ...")
	signal.Ignore(syscall.Signal(10), syscall.Signal(12), syscall.SIGPIPE, syscall.SIGHUP)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		for {
			sig := <-signalChan
			if sig == syscall.SIGINT || sig == syscall.SIGTERM {
				gwlog.Infof("Terminating state server ...")
				post.Post(func() {
					stateServer.terminate()
				})

				stateServer.terminated.Wait()
				gwlog.Infof("State server %d terminated gracefully.", args.sid)
				os.Exit(0)
			} else {
				gwlog.Errorf("unexpected signal: %s", sig)
			}
		}
	}()
}
